package client

import "time"

const (
	backoffBase = time.Second
	backoffMax  = 30 * time.Second
)

// Backoff returns the reconnect delay for the given consecutive-failure
// attempt: min(1s * 2^attempt, 30s). Attempt 0 is the first failure.
func Backoff(attempt int) time.Duration {
	// 1s << 5 already exceeds the cap; clamp the shift to avoid overflow.
	if attempt >= 5 {
		return backoffMax
	}
	d := backoffBase << uint(attempt)
	if d > backoffMax {
		return backoffMax
	}
	return d
}

package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSequence(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for attempt, d := range want {
		assert.Equal(t, d, Backoff(attempt), "attempt %d", attempt)
	}
}

func TestBackoffStaysCappedForLargeAttempts(t *testing.T) {
	for _, attempt := range []int{10, 31, 64, 1000} {
		assert.Equal(t, 30*time.Second, Backoff(attempt), "attempt %d", attempt)
	}
}

package presence

import (
	"context"
	"sync"
	"time"
)

// Status is a computed classification, never stored.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Thresholds for deriving a status from a last-seen timestamp.
const (
	OnlineWindow = 5 * time.Minute
	AwayWindow   = 30 * time.Minute
)

// StatusAt derives a status from a last-seen timestamp. A zero timestamp
// means the user was never seen and is offline.
func StatusAt(lastSeen, now time.Time) Status {
	if lastSeen.IsZero() {
		return StatusOffline
	}
	switch age := now.Sub(lastSeen); {
	case age <= OnlineWindow:
		return StatusOnline
	case age <= AwayWindow:
		return StatusAway
	default:
		return StatusOffline
	}
}

// Record is the stored presence state for one user; at most one record per
// user id. Only the subject user's own heartbeats mutate it.
type Record struct {
	UserID          string    `json:"userId"`
	LastSeen        time.Time `json:"lastSeen"`
	CurrentActivity string    `json:"currentActivity,omitempty"`
}

// Status returns the record's derived status as of now.
func (r Record) Status(now time.Time) Status {
	return StatusAt(r.LastSeen, now)
}

// Store persists presence records with upsert semantics. Get for an unknown
// user returns a zero record (offline), not an error.
type Store interface {
	Touch(ctx context.Context, userID, currentActivity string) error
	Get(ctx context.Context, userID string) (Record, error)
}

// MemoryStore is the in-process Store used in standalone mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory presence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Touch upserts the user's record with the current time. An empty
// currentActivity clears the activity string.
func (s *MemoryStore) Touch(_ context.Context, userID, currentActivity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userID] = Record{
		UserID:          userID,
		LastSeen:        s.now(),
		CurrentActivity: currentActivity,
	}
	return nil
}

// Get returns the user's record, or a zero record if never seen.
func (s *MemoryStore) Get(_ context.Context, userID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return Record{UserID: userID}, nil
	}
	return rec, nil
}

package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps presence records in a Redis hash per user, so multiple
// server instances share one presence view. Records expire on their own once
// well past the offline threshold.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore wraps an existing Redis client. The prefix matches the
// bridge's key prefix so one deployment's keys stay together.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    24 * time.Hour,
		now:    time.Now,
	}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + "presence:" + userID
}

// Touch upserts the user's record with the current time.
func (s *RedisStore) Touch(ctx context.Context, userID, currentActivity string) error {
	key := s.key(userID)
	fields := map[string]any{
		"last_seen": s.now().UnixMilli(),
		"activity":  currentActivity,
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence touch %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's record; a missing key yields a zero record.
func (s *RedisStore) Get(ctx context.Context, userID string) (Record, error) {
	vals, err := s.client.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("presence get %s: %w", userID, err)
	}
	rec := Record{UserID: userID}
	if raw, ok := vals["last_seen"]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("presence get %s: bad last_seen %q", userID, raw)
		}
		rec.LastSeen = time.UnixMilli(ms)
	}
	rec.CurrentActivity = vals["activity"]
	return rec, nil
}

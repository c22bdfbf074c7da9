package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/resonate-fm/pulse/src/protocol"
)

// relayFrame wraps an envelope with the originating instance ID so a node
// can skip its own published events, and with the target user ids so the
// receiving node can resolve its local connections.
type relayFrame struct {
	InstanceID string            `json:"instance_id"`
	Targets    []string          `json:"targets"`
	Envelope   protocol.Envelope `json:"envelope"`
}

// RedisRelay fans events out between server instances via Redis pub/sub.
type RedisRelay struct {
	client     *redis.Client
	prefix     string
	instanceID string
	local      LocalBroadcaster
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisRelay creates a relay on an existing Redis client. The client is
// shared with the presence store and stays owned by the caller.
func NewRedisRelay(client *redis.Client, prefix string, local LocalBroadcaster, logger zerolog.Logger) *RedisRelay {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisRelay{
		client:     client,
		prefix:     prefix,
		instanceID: uuid.New().String(),
		local:      local,
		logger:     logger.With().Str("component", "redis-relay").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (r *RedisRelay) channel() string { return r.prefix + "fanout" }

// Start subscribes to the fan-out channel and begins relaying events.
func (r *RedisRelay) Start() error {
	if err := r.client.Ping(r.ctx).Err(); err != nil {
		return err
	}

	sub := r.client.Subscribe(r.ctx, r.channel())

	// Wait for subscription confirmation.
	if _, err := sub.Receive(r.ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.active = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.listen(sub)

	r.logger.Info().
		Str("instance_id", r.instanceID).
		Str("channel", r.channel()).
		Msg("redis relay started")
	return nil
}

// Publish sends an envelope to all other instances via Redis.
func (r *RedisRelay) Publish(targetUserIDs []string, env protocol.Envelope) error {
	frame := relayFrame{
		InstanceID: r.instanceID,
		Targets:    targetUserIDs,
		Envelope:   env,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return r.client.Publish(r.ctx, r.channel(), data).Err()
}

// Stop unsubscribes and stops the listener. The Redis client is left open
// for its owner to close.
func (r *RedisRelay) Stop() error {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}

// Available reports whether the relay is connected.
func (r *RedisRelay) Available() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *RedisRelay) listen(sub *redis.PubSub) {
	defer r.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handleFrame(msg)
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *RedisRelay) handleFrame(msg *redis.Message) {
	var frame relayFrame
	if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
		r.logger.Error().Err(err).Msg("failed to decode relay frame")
		return
	}

	// Skip events that originated from this instance.
	if frame.InstanceID == r.instanceID {
		return
	}

	r.logger.Debug().
		Str("from_instance", frame.InstanceID).
		Str("type", string(frame.Envelope.Type)).
		Int("targets", len(frame.Targets)).
		Msg("relaying event from redis")

	r.local.BroadcastLocal(frame.Targets, frame.Envelope)
}

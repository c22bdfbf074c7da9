package bridge

import (
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resonate-fm/pulse/src/protocol"
)

// mockLocal records envelopes forwarded from the relay.
type mockLocal struct {
	targets [][]string
	envs    []protocol.Envelope
}

func (m *mockLocal) BroadcastLocal(targets []string, env protocol.Envelope) {
	m.targets = append(m.targets, targets)
	m.envs = append(m.envs, env)
}

func testRelay(local LocalBroadcaster) *RedisRelay {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	return NewRedisRelay(client, "pulse:ws:", local, zerolog.Nop())
}

func TestRelayFrameRoundTrip(t *testing.T) {
	env, err := protocol.New(protocol.TypeNotification, protocol.NotificationPayload{
		Message: "bob liked your playlist",
	})
	require.NoError(t, err)

	frame := relayFrame{
		InstanceID: "node-1",
		Targets:    []string{"user-a", "user-b"},
		Envelope:   env,
	}

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var out relayFrame
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, "node-1", out.InstanceID)
	assert.Equal(t, []string{"user-a", "user-b"}, out.Targets)
	assert.Equal(t, protocol.TypeNotification, out.Envelope.Type)

	var p protocol.NotificationPayload
	require.NoError(t, protocol.DecodePayload(out.Envelope, &p))
	assert.Equal(t, "bob liked your playlist", p.Message)
}

func TestRelaySkipsOwnFrames(t *testing.T) {
	local := &mockLocal{}
	r := testRelay(local)

	env, err := protocol.New(protocol.TypeActivity, protocol.ActivityPayload{Action: "followed"})
	require.NoError(t, err)

	own, err := json.Marshal(relayFrame{InstanceID: r.instanceID, Targets: []string{"u"}, Envelope: env})
	require.NoError(t, err)
	foreign, err := json.Marshal(relayFrame{InstanceID: "other-node", Targets: []string{"u"}, Envelope: env})
	require.NoError(t, err)

	r.handleFrame(&redis.Message{Payload: string(own)})
	assert.Empty(t, local.envs)

	r.handleFrame(&redis.Message{Payload: string(foreign)})
	require.Len(t, local.envs, 1)
	assert.Equal(t, protocol.TypeActivity, local.envs[0].Type)
}

func TestRelayIgnoresGarbageFrames(t *testing.T) {
	local := &mockLocal{}
	r := testRelay(local)

	r.handleFrame(&redis.Message{Payload: "not json"})
	assert.Empty(t, local.envs)
}

func TestRelayAvailableFalseBeforeStart(t *testing.T) {
	r := testRelay(&mockLocal{})
	assert.False(t, r.Available())
}

func TestRelayInstanceIDUnique(t *testing.T) {
	r1 := testRelay(&mockLocal{})
	r2 := testRelay(&mockLocal{})
	assert.NotEqual(t, r1.instanceID, r2.instanceID)
}

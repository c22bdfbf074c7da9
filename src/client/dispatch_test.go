package client

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resonate-fm/pulse/src/protocol"
)

// recordingSink tracks every applied event in order. It is shared with the
// manager goroutine in manager_test.go, so access is serialized.
type recordingSink struct {
	mu            sync.Mutex
	order         []string
	snapshot      protocol.InitialStatePayload
	notifications []protocol.NotificationPayload
	activity      []protocol.ActivityPayload
	stale         []string
	invites       []protocol.MessengerInvitePayload
}

func (s *recordingSink) ApplySnapshot(p protocol.InitialStatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, "snapshot")
	s.snapshot = p
}

func (s *recordingSink) ApplyActivity(p protocol.ActivityPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, "activity")
	s.activity = append([]protocol.ActivityPayload{p}, s.activity...)
}

func (s *recordingSink) ApplyNotification(p protocol.NotificationPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, "notification")
	s.notifications = append(s.notifications, p)
}

func (s *recordingSink) InvalidatePlaylist(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, "playlist")
	s.stale = append(s.stale, id)
}

func (s *recordingSink) ApplyInvite(p protocol.MessengerInvitePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, "invite")
	s.invites = append(s.invites, p)
}

func (s *recordingSink) getOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.order...)
}

func (s *recordingSink) getNotifications() []protocol.NotificationPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.NotificationPayload{}, s.notifications...)
}

func (s *recordingSink) getSnapshot() protocol.InitialStatePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func mustEnv(t *testing.T, typ protocol.Type, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(typ, payload)
	require.NoError(t, err)
	return env
}

func TestDispatchAppliesEachType(t *testing.T) {
	sink := &recordingSink{}
	log := zerolog.Nop()

	envs := []protocol.Envelope{
		mustEnv(t, protocol.TypeInitialState, protocol.InitialStatePayload{
			Notifications: []protocol.NotificationPayload{{Message: "welcome back"}},
		}),
		mustEnv(t, protocol.TypeNotification, protocol.NotificationPayload{Message: "new follower", At: time.Now()}),
		mustEnv(t, protocol.TypeActivity, protocol.ActivityPayload{UserID: "u1", Action: "liked"}),
		mustEnv(t, protocol.TypePlaylistUpdate, protocol.PlaylistUpdatePayload{PlaylistID: "pl-9"}),
		mustEnv(t, protocol.TypeMessengerInvite, protocol.MessengerInvitePayload{FromUserID: "u2", ConversationID: "c1"}),
	}
	for _, env := range envs {
		require.NoError(t, Dispatch(env, sink, log))
	}

	assert.Equal(t, []string{"snapshot", "notification", "activity", "playlist", "invite"}, sink.order)
	require.Len(t, sink.snapshot.Notifications, 1)
	assert.Equal(t, []string{"pl-9"}, sink.stale)
}

func TestDispatchPreservesArrivalOrder(t *testing.T) {
	sink := &recordingSink{}
	log := zerolog.Nop()

	for i := 0; i < 5; i++ {
		env := mustEnv(t, protocol.TypeNotification, protocol.NotificationPayload{Message: string(rune('a' + i))})
		require.NoError(t, Dispatch(env, sink, log))
	}

	require.Len(t, sink.notifications, 5)
	for i, n := range sink.notifications {
		assert.Equal(t, string(rune('a'+i)), n.Message)
	}
}

func TestDispatchSkipsUnknownType(t *testing.T) {
	sink := &recordingSink{}
	env := protocol.Envelope{Type: "lyrics_sync", Payload: []byte(`{"line":2}`)}
	require.NoError(t, Dispatch(env, sink, zerolog.Nop()))
	assert.Empty(t, sink.order)
}

func TestDispatchMalformedPayloadIsErrorNotPanic(t *testing.T) {
	sink := &recordingSink{}
	env := protocol.Envelope{Type: protocol.TypeNotification, Payload: []byte(`"not an object"`)}
	err := Dispatch(env, sink, zerolog.Nop())
	require.ErrorIs(t, err, protocol.ErrMalformedEnvelope)
	assert.Empty(t, sink.order)
}

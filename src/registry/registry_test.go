package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resonate-fm/pulse/src/protocol"
)

// mockConn implements Conn without a real websocket.
type mockConn struct {
	mu       sync.Mutex
	written  [][]byte
	readCh   chan []byte
	closed   bool
	closedCh chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:   make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-m.readCh:
		return data, nil
	case <-m.closedCh:
		return nil, errors.New("connection closed")
	}
}

func (m *mockConn) WriteMessage(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, data)
	return nil
}

func (m *mockConn) Ping() error { return nil }

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) getWritten() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([][]byte, len(m.written))
	copy(cp, m.written)
	return cp
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(Config{SendBuffer: 16}, zerolog.Nop())
	t.Cleanup(r.Shutdown)
	return r
}

func mustEnv(t *testing.T, typ protocol.Type, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(typ, payload)
	require.NoError(t, err)
	return env
}

func TestRegisterRejectsAnonymous(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("", newMockConn())
	require.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 0, r.ConnectionCount())
}

func TestLookupReflectsRegistrations(t *testing.T) {
	r := newTestRegistry(t)

	c1, err := r.Register("user-a", newMockConn())
	require.NoError(t, err)
	c2, err := r.Register("user-a", newMockConn())
	require.NoError(t, err)
	_, err = r.Register("user-b", newMockConn())
	require.NoError(t, err)

	assert.Len(t, r.Lookup("user-a"), 2)
	assert.Len(t, r.Lookup("user-b"), 1)
	assert.Empty(t, r.Lookup("user-c"))

	r.Unregister(c1.ID)
	conns := r.Lookup("user-a")
	require.Len(t, conns, 1)
	assert.Equal(t, c2.ID, conns[0].ID)

	r.Unregister(c2.ID)
	assert.Empty(t, r.Lookup("user-a"))
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestUnregisterIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	c, err := r.Register("user-a", newMockConn())
	require.NoError(t, err)

	r.Unregister(c.ID)
	before := r.ConnectionCount()
	r.Unregister(c.ID)
	r.Unregister("no-such-id")
	assert.Equal(t, before, r.ConnectionCount())
}

func TestRegistryFull(t *testing.T) {
	r := New(Config{MaxConnections: 1, SendBuffer: 4}, zerolog.Nop())
	t.Cleanup(r.Shutdown)

	_, err := r.Register("user-a", newMockConn())
	require.NoError(t, err)
	_, err = r.Register("user-b", newMockConn())
	require.ErrorIs(t, err, ErrRegistryFull)
}

func TestBroadcastReachesAllUserConnections(t *testing.T) {
	r := newTestRegistry(t)

	m1, m2 := newMockConn(), newMockConn()
	c1, err := r.Register("user-a", m1)
	require.NoError(t, err)
	c2, err := r.Register("user-a", m2)
	require.NoError(t, err)
	go c1.WritePump(time.Minute)
	go c2.WritePump(time.Minute)

	env := mustEnv(t, protocol.TypeNotification, protocol.NotificationPayload{Message: "X"})
	delivered, dropped := r.Broadcast([]string{"user-a"}, env)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 0, dropped)

	waitFor(t, func() bool {
		return len(m1.getWritten()) == 1 && len(m2.getWritten()) == 1
	})
}

func TestBroadcastToOfflineUserIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	env := mustEnv(t, protocol.TypeNotification, protocol.NotificationPayload{Message: "X"})
	delivered, dropped := r.Broadcast([]string{"ghost"}, env)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, dropped)
}

func TestBroadcastDropsOnFullBuffer(t *testing.T) {
	r := New(Config{SendBuffer: 1}, zerolog.Nop())
	t.Cleanup(r.Shutdown)

	// No write pump draining, so the second enqueue must drop.
	_, err := r.Register("user-a", newMockConn())
	require.NoError(t, err)

	env := mustEnv(t, protocol.TypeActivity, protocol.ActivityPayload{Action: "listened"})
	delivered, dropped := r.Broadcast([]string{"user-a"}, env)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, dropped)

	delivered, dropped = r.Broadcast([]string{"user-a"}, env)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, dropped)
}

func TestReadPumpUnregistersOnClose(t *testing.T) {
	r := newTestRegistry(t)

	m := newMockConn()
	c, err := r.Register("user-a", m)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.ReadPump(r, nil)
		close(done)
	}()

	m.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read pump did not exit on close")
	}
	assert.Empty(t, r.Lookup("user-a"))
}

func TestReadPumpSurvivesMalformedFrame(t *testing.T) {
	r := newTestRegistry(t)

	m := newMockConn()
	c, err := r.Register("user-a", m)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []protocol.Envelope
	go c.ReadPump(r, func(_ *Connection, env protocol.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})

	m.readCh <- []byte(`{"payload":`) // malformed, must not kill the pump
	m.readCh <- []byte(`{"type":"auth","payload":{"token":"tok"}}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].Type == protocol.TypeAuth
	})
	assert.Len(t, r.Lookup("user-a"), 1)
}

func TestConnectCallbacks(t *testing.T) {
	r := newTestRegistry(t)

	var mu sync.Mutex
	var connected, disconnected string
	r.OnConnect(func(c *Connection) {
		mu.Lock()
		connected = c.UserID
		mu.Unlock()
	})
	r.OnDisconnect(func(c *Connection) {
		mu.Lock()
		disconnected = c.UserID
		mu.Unlock()
	})

	c, err := r.Register("user-a", newMockConn())
	require.NoError(t, err)
	r.Unregister(c.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "user-a", connected)
	assert.Equal(t, "user-a", disconnected)
}

func TestShutdownFiresDisconnectCallbacks(t *testing.T) {
	r := New(Config{SendBuffer: 16}, zerolog.Nop())

	var mu sync.Mutex
	disconnected := 0
	r.OnDisconnect(func(*Connection) {
		mu.Lock()
		disconnected++
		mu.Unlock()
	})

	conns := []*mockConn{newMockConn(), newMockConn(), newMockConn()}
	for i, mc := range conns {
		userID := "user-a"
		if i == 2 {
			userID = "user-b"
		}
		_, err := r.Register(userID, mc)
		require.NoError(t, err)
	}

	r.Shutdown()

	mu.Lock()
	assert.Equal(t, 3, disconnected)
	mu.Unlock()
	assert.Equal(t, 0, r.ConnectionCount())
	assert.Empty(t, r.OnlineUserIDs())
	for _, mc := range conns {
		mc.mu.Lock()
		assert.True(t, mc.closed)
		mc.mu.Unlock()
	}
}

func TestOnlineUserIDs(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("user-a", newMockConn())
	require.NoError(t, err)
	_, err = r.Register("user-a", newMockConn())
	require.NoError(t, err)
	_, err = r.Register("user-b", newMockConn())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"user-a", "user-b"}, r.OnlineUserIDs())
	assert.Equal(t, 2, r.UserConnectionCount("user-a"))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

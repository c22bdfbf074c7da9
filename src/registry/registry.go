package registry

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/resonate-fm/pulse/src/protocol"
)

var (
	// ErrUnauthenticated is returned when a connection arrives without a
	// resolved user identity. Anonymous connections never enter the registry.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrRegistryFull is returned when the connection cap is reached.
	ErrRegistryFull = errors.New("registry full")
)

// Config holds registry sizing knobs.
type Config struct {
	MaxConnections int // 0 means unlimited
	SendBuffer     int
}

// Registry tracks every live connection, keyed by connection id and indexed
// by owning user. It is the single shared mutable resource of the fan-out
// layer; all access goes through its lock.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
	users map[string]map[string]*Connection // userID -> connID -> conn

	onConnect []func(*Connection)
	onDisconn []func(*Connection)
}

// New creates an empty registry. The instance is owned by the server
// process's lifecycle: construct at startup, Shutdown on exit.
func New(cfg Config, logger zerolog.Logger) *Registry {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Registry{
		cfg:    cfg,
		logger: logger.With().Str("component", "registry").Logger(),
		conns:  make(map[string]*Connection),
		users:  make(map[string]map[string]*Connection),
	}
}

// OnConnect registers a callback invoked after each successful registration.
func (r *Registry) OnConnect(cb func(*Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnect = append(r.onConnect, cb)
}

// OnDisconnect registers a callback invoked after each removal.
func (r *Registry) OnDisconnect(cb func(*Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconn = append(r.onDisconn, cb)
}

// Register inserts a new connection for an authenticated user and returns
// its wrapper. The caller starts the pumps.
func (r *Registry) Register(userID string, conn Conn) (*Connection, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	c := newConnection(userID, conn, r.cfg.SendBuffer)

	r.mu.Lock()
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		return nil, ErrRegistryFull
	}
	r.conns[c.ID] = c
	set := r.users[userID]
	if set == nil {
		set = make(map[string]*Connection)
		r.users[userID] = set
	}
	set[c.ID] = c
	callbacks := append([]func(*Connection){}, r.onConnect...)
	r.mu.Unlock()

	r.logger.Info().
		Str("conn_id", c.ID).
		Str("user_id", userID).
		Msg("connection registered")

	for _, cb := range callbacks {
		cb(c)
	}
	return c, nil
}

// Unregister removes a connection and closes it. Unknown or already-removed
// ids are a no-op.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if set, ok := r.users[c.UserID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, c.UserID)
		}
	}
	callbacks := append([]func(*Connection){}, r.onDisconn...)
	r.mu.Unlock()

	c.close()
	r.logger.Info().
		Str("conn_id", connID).
		Str("user_id", c.UserID).
		Msg("connection unregistered")

	for _, cb := range callbacks {
		cb(c)
	}
}

// Lookup returns the live connections of a user. A user with no connections
// yields an empty slice; callers treat "recipient offline" as a valid,
// silent outcome.
func (r *Registry) Lookup(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.users[userID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Broadcast encodes the envelope once and enqueues it to every live
// connection of every target user. Full buffers and connections closing
// mid-iteration are skipped, not errors. Returns delivered and dropped
// connection counts.
func (r *Registry) Broadcast(userIDs []string, env protocol.Envelope) (delivered, dropped int) {
	data, err := protocol.Encode(env)
	if err != nil {
		r.logger.Error().Err(err).Str("type", string(env.Type)).Msg("broadcast encode failed")
		return 0, 0
	}

	// Snapshot targets so a connection closing mid-broadcast is skipped.
	r.mu.RLock()
	targets := make([]*Connection, 0, len(userIDs))
	for _, uid := range userIDs {
		for _, c := range r.users[uid] {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if c.Enqueue(data) {
			delivered++
			continue
		}
		dropped++
		r.logger.Warn().
			Str("conn_id", c.ID).
			Str("user_id", c.UserID).
			Str("type", string(env.Type)).
			Msg("send buffer full, dropping")
	}
	return delivered, dropped
}

// Send delivers an envelope to a single connection, with the same
// non-blocking drop policy as Broadcast.
func (r *Registry) Send(c *Connection, env protocol.Envelope) bool {
	data, err := protocol.Encode(env)
	if err != nil {
		r.logger.Error().Err(err).Str("type", string(env.Type)).Msg("send encode failed")
		return false
	}
	return c.Enqueue(data)
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserConnectionCount returns how many connections a user has open.
func (r *Registry) UserConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// OnlineUserIDs lists users with at least one live connection.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown closes every connection. Used on process exit.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	// Each connection goes through Unregister so disconnect callbacks
	// (gauges, presence) see the shutdown like any other departure.
	for _, c := range conns {
		r.Unregister(c.ID)
		c.conn.Close()
	}
	r.logger.Info().Int("closed", len(conns)).Msg("registry shut down")
}

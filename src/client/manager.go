package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/resonate-fm/pulse/src/protocol"
)

// ErrUnauthenticated is the terminal error after the server rejects the
// auth envelope. It is not retried with the same credentials.
var ErrUnauthenticated = errors.New("server rejected credentials")

// ClientConn is the client side of a socket.
type ClientConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a socket to the server. Swappable for tests.
type Dialer interface {
	Dial(url string) (ClientConn, error)
}

// wsDialer is the production dialer on fasthttp/websocket.
type wsDialer struct{}

func (wsDialer) Dial(url string) (ClientConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &wsClientConn{conn: conn}, nil
}

type wsClientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClientConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsClientConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClientConn) Close() error { return c.conn.Close() }

// Config configures a reconnection manager.
type Config struct {
	// URL is the full websocket endpoint, e.g. "wss://host/ws".
	URL string

	// Token is the session credential sent in the auth envelope.
	Token string

	// Sink receives dispatched events.
	Sink Sink

	// Dialer defaults to the fasthttp/websocket dialer.
	Dialer Dialer

	// OnStateChange, when set, observes every transition. Useful for a
	// "reconnecting" indicator.
	OnStateChange func(State)

	// HeartbeatInterval is how often a repeated auth envelope refreshes
	// the server's presence record while connected. Defaults to one
	// minute, well inside the online window.
	HeartbeatInterval time.Duration

	Logger zerolog.Logger
}

// Manager maintains a logical "connected" session across physical
// reconnects. All transitions happen on its single run goroutine; Close
// disposes it, cancelling the socket and any pending reconnect timer.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	attempt int
	conn    ClientConn
	started bool
	termErr error

	done chan struct{}
}

// New creates a manager. Call Start to begin connecting.
func New(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("client: URL is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("client: Sink is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = wsDialer{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "reconnect-manager").Logger(),
		ctx:    ctx,
		cancel: cancel,
		state:  Disconnected,
		done:   make(chan struct{}),
	}, nil
}

// Start launches the connection loop. Calling it twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.run()
}

// Close disposes the manager: the active socket is closed and no further
// reconnect attempts occur.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	conn := m.conn
	started := m.started
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if started {
		<-m.done
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the terminal error, if the manager stopped for good.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.termErr
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		if m.ctx.Err() != nil {
			m.setState(Disconnected)
			return
		}

		m.setState(Connecting)
		conn, err := m.cfg.Dialer.Dial(m.cfg.URL)
		if err != nil {
			m.logger.Warn().Err(err).Msg("dial failed")
			m.setState(Disconnected)
			if !m.waitBackoff() {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()

		// Close may have run while the dial was in flight, before m.conn
		// was visible to it. The socket is ours to dispose then.
		if m.ctx.Err() != nil {
			conn.Close()
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			m.setState(Disconnected)
			return
		}

		if err := m.session(conn); err != nil {
			conn.Close()
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			m.setState(Disconnected)

			if errors.Is(err, ErrUnauthenticated) {
				m.mu.Lock()
				m.termErr = err
				m.mu.Unlock()
				m.logger.Error().Msg("authentication rejected, giving up")
				return
			}
			if m.ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Msg("transport closed")
			if !m.waitBackoff() {
				return
			}
		}
	}
}

// session authenticates on a fresh socket and then dispatches envelopes in
// arrival order until the transport fails.
func (m *Manager) session(conn ClientConn) error {
	m.setState(Authenticating)

	authEnv, err := protocol.New(protocol.TypeAuth, protocol.AuthPayload{Token: m.cfg.Token})
	if err != nil {
		return err
	}
	data, err := protocol.Encode(authEnv)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		return err
	}

	// The server answers auth with initial_state, or an error envelope
	// carrying the unauthenticated code.
	first, err := m.readEnvelope(conn)
	if err != nil {
		return err
	}
	if first.Type == protocol.TypeError {
		var ep protocol.ErrorPayload
		if derr := protocol.DecodePayload(first, &ep); derr == nil && ep.Code == protocol.CodeUnauthenticated {
			return ErrUnauthenticated
		}
		return fmt.Errorf("server error before initial state")
	}
	if first.Type != protocol.TypeInitialState {
		return fmt.Errorf("expected initial state, got %q", first.Type)
	}

	m.mu.Lock()
	m.attempt = 0
	m.mu.Unlock()
	m.setState(Connected)
	m.logger.Info().Msg("connected")

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go m.heartbeat(conn, data, stopHeartbeat)

	if err := Dispatch(first, m.cfg.Sink, m.logger); err != nil {
		m.logger.Warn().Err(err).Msg("dropping malformed envelope")
	}

	for {
		env, err := m.readEnvelope(conn)
		if err != nil {
			return err
		}
		if err := Dispatch(env, m.cfg.Sink, m.logger); err != nil {
			m.logger.Warn().Err(err).Msg("dropping malformed envelope")
		}
	}
}

// heartbeat re-sends the auth frame on an interval so the server keeps the
// user's presence record fresh even when the session is otherwise idle.
func (m *Manager) heartbeat(conn ClientConn, frame []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteMessage(frame); err != nil {
				// The read loop sees the same broken transport and
				// ends the session.
				return
			}
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) readEnvelope(conn ClientConn) (protocol.Envelope, error) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			// Malformed frames are logged, the connection stays up.
			m.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		return env, nil
	}
}

// waitBackoff sleeps for the current attempt's delay. It reports false when
// the manager was disposed while waiting.
func (m *Manager) waitBackoff() bool {
	m.mu.Lock()
	delay := Backoff(m.attempt)
	m.attempt++
	m.mu.Unlock()

	m.logger.Info().Dur("delay", delay).Msg("scheduling reconnect")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	if !canTransition(m.state, next) {
		// Transition table violation; keep running but make it loud.
		m.logger.Error().
			Str("from", m.state.String()).
			Str("to", next.String()).
			Msg("illegal state transition")
	}
	m.state = next
	cb := m.cfg.OnStateChange
	m.mu.Unlock()

	if cb != nil {
		cb(next)
	}
}

package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resonate-fm/pulse/src/protocol"
)

// Conn abstracts a websocket connection for testability. Implementations
// own transport deadlines; WriteMessage must not block past the configured
// write timeout.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// EnvelopeHandler receives envelopes a client sent over its socket.
type EnvelopeHandler func(c *Connection, env protocol.Envelope)

// Connection is one live socket owned by exactly one authenticated user.
// A user may hold several Connections at once.
type Connection struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	conn Conn
	Send chan []byte

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

func newConnection(userID string, conn Conn, sendBuffer int) *Connection {
	return &Connection{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: time.Now(),
		conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

// Enqueue offers a frame to the connection's send buffer without blocking.
// It reports false when the buffer is full or the connection is closing;
// the frame is dropped in that case.
func (c *Connection) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// ReadPump reads frames from the socket, decodes them and hands them to the
// handler. It unregisters the connection when the transport closes. Malformed
// frames are logged by the registry and do not tear the connection down.
func (c *Connection) ReadPump(r *Registry, handler EnvelopeHandler) {
	defer func() {
		r.Unregister(c.ID)
		c.conn.Close()
	}()

	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			r.logger.Warn().Err(err).
				Str("conn_id", c.ID).
				Str("user_id", c.UserID).
				Msg("dropping malformed frame")
			continue
		}
		if !env.Type.Known() {
			r.logger.Debug().
				Str("conn_id", c.ID).
				Str("type", string(env.Type)).
				Msg("ignoring unknown envelope type")
			continue
		}
		if handler != nil {
			handler(c, env)
		}
	}
}

// WritePump drains the send buffer to the socket and pings on the given
// interval so dead peers are detected and unregistered.
func (c *Connection) WritePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// close signals the pumps to stop. Safe to call more than once.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

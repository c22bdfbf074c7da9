package server

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

// wsConn adapts a fasthttp websocket connection to registry.Conn. Every
// write carries a bounded deadline so one stalled peer cannot block the
// write pump; missed pongs push the read deadline into the past and fail
// the read pump, which unregisters the connection.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pongWait     time.Duration

	mu sync.Mutex // serializes writes and control frames
}

func newWSConn(conn *websocket.Conn, writeTimeout, pongWait time.Duration) *wsConn {
	c := &wsConn{conn: conn, writeTimeout: writeTimeout, pongWait: pongWait}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) Close() error { return c.conn.Close() }

// setHandshakeDeadline bounds how long a fresh connection may take to send
// its auth envelope.
func (c *wsConn) setHandshakeDeadline(d time.Duration) {
	c.conn.SetReadDeadline(time.Now().Add(d))
}

// clearHandshakeDeadline restores the pong-driven read deadline once the
// handshake completed.
func (c *wsConn) clearHandshakeDeadline() {
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
}

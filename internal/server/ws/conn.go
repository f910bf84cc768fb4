package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/and161185/goph-chat/internal/model"
)

var (
	errSlowConsumer = errors.New("send queue full")
	errClosed       = errors.New("connection closed")
)

// conn is one websocket endpoint. Reads happen on the handler goroutine, writes on
// writeLoop; everything else goes through the send queue.
type conn struct {
	id   model.ConnID
	user model.UserID // proven on the handshake; zero without auth
	ws   *websocket.Conn
	cfg  Config

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newConn(id model.ConnID, user model.UserID, ws *websocket.Conn, cfg Config) *conn {
	return &conn{
		id:   id,
		user: user,
		ws:   ws,
		cfg:  cfg,
		send: make(chan []byte, cfg.SendBuffer),
	}
}

// enqueue never blocks: a full queue means the client stopped reading.
func (c *conn) enqueue(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return errSlowConsumer
	}
}

// shutdown stops the queue, sends a close frame and drops the socket. Safe to call
// more than once and from any goroutine.
func (c *conn) shutdown(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.cfg.WriteTimeout))
	_ = c.ws.Close()
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *conn) touch() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
}

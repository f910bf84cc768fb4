// Package ws is the websocket connection gateway: it owns live connections, decodes
// client frames for the delivery coordinator and writes outbound events back.
package ws

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/goph-chat/internal/metrics"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/protocol"
)

// Hub is the table of live connections. It implements the coordinator's Emitter.
type Hub struct {
	codec *protocol.Codec
	log   *zap.Logger
	m     *metrics.Metrics

	mu    sync.RWMutex
	conns map[model.ConnID]*conn
}

// NewHub constructs an empty hub.
func NewHub(codec *protocol.Codec, log *zap.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{codec: codec, log: log, m: m, conns: make(map[model.ConnID]*conn)}
}

// Send queues ev on the connection. A connection that is gone is not an error:
// disconnects race with in-flight handlers all the time.
func (h *Hub) Send(id model.ConnID, ev protocol.Outbound) {
	h.mu.RLock()
	c := h.conns[id]
	h.mu.RUnlock()
	if c == nil {
		return
	}

	b, err := h.codec.Encode(ev)
	if err != nil {
		h.log.Error("encode outbound", zap.String("event", ev.Event()), zap.Error(err))
		return
	}

	switch err := c.enqueue(b); {
	case err == nil:
		h.m.Outbound(ev.Event())
	case errors.Is(err, errSlowConsumer):
		h.m.SlowConsumer()
		h.log.Warn("send queue full, closing connection", zap.String("conn", string(id)), zap.String("event", ev.Event()))
		go c.shutdown(websocket.ClosePolicyViolation, "slow consumer")
	}
}

// Len reports the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll asks every live connection to close. Their read loops then run the
// regular disconnect path.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	all := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.shutdown(code, reason)
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(id model.ConnID) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

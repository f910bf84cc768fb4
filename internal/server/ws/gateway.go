package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/goph-chat/internal/auth"
	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/metrics"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/protocol"
	"github.com/and161185/goph-chat/internal/service"
)

// Config holds connection liveness and sizing parameters.
type Config struct {
	PingInterval  time.Duration
	PongTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int64
	SendBuffer    int
	// AnyOrigin disables the same-origin check on upgrade (dev only).
	AnyOrigin bool
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// Gateway upgrades HTTP requests to websocket connections and runs their read loops.
type Gateway struct {
	cfg    Config
	hub    *Hub
	svc    service.DeliveryService
	codec  *protocol.Codec
	jwtKey []byte
	log    *zap.Logger
	m      *metrics.Metrics

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway wires the gateway. With an empty jwtKey the handshake is not authenticated
// and payload identities are trusted.
func NewGateway(cfg Config, hub *Hub, svc service.DeliveryService, codec *protocol.Codec, jwtKey []byte, log *zap.Logger, m *metrics.Metrics) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:    cfg,
		hub:    hub,
		svc:    svc,
		codec:  codec,
		jwtKey: jwtKey,
		log:    log,
		m:      m,
		ctx:    ctx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if cfg.AnyOrigin {
		g.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return g
}

// ServeHTTP handles GET /ws.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	var user model.UserID
	if len(g.jwtKey) > 0 {
		tok, ok := auth.BearerToken(r)
		if !ok {
			g.m.Rejected("unauthorized")
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		id, err := auth.Verify(g.jwtKey, tok)
		if err != nil {
			g.m.Rejected("unauthorized")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		user = id
	}

	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		g.log.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	uid, err := uuid.NewV4()
	if err != nil {
		g.log.Error("conn id", zap.Error(err))
		_ = wsConn.Close()
		return
	}

	c := newConn(model.ConnID(uid.String()), user, wsConn, g.cfg)
	g.wg.Add(1)
	defer g.wg.Done()

	g.hub.add(c)
	g.m.ConnOpened()
	if g.ctx.Err() != nil {
		c.shutdown(websocket.CloseGoingAway, "server shutdown")
	}
	g.log.Debug("connected", zap.String("conn", string(c.id)), zap.String("remote", r.RemoteAddr))

	go c.writeLoop()
	g.readLoop(c)
}

// readLoop dispatches frames in arrival order and runs the disconnect path exactly
// once when the socket goes away for any reason.
func (g *Gateway) readLoop(c *conn) {
	ctx, cancel := context.WithCancel(g.ctx)
	defer func() {
		cancel()
		c.shutdown(websocket.CloseNormalClosure, "")
		g.hub.remove(c.id)
		g.svc.Disconnect(context.WithoutCancel(ctx), c.id)
		g.m.ConnClosed()
		g.log.Debug("disconnected", zap.String("conn", string(c.id)))
	}()

	c.ws.SetReadLimit(g.cfg.MaxFrameBytes)
	c.touch()
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				g.log.Debug("read", zap.String("conn", string(c.id)), zap.Error(err))
			}
			return
		}
		c.touch()

		name, ev, err := g.codec.Decode(data)
		if err != nil {
			g.fail(c, name, err)
			continue
		}
		if err := g.svc.Dispatch(ctx, c.id, c.user, ev); err != nil {
			g.fail(c, name, err)
		}
	}
}

// fail reports client mistakes back as an error frame; anything else is logged.
func (g *Gateway) fail(c *conn, event string, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		g.m.Rejected("validation")
	case errors.Is(err, errs.ErrUnauthorized):
		g.m.Rejected("unauthorized")
	default:
		g.log.Error("handle event", zap.String("conn", string(c.id)), zap.String("event", event), zap.Error(err))
		return
	}
	g.hub.Send(c.id, protocol.Error{For: event, Message: err.Error()})
}

// Shutdown refuses new connections, closes live ones and waits for their read loops.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cancel()
	g.hub.CloseAll(websocket.CloseGoingAway, "server shutdown")

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

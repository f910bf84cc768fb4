package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/goph-chat/internal/auth"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/presence"
	"github.com/and161185/goph-chat/internal/protocol"
	"github.com/and161185/goph-chat/internal/repository/badgerstore"
	"github.com/and161185/goph-chat/internal/service"
)

var testCfg = Config{
	PingInterval:  time.Second,
	PongTimeout:   5 * time.Second,
	WriteTimeout:  time.Second,
	MaxFrameBytes: 4096,
	SendBuffer:    16,
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type stack struct {
	srv *httptest.Server
	gw  *Gateway
	hub *Hub
	reg *presence.Registry
}

func newStack(t *testing.T, jwtKey []byte) *stack {
	t.Helper()
	log := zaptest.NewLogger(t)
	store, err := badgerstore.Open("", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	codec := protocol.NewCodec(100)
	hub := NewHub(codec, log, nil)
	reg := presence.NewRegistry()
	svc := service.NewDeliveryService(store, reg, hub, log)
	gw := NewGateway(testCfg, hub, svc, codec, jwtKey, log, nil)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &stack{srv: srv, gw: gw, hub: hub, reg: reg}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func write(t *testing.T, c *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func next(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(t, c.ReadJSON(&f))
	return f
}

func waitOnline(t *testing.T, reg *presence.Registry, user model.UserID) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(user)
		return ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestGateway_SendToOnlineReceiver(t *testing.T) {
	s := newStack(t, nil)
	alice := dial(t, s.srv, nil)
	bob := dial(t, s.srv, nil)

	write(t, alice, `{"event":"register","data":{"userId":1}}`)
	write(t, bob, `{"event":"register","data":{"userId":2}}`)
	waitOnline(t, s.reg, 1)
	waitOnline(t, s.reg, 2)

	write(t, alice, `{"event":"send","data":{"senderId":1,"receiverId":2,"text":"hi","tempId":"t-1"}}`)

	saved := next(t, alice)
	require.Equal(t, protocol.EvMessageSaved, saved.Event)
	var ms protocol.MessageSaved
	require.NoError(t, jsoniter.Unmarshal(saved.Data, &ms))
	require.Equal(t, "t-1", ms.TempID)
	require.Positive(t, int64(ms.MessageID))

	require.Equal(t, protocol.EvMessageDelivered, next(t, alice).Event)

	count := next(t, bob)
	require.Equal(t, protocol.EvUnreadMessagesCount, count.Event)
	require.JSONEq(t, `{"count":1}`, string(count.Data))

	recv := next(t, bob)
	require.Equal(t, protocol.EvReceiveMessage, recv.Event)
	var rm protocol.ReceiveMessage
	require.NoError(t, jsoniter.Unmarshal(recv.Data, &rm))
	require.Equal(t, ms.MessageID, rm.MessageID)
	require.Equal(t, "hi", rm.Text)
}

func TestGateway_BadFramesGetErrorAndConnectionStays(t *testing.T) {
	s := newStack(t, nil)
	c := dial(t, s.srv, nil)

	write(t, c, `{"event":"shout","data":{}}`)
	f := next(t, c)
	require.Equal(t, protocol.EvError, f.Event)
	require.Contains(t, string(f.Data), `"event":"shout"`)

	write(t, c, `{"event":"read","data":{"messageIds":[],"senderId":1,"receiverId":2}}`)
	f = next(t, c)
	require.Equal(t, protocol.EvError, f.Event)
	require.Contains(t, string(f.Data), `"event":"read"`)

	write(t, c, `not json`)
	require.Equal(t, protocol.EvError, next(t, c).Event)
}

func TestGateway_AuthRequired(t *testing.T) {
	key := []byte("k")
	s := newStack(t, key)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(s.srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(s.srv)+"?access_token=garbage", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	tok, _, err := auth.Issue(key, 7, time.Hour, time.Now())
	require.NoError(t, err)
	c := dial(t, s.srv, http.Header{"Authorization": []string{"Bearer " + tok}})

	write(t, c, `{"event":"register","data":{"userId":8}}`)
	f := next(t, c)
	require.Equal(t, protocol.EvError, f.Event)
	_, ok := s.reg.Lookup(8)
	require.False(t, ok)

	write(t, c, `{"event":"register","data":{"userId":7}}`)
	waitOnline(t, s.reg, 7)
}

type countingSvc struct {
	mu          sync.Mutex
	disconnects map[model.ConnID]int
}

func (c *countingSvc) Dispatch(context.Context, model.ConnID, model.UserID, protocol.Inbound) error {
	return nil
}

func (c *countingSvc) Disconnect(_ context.Context, id model.ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects[id]++
}

func (c *countingSvc) snapshot() map[model.ConnID]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[model.ConnID]int, len(c.disconnects))
	for k, v := range c.disconnects {
		out[k] = v
	}
	return out
}

func TestGateway_DisconnectExactlyOnce(t *testing.T) {
	log := zaptest.NewLogger(t)
	codec := protocol.NewCodec(0)
	hub := NewHub(codec, log, nil)
	svc := &countingSvc{disconnects: map[model.ConnID]int{}}
	gw := NewGateway(testCfg, hub, svc, codec, nil, log, nil)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	a := dial(t, srv, nil)
	b := dial(t, srv, nil)
	dial(t, srv, nil)
	require.Eventually(t, func() bool { return hub.Len() == 3 }, 3*time.Second, 10*time.Millisecond)

	// client close frame, then abrupt drop
	require.NoError(t, a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = b.Close()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 3*time.Second, 10*time.Millisecond)

	// server shutdown closes the rest
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))
	hub.CloseAll(websocket.CloseGoingAway, "again")

	got := svc.snapshot()
	require.Len(t, got, 3)
	for id, n := range got {
		require.Equal(t, 1, n, "conn %s", id)
	}
	require.Zero(t, hub.Len())

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

func TestHub_SendToUnknownConnIsNoop(t *testing.T) {
	hub := NewHub(protocol.NewCodec(0), zaptest.NewLogger(t), nil)
	hub.Send("nope", protocol.UnreadMessagesCount{Count: 1})
	require.Zero(t, hub.Len())
}

func TestConn_EnqueueFullQueue(t *testing.T) {
	c := newConn("c", 0, nil, Config{SendBuffer: 1})
	require.NoError(t, c.enqueue([]byte("a")))
	require.ErrorIs(t, c.enqueue([]byte("b")), errSlowConsumer)

	c.closed = true
	require.ErrorIs(t, c.enqueue([]byte("c")), errClosed)
}

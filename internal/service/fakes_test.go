package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/protocol"
	"github.com/and161185/goph-chat/internal/repository"
)

/************ fake store ************/

// memRepo keeps rows in memory and refuses any write that would break
// read-implies-delivered or unset delivered.
type memRepo struct {
	mu     sync.Mutex
	nextID model.MessageID
	rows   map[model.MessageID]*model.Message
	calls  []string
	clock  func() time.Time

	failOn   map[string]error
	panicOn  string
	deadline bool
}

var _ repository.MessageRepository = (*memRepo)(nil)

func newMemRepo(clock func() time.Time) *memRepo {
	return &memRepo{rows: make(map[model.MessageID]*model.Message), clock: clock, failOn: map[string]error{}}
}

func (r *memRepo) enter(ctx context.Context, op string) error {
	r.calls = append(r.calls, op)
	if _, ok := ctx.Deadline(); ok {
		r.deadline = true
	}
	if r.panicOn == op {
		panic("boom in " + op)
	}
	if err, ok := r.failOn[op]; ok {
		return fmt.Errorf("%s: %w: %w", op, errs.ErrStore, err)
	}
	return nil
}

func (r *memRepo) Insert(ctx context.Context, m model.NewMessage) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(ctx, "insert"); err != nil {
		return model.Message{}, err
	}
	r.nextID++
	row := &model.Message{
		ID:         r.nextID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		CreatedAt:  r.clock(),
		Delivered:  m.Delivered,
	}
	r.rows[row.ID] = row
	return *row, nil
}

func (r *memRepo) MarkDelivered(ctx context.Context, receiver model.UserID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(ctx, "mark_delivered"); err != nil {
		return 0, err
	}
	var n int64
	for _, row := range r.rows {
		if row.ReceiverID == receiver && !row.Delivered {
			row.Delivered = true
			n++
		}
	}
	return n, nil
}

func (r *memRepo) MarkRead(ctx context.Context, receiver model.UserID, ids []model.MessageID) ([]model.UnreadMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(ctx, "mark_read"); err != nil {
		return nil, err
	}
	var out []model.UnreadMessage
	for _, id := range ids {
		row, ok := r.rows[id]
		if !ok || row.ReceiverID != receiver || !row.Delivered || row.IsRead {
			continue
		}
		row.IsRead = true
		out = append(out, model.UnreadMessage{ID: row.ID, SenderID: row.SenderID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) CountUnread(ctx context.Context, user model.UserID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(ctx, "count_unread"); err != nil {
		return 0, err
	}
	var n int64
	for _, row := range r.rows {
		if row.ReceiverID == user && !row.IsRead {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) FetchUnreadButDelivered(ctx context.Context, user model.UserID) ([]model.UnreadMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(ctx, "fetch_unread"); err != nil {
		return nil, err
	}
	var out []model.UnreadMessage
	for _, row := range r.rows {
		if row.ReceiverID == user && row.Delivered && !row.IsRead {
			out = append(out, model.UnreadMessage{ID: row.ID, SenderID: row.SenderID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) row(id model.MessageID) model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

func (r *memRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *memRepo) countCalls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (r *memRepo) readWithoutDelivered() []model.MessageID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var bad []model.MessageID
	for id, row := range r.rows {
		if row.IsRead && !row.Delivered {
			bad = append(bad, id)
		}
	}
	return bad
}

/************ fake emitter ************/

type emission struct {
	conn model.ConnID
	ev   protocol.Outbound
}

type recEmitter struct {
	mu  sync.Mutex
	out []emission
}

func (e *recEmitter) Send(conn model.ConnID, ev protocol.Outbound) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out = append(e.out, emission{conn: conn, ev: ev})
}

func (e *recEmitter) to(conn model.ConnID) []protocol.Outbound {
	e.mu.Lock()
	defer e.mu.Unlock()
	var evs []protocol.Outbound
	for _, em := range e.out {
		if em.conn == conn {
			evs = append(evs, em.ev)
		}
	}
	return evs
}

func (e *recEmitter) names(conn model.ConnID) []string {
	var names []string
	for _, ev := range e.to(conn) {
		names = append(names, ev.Event())
	}
	return names
}

func (e *recEmitter) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.out)
}

/************ fake publisher ************/

type presenceEvent struct {
	user   model.UserID
	conn   model.ConnID
	online bool
}

type recPublisher struct {
	mu  sync.Mutex
	evs []presenceEvent
	err error
}

func (p *recPublisher) PresenceChanged(_ context.Context, user model.UserID, conn model.ConnID, online bool, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, presenceEvent{user: user, conn: conn, online: online})
	return p.err
}

/************ fake limiter ************/

type denyAfter struct {
	left int
	keys []string
}

func (d *denyAfter) Allow(key string, _ time.Time) bool {
	d.keys = append(d.keys, key)
	if d.left <= 0 {
		return false
	}
	d.left--
	return true
}

// Package service contains the delivery coordinator that turns client events into
// presence changes, store updates and outbound notifications.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/limiter"
	"github.com/and161185/goph-chat/internal/metrics"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/protocol"
	"github.com/and161185/goph-chat/internal/repository"
)

// DeliveryService handles decoded client events for one connection at a time.
type DeliveryService interface {
	// Dispatch runs the handler for ev received on conn. authUser is the identity proven
	// on the handshake, or zero when the gateway runs without authentication.
	Dispatch(ctx context.Context, conn model.ConnID, authUser model.UserID, ev protocol.Inbound) error
	// Disconnect releases the presence binding held by conn, if it is still current.
	Disconnect(ctx context.Context, conn model.ConnID)
}

// Presence is the registry surface used by the coordinator.
type Presence interface {
	Bind(user model.UserID, conn model.ConnID) (displaced model.UserID, changed bool)
	Lookup(user model.UserID) (model.ConnID, bool)
	Unbind(conn model.ConnID) (model.UserID, bool)
	Len() int
}

// Emitter queues an outbound event on a connection. Unknown connections are ignored.
type Emitter interface {
	Send(conn model.ConnID, ev protocol.Outbound)
}

// PresencePublisher announces online/offline transitions to other services.
type PresencePublisher interface {
	PresenceChanged(ctx context.Context, user model.UserID, conn model.ConnID, online bool, at time.Time) error
}

type DeliveryServiceImpl struct {
	repo repository.MessageRepository
	reg  Presence
	out  Emitter
	log  *zap.Logger

	typing       limiter.Limiter
	pub          PresencePublisher
	m            *metrics.Metrics
	now          func() time.Time
	storeTimeout time.Duration
}

var _ DeliveryService = (*DeliveryServiceImpl)(nil)

type Option func(*DeliveryServiceImpl)

// WithTypingLimiter throttles typing relays per sender/receiver pair.
func WithTypingLimiter(l limiter.Limiter) Option {
	return func(s *DeliveryServiceImpl) { s.typing = l }
}

func WithPublisher(p PresencePublisher) Option {
	return func(s *DeliveryServiceImpl) { s.pub = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *DeliveryServiceImpl) { s.m = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *DeliveryServiceImpl) { s.now = now }
}

// WithStoreTimeout bounds the store calls made while handling one event.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *DeliveryServiceImpl) { s.storeTimeout = d }
}

// NewDeliveryService constructs the coordinator with required dependencies.
func NewDeliveryService(repo repository.MessageRepository, reg Presence, out Emitter, log *zap.Logger, opts ...Option) *DeliveryServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	s := &DeliveryServiceImpl{
		repo: repo,
		reg:  reg,
		out:  out,
		log:  log,
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dispatch routes ev to its handler. Panics inside a handler are turned into errors
// so a bad frame never takes the connection or the process down.
func (s *DeliveryServiceImpl) Dispatch(ctx context.Context, conn model.ConnID, authUser model.UserID, ev protocol.Inbound) (err error) {
	if ev == nil {
		return fmt.Errorf("%w: empty event", errs.ErrValidation)
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in handler", zap.String("event", ev.Event()), zap.String("conn", string(conn)), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%s: panic: %v", ev.Event(), r)
		}
	}()

	if authUser != 0 {
		if claimed := claimedIdentity(ev); claimed != authUser {
			return fmt.Errorf("%w: %s as user %d on a connection authenticated as %d", errs.ErrUnauthorized, ev.Event(), claimed, authUser)
		}
	}
	s.m.Inbound(ev.Event())

	switch e := ev.(type) {
	case protocol.Register:
		return s.Register(ctx, conn, e.UserID)
	case protocol.Send:
		return s.Send(ctx, conn, e)
	case protocol.Read:
		return s.Read(ctx, conn, e)
	case protocol.Typing:
		return s.Typing(conn, e.SenderID, e.ReceiverID, false)
	case protocol.StopTyping:
		return s.Typing(conn, e.SenderID, e.ReceiverID, true)
	default:
		return fmt.Errorf("%w: unsupported event %q", errs.ErrValidation, ev.Event())
	}
}

func claimedIdentity(ev protocol.Inbound) model.UserID {
	switch e := ev.(type) {
	case protocol.Register:
		return e.UserID
	case protocol.Send:
		return e.SenderID
	case protocol.Read:
		return e.ReceiverID
	case protocol.Typing:
		return e.SenderID
	case protocol.StopTyping:
		return e.SenderID
	}
	return 0
}

// Register binds user to conn. Only a new binding reconciles the backlog: messages
// addressed to user become delivered, and every online sender of a delivered but
// unread message gets messageDelivered.
func (s *DeliveryServiceImpl) Register(ctx context.Context, conn model.ConnID, user model.UserID) error {
	if user <= 0 {
		return fmt.Errorf("%w: register: bad user id", errs.ErrValidation)
	}
	displaced, changed := s.reg.Bind(user, conn)
	if !changed {
		s.log.Debug("duplicate register", zap.Stringer("user", user), zap.String("conn", string(conn)))
		return nil
	}
	s.m.SetOnline(s.reg.Len())
	if displaced != 0 {
		// conn switched identity; the previous user has no connection left
		s.publish(ctx, displaced, conn, false)
		s.log.Debug("identity switched", zap.Stringer("from", displaced), zap.Stringer("to", user), zap.String("conn", string(conn)))
	}
	s.publish(ctx, user, conn, true)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	n, err := s.repo.MarkDelivered(sctx, user)
	if err != nil {
		s.m.StoreError("mark_delivered")
		return fmt.Errorf("register: mark delivered: %w", err)
	}
	backlog, err := s.repo.FetchUnreadButDelivered(sctx, user)
	if err != nil {
		s.m.StoreError("fetch_unread")
		return fmt.Errorf("register: fetch unread: %w", err)
	}

	at := s.now()
	notified := 0
	for _, um := range backlog {
		if sc, ok := s.reg.Lookup(um.SenderID); ok {
			s.out.Send(sc, protocol.MessageDelivered{MessageID: um.ID, Timestamp: at})
			notified++
		}
	}
	s.log.Debug("registered",
		zap.Stringer("user", user),
		zap.String("conn", string(conn)),
		zap.Int64("marked_delivered", n),
		zap.Int("backlog", len(backlog)),
		zap.Int("receipts", notified),
	)
	return nil
}

// Send stores a message and acknowledges it to the sender. When the receiver is
// online the message is stored as delivered and relayed right away.
func (s *DeliveryServiceImpl) Send(ctx context.Context, conn model.ConnID, ev protocol.Send) error {
	rc, online := s.reg.Lookup(ev.ReceiverID)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	msg, err := s.repo.Insert(sctx, model.NewMessage{
		SenderID:   ev.SenderID,
		ReceiverID: ev.ReceiverID,
		Text:       ev.Text,
		Delivered:  online,
	})
	if err != nil {
		s.m.StoreError("insert")
		return fmt.Errorf("send: insert: %w", err)
	}
	s.out.Send(conn, protocol.MessageSaved{TempID: ev.TempID, MessageID: msg.ID, Timestamp: msg.CreatedAt})

	if !online {
		return nil
	}

	count, err := s.repo.CountUnread(sctx, ev.ReceiverID)
	if err != nil {
		s.m.StoreError("count_unread")
		return fmt.Errorf("send: count unread: %w", err)
	}
	s.out.Send(rc, protocol.UnreadMessagesCount{Count: count})
	s.out.Send(rc, protocol.ReceiveMessage{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		Timestamp: msg.CreatedAt,
	})
	s.out.Send(conn, protocol.MessageDelivered{MessageID: msg.ID, Timestamp: s.now()})
	return nil
}

// Read marks messages addressed to ev.ReceiverID as read. Each stored sender of a
// flipped row that is online gets messageRead with its own ids only; ids the store
// did not flip are never reported.
func (s *DeliveryServiceImpl) Read(ctx context.Context, _ model.ConnID, ev protocol.Read) error {
	if len(ev.MessageIDs) == 0 {
		return fmt.Errorf("%w: read: messageIds is empty", errs.ErrValidation)
	}
	ids := lo.Uniq(ev.MessageIDs)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	flipped, err := s.repo.MarkRead(sctx, ev.ReceiverID, ids)
	if err != nil {
		s.m.StoreError("mark_read")
		return fmt.Errorf("read: mark read: %w", err)
	}
	// nothing flipped: already read, not delivered yet or not addressed to the reader
	if len(flipped) == 0 {
		return nil
	}
	if len(flipped) < len(ids) {
		s.log.Debug("read: ids skipped", zap.Stringer("receiver", ev.ReceiverID), zap.Int("requested", len(ids)), zap.Int("flipped", len(flipped)))
	}

	at := s.now()
	bySender := lo.GroupBy(flipped, func(um model.UnreadMessage) model.UserID { return um.SenderID })
	senders := lo.Uniq(lo.Map(flipped, func(um model.UnreadMessage, _ int) model.UserID { return um.SenderID }))
	for _, sender := range senders {
		sc, ok := s.reg.Lookup(sender)
		if !ok {
			continue
		}
		read := lo.Map(bySender[sender], func(um model.UnreadMessage, _ int) model.MessageID { return um.ID })
		s.out.Send(sc, protocol.MessageRead{ReceiverID: ev.ReceiverID, MessageIDs: read, Timestamp: at})
	}
	return nil
}

// Typing relays typing/stopTyping to an online receiver. Only typing is throttled,
// so a stop indicator is never lost behind a burst.
func (s *DeliveryServiceImpl) Typing(_ model.ConnID, sender, receiver model.UserID, stop bool) error {
	rc, ok := s.reg.Lookup(receiver)
	if !ok {
		return nil
	}
	if !stop && s.typing != nil && !s.typing.Allow(sender.String()+">"+receiver.String(), s.now()) {
		s.m.TypingThrottled()
		return nil
	}
	s.out.Send(rc, protocol.TypingRelay{Stop: stop, SenderID: sender, ReceiverID: receiver})
	return nil
}

// Disconnect removes conn from presence unless a newer connection already replaced it.
func (s *DeliveryServiceImpl) Disconnect(ctx context.Context, conn model.ConnID) {
	user, ok := s.reg.Unbind(conn)
	if !ok {
		return
	}
	s.m.SetOnline(s.reg.Len())
	s.publish(ctx, user, conn, false)
	s.log.Debug("unbound", zap.Stringer("user", user), zap.String("conn", string(conn)))
}

func (s *DeliveryServiceImpl) publish(ctx context.Context, user model.UserID, conn model.ConnID, online bool) {
	if s.pub == nil {
		return
	}
	if err := s.pub.PresenceChanged(ctx, user, conn, online, s.now()); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("presence publish failed", zap.Stringer("user", user), zap.Bool("online", online), zap.Error(err))
	}
}

func (s *DeliveryServiceImpl) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout > 0 {
		return context.WithTimeout(ctx, s.storeTimeout)
	}
	return context.WithCancel(ctx)
}

// Package badgerstore is an embedded MessageRepository for single-node deployments
// and local development.
//
// Layout:
//
//	m/<id>              message as JSON
//	u/<receiver>/<id>   empty marker, present while the message is unread
//
// Undelivered implies unread, so the unread index also covers every row MarkDelivered
// can flip, and no operation walks a receiver's full history. Numeric key parts are
// zero padded to 19 digits so prefix scans return ids in order.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/repository"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	seqKey       = "seq/messages"
	seqBandwidth = 128
	maxRetries   = 5
)

// Store implements repository.MessageRepository on top of badger.
type Store struct {
	db    *badger.DB
	seq   *badger.Sequence
	clock func() time.Time
}

var _ repository.MessageRepository = (*Store)(nil)

// Open opens (or creates) the database at path. An empty path opens an in-memory store.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log.Sugar()})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return New(db)
}

// New wraps an already opened database.
func New(db *badger.DB) (*Store, error) {
	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	return &Store{db: db, seq: seq, clock: time.Now}, nil
}

// Ping reports whether the database is still open.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return fmt.Errorf("%w: badger closed", errs.ErrStore)
	}
	return nil
}

// Close releases unused sequence ids and closes the database.
func (s *Store) Close() error {
	return multierr.Combine(s.seq.Release(), s.db.Close())
}

func (s *Store) Insert(ctx context.Context, nm model.NewMessage) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	id, err := s.nextID()
	if err != nil {
		return model.Message{}, storeErr("insert", err)
	}
	m := model.Message{
		ID:         id,
		SenderID:   nm.SenderID,
		ReceiverID: nm.ReceiverID,
		Text:       nm.Text,
		CreatedAt:  s.clock().UTC(),
		Delivered:  nm.Delivered,
	}
	val, err := json.Marshal(toRecord(m))
	if err != nil {
		return model.Message{}, storeErr("insert", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(id), val); err != nil {
			return err
		}
		return txn.Set(unreadKey(m.ReceiverID, id), nil)
	})
	if err != nil {
		return model.Message{}, storeErr("insert", err)
	}
	return m, nil
}

func (s *Store) MarkDelivered(ctx context.Context, receiver model.UserID) (int64, error) {
	var n int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		n = 0
		return s.eachUnread(txn, receiver, func(r *record) (bool, error) {
			if r.Delivered {
				return false, nil
			}
			r.Delivered = true
			n++
			return true, nil
		})
	})
	if err != nil {
		return 0, storeErr("mark delivered", err)
	}
	return n, nil
}

// MarkRead flips the delivered rows among ids addressed to receiver and drops them
// from the unread index. Only the flipped rows are returned, in id order.
func (s *Store) MarkRead(ctx context.Context, receiver model.UserID, ids []model.MessageID) ([]model.UnreadMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var flipped []model.UnreadMessage
	err := s.update(ctx, func(txn *badger.Txn) error {
		flipped = flipped[:0]
		for _, id := range ids {
			r, err := getRecord(txn, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if r.ReceiverID != receiver || !r.Delivered || r.IsRead {
				continue
			}
			r.IsRead = true
			if err := putRecord(txn, r); err != nil {
				return err
			}
			if err := txn.Delete(unreadKey(receiver, id)); err != nil {
				return err
			}
			flipped = append(flipped, model.UnreadMessage{ID: r.ID, SenderID: r.SenderID})
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("mark read", err)
	}
	return flipped, nil
}

// CountUnread counts index keys only; message values are not read.
func (s *Store) CountUnread(ctx context.Context, user model.UserID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := unreadPrefix(user)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("count unread", err)
	}
	return n, nil
}

func (s *Store) FetchUnreadButDelivered(ctx context.Context, user model.UserID) ([]model.UnreadMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []model.UnreadMessage{}
	err := s.db.View(func(txn *badger.Txn) error {
		return s.eachUnread(txn, user, func(r *record) (bool, error) {
			if r.Delivered {
				out = append(out, model.UnreadMessage{ID: r.ID, SenderID: r.SenderID})
			}
			return false, nil
		})
	})
	if err != nil {
		return nil, storeErr("fetch unread", err)
	}
	return out, nil
}

// Get returns one message by id.
func (s *Store) Get(ctx context.Context, id model.MessageID) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	var m model.Message
	err := s.db.View(func(txn *badger.Txn) error {
		r, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		m = r.toModel()
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.Message{}, errs.ErrNotFound
	}
	if err != nil {
		return model.Message{}, storeErr("get", err)
	}
	return m, nil
}

// update runs fn in a read-write transaction and retries on write conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// eachUnread walks the receiver's unread messages in id order. When fn reports a
// change the record is written back in the same transaction once the scan is done.
func (s *Store) eachUnread(txn *badger.Txn, receiver model.UserID, fn func(r *record) (bool, error)) error {
	dirty, err := scanUnread(txn, receiver, fn)
	if err != nil {
		return err
	}
	for _, r := range dirty {
		if err := putRecord(txn, r); err != nil {
			return err
		}
	}
	return nil
}

func scanUnread(txn *badger.Txn, receiver model.UserID, fn func(r *record) (bool, error)) ([]*record, error) {
	prefix := unreadPrefix(receiver)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var dirty []*record
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		id, err := idFromIndexKey(it.Item().Key(), len(prefix))
		if err != nil {
			return nil, err
		}
		r, err := getRecord(txn, id)
		if err != nil {
			return nil, err
		}
		changed, err := fn(r)
		if err != nil {
			return nil, err
		}
		if changed {
			dirty = append(dirty, r)
		}
	}
	return dirty, nil
}

func (s *Store) nextID() (model.MessageID, error) {
	for {
		v, err := s.seq.Next()
		if err != nil {
			return 0, err
		}
		// badger sequences start at 0; ids are positive
		if v != 0 {
			return model.MessageID(v), nil
		}
	}
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, errs.ErrStore, err)
}

// badgerLogger routes badger output through zap.
type badgerLogger struct{ s *zap.SugaredLogger }

func (l badgerLogger) Errorf(f string, v ...any)   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...any) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...any)    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.s.Debugf(f, v...) }

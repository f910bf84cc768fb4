package badgerstore

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/and161185/goph-chat/internal/model"
)

// record is the on-disk shape of a message.
type record struct {
	ID         model.MessageID `json:"id"`
	SenderID   model.UserID    `json:"sender_id"`
	ReceiverID model.UserID    `json:"receiver_id"`
	Text       string          `json:"text"`
	CreatedAt  int64           `json:"created_at"`
	Delivered  bool            `json:"delivered"`
	IsRead     bool            `json:"is_read"`
}

func toRecord(m model.Message) record {
	return record{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt.UnixNano(),
		Delivered:  m.Delivered,
		IsRead:     m.IsRead,
	}
}

func (r record) toModel() model.Message {
	return model.Message{
		ID:         r.ID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Text:       r.Text,
		CreatedAt:  time.Unix(0, r.CreatedAt).UTC(),
		Delivered:  r.Delivered,
		IsRead:     r.IsRead,
	}
}

func msgKey(id model.MessageID) []byte {
	return []byte(fmt.Sprintf("m/%019d", id))
}

func unreadPrefix(receiver model.UserID) []byte {
	return []byte(fmt.Sprintf("u/%019d/", receiver))
}

func unreadKey(receiver model.UserID, id model.MessageID) []byte {
	return append(unreadPrefix(receiver), fmt.Sprintf("%019d", id)...)
}

func idFromIndexKey(key []byte, prefixLen int) (model.MessageID, error) {
	v, err := strconv.ParseInt(string(key[prefixLen:]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad index key %q: %w", key, err)
	}
	return model.MessageID(v), nil
}

func getRecord(txn *badger.Txn, id model.MessageID) (*record, error) {
	item, err := txn.Get(msgKey(id))
	if err != nil {
		return nil, err
	}
	var r record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func putRecord(txn *badger.Txn, r *record) error {
	val, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return txn.Set(msgKey(r.ID), val)
}

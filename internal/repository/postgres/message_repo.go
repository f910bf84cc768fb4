package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	"github.com/and161185/goph-chat/internal/model"
)

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// Insert stores a message; the database assigns id and created_at.
func (r *MessageRepo) Insert(ctx context.Context, m model.NewMessage) (model.Message, error) {
	const q = `
INSERT INTO messages (sender_id, receiver_id, text, delivered)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`
	out := model.Message{
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		Delivered:  m.Delivered,
	}
	var id int64
	row := r.db.Pool.QueryRow(ctx, q, int64(m.SenderID), int64(m.ReceiverID), m.Text, m.Delivered)
	if err := row.Scan(&id, &out.CreatedAt); err != nil {
		return model.Message{}, storeErr("insert message", err)
	}
	out.ID = model.MessageID(id)
	return out, nil
}

// MarkDelivered flips delivered for every pending message addressed to receiver.
func (r *MessageRepo) MarkDelivered(ctx context.Context, receiver model.UserID) (int64, error) {
	const q = `UPDATE messages SET delivered=true WHERE receiver_id=$1 AND delivered=false`
	tag, err := r.db.Pool.Exec(ctx, q, int64(receiver))
	if err != nil {
		return 0, storeErr("mark delivered", err)
	}
	return tag.RowsAffected(), nil
}

// MarkRead flips is_read for delivered messages addressed to receiver and returns the
// flipped rows in id order.
func (r *MessageRepo) MarkRead(ctx context.Context, receiver model.UserID, ids []model.MessageID) ([]model.UnreadMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `
WITH flipped AS (UPDATE messages SET is_read=true
    WHERE id = ANY($1) AND receiver_id=$2 AND delivered=true AND is_read=false
    RETURNING id, sender_id)
SELECT id, sender_id FROM flipped ORDER BY id ASC`
	raw := lo.Map(ids, func(id model.MessageID, _ int) int64 { return int64(id) })
	rows, err := r.db.Pool.Query(ctx, q, raw, int64(receiver))
	if err != nil {
		return nil, storeErr("mark read", err)
	}
	return scanRefs("mark read", rows)
}

// CountUnread returns the number of unread messages addressed to user.
func (r *MessageRepo) CountUnread(ctx context.Context, user model.UserID) (int64, error) {
	const q = `SELECT COUNT(*) FROM messages WHERE receiver_id=$1 AND is_read=false`
	var n int64
	if err := r.db.Pool.QueryRow(ctx, q, int64(user)).Scan(&n); err != nil {
		return 0, storeErr("count unread", err)
	}
	return n, nil
}

// FetchUnreadButDelivered lists delivered, unread messages addressed to user, oldest first.
func (r *MessageRepo) FetchUnreadButDelivered(ctx context.Context, user model.UserID) ([]model.UnreadMessage, error) {
	const q = `
SELECT id, sender_id
FROM messages
WHERE receiver_id=$1 AND delivered=true AND is_read=false
ORDER BY id ASC`
	rows, err := r.db.Pool.Query(ctx, q, int64(user))
	if err != nil {
		return nil, storeErr("fetch unread", err)
	}
	return scanRefs("fetch unread", rows)
}

// scanRefs reads (id, sender_id) rows and closes them.
func scanRefs(op string, rows pgx.Rows) ([]model.UnreadMessage, error) {
	defer rows.Close()

	var out []model.UnreadMessage
	for rows.Next() {
		var id, sender int64
		if err := rows.Scan(&id, &sender); err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, model.UnreadMessage{ID: model.MessageID(id), SenderID: model.UserID(sender)})
	}
	return out, storeErr(op, rows.Err())
}

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func TestMessageRepo_Insert_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	ts := time.Now().UTC()
	mock.ExpectQuery(`INSERT INTO messages \(sender_id, receiver_id, text, delivered\) VALUES \(\$1, \$2, \$3, \$4\) RETURNING id, created_at`).
		WithArgs(int64(1), int64(2), "hi", false).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(77), ts))

	m, err := r.Insert(context.Background(), model.NewMessage{SenderID: 1, ReceiverID: 2, Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, model.MessageID(77), m.ID)
	require.Equal(t, ts, m.CreatedAt)
	require.Equal(t, model.UserID(1), m.SenderID)
	require.Equal(t, model.UserID(2), m.ReceiverID)
	require.False(t, m.Delivered)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepo_Insert_DeliveredFlagForwarded(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs(int64(1), int64(2), "hi", true).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))

	m, err := r.Insert(context.Background(), model.NewMessage{SenderID: 1, ReceiverID: 2, Text: "hi", Delivered: true})
	require.NoError(t, err)
	require.True(t, m.Delivered)
}

func TestMessageRepo_Insert_Err(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs(int64(1), int64(2), "hi", false).
		WillReturnError(errors.New("boom"))

	_, err := r.Insert(context.Background(), model.NewMessage{SenderID: 1, ReceiverID: 2, Text: "hi"})
	require.ErrorIs(t, err, errs.ErrStore)
}

func TestMessageRepo_Insert_CanceledPassesThrough(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs(int64(1), int64(2), "hi", false).
		WillReturnError(context.Canceled)

	_, err := r.Insert(context.Background(), model.NewMessage{SenderID: 1, ReceiverID: 2, Text: "hi"})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, errs.ErrStore)
}

func TestMessageRepo_MarkDelivered(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectExec(`UPDATE messages SET delivered=true WHERE receiver_id=\$1 AND delivered=false`).
		WithArgs(int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := r.MarkDelivered(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestMessageRepo_MarkDelivered_Err(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectExec(`UPDATE messages SET delivered=true`).
		WithArgs(int64(2)).
		WillReturnError(errors.New("upd-fail"))

	_, err := r.MarkDelivered(context.Background(), 2)
	require.ErrorIs(t, err, errs.ErrStore)
}

func TestMessageRepo_MarkRead_ReturnsFlippedRows(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	// 6 is undelivered and 7 belongs to someone else: only 5 comes back
	mock.ExpectQuery(`UPDATE messages SET is_read=true WHERE id = ANY\(\$1\) AND receiver_id=\$2 AND delivered=true AND is_read=false RETURNING id, sender_id\) SELECT id, sender_id FROM flipped ORDER BY id ASC`).
		WithArgs([]int64{5, 6, 7}, int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "sender_id"}).AddRow(int64(5), int64(1)))

	out, err := r.MarkRead(context.Background(), 2, []model.MessageID{5, 6, 7})
	require.NoError(t, err)
	require.Equal(t, []model.UnreadMessage{{ID: 5, SenderID: 1}}, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepo_MarkRead_NothingFlipped(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectQuery(`UPDATE messages SET is_read=true`).
		WithArgs([]int64{9}, int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "sender_id"}))

	out, err := r.MarkRead(context.Background(), 2, []model.MessageID{9})
	require.NoError(t, err)
	require.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepo_MarkRead_EmptyIsNoop(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	out, err := r.MarkRead(context.Background(), 2, nil)
	require.NoError(t, err)
	require.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepo_MarkRead_Err(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectQuery(`UPDATE messages SET is_read=true`).
		WithArgs([]int64{5}, int64(2)).
		WillReturnError(errors.New("upd-fail"))

	_, err := r.MarkRead(context.Background(), 2, []model.MessageID{5})
	require.ErrorIs(t, err, errs.ErrStore)
}

func TestMessageRepo_CountUnread(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM messages WHERE receiver_id=\$1 AND is_read=false`).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(4)))

	n, err := r.CountUnread(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}

func TestMessageRepo_CountUnread_Err(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(int64(2)).
		WillReturnError(errors.New("q-fail"))

	_, err := r.CountUnread(context.Background(), 2)
	require.ErrorIs(t, err, errs.ErrStore)
}

func TestMessageRepo_FetchUnreadButDelivered(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	rows := pgxmock.NewRows([]string{"id", "sender_id"}).
		AddRow(int64(10), int64(1)).
		AddRow(int64(11), int64(3))
	mock.ExpectQuery(`SELECT id, sender_id FROM messages WHERE receiver_id=\$1 AND delivered=true AND is_read=false ORDER BY id ASC`).
		WithArgs(int64(2)).
		WillReturnRows(rows)

	out, err := r.FetchUnreadButDelivered(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []model.UnreadMessage{{ID: 10, SenderID: 1}, {ID: 11, SenderID: 3}}, out)
}

func TestMessageRepo_FetchUnreadButDelivered_QueryErr(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectQuery(`SELECT id, sender_id FROM messages`).
		WithArgs(int64(2)).
		WillReturnError(errors.New("q-fail"))

	_, err := r.FetchUnreadButDelivered(context.Background(), 2)
	require.ErrorIs(t, err, errs.ErrStore)
}

func TestMessageRepo_FetchUnreadButDelivered_RowErr(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	rows := pgxmock.NewRows([]string{"id", "sender_id"}).
		AddRow(int64(10), int64(1)).
		RowError(0, errors.New("row0"))
	mock.ExpectQuery(`SELECT id, sender_id FROM messages`).
		WithArgs(int64(2)).
		WillReturnRows(rows)

	_, err := r.FetchUnreadButDelivered(context.Background(), 2)
	require.Error(t, err)
}

func TestDB_Ping(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	db := &DB{Pool: mock}

	mock.ExpectPing()
	require.NoError(t, db.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.Error(t, db.Ping(context.Background()))
}

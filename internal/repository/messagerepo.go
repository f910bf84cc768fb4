// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/goph-chat/internal/model"
)

// MessageRepository is the durable message store consumed by the delivery coordinator.
type MessageRepository interface {
	// Insert stores a new message and returns it with the generated id and timestamp.
	Insert(ctx context.Context, m model.NewMessage) (model.Message, error)

	// MarkDelivered flips delivered=true for every undelivered message addressed to receiver.
	MarkDelivered(ctx context.Context, receiver model.UserID) (int64, error)

	// MarkRead flips is_read=true for the given ids that are addressed to receiver and
	// already delivered, and returns exactly the rows it flipped, oldest first.
	// Undelivered, foreign and already read rows are left untouched and not returned.
	MarkRead(ctx context.Context, receiver model.UserID, ids []model.MessageID) ([]model.UnreadMessage, error)

	// CountUnread returns the number of unread messages addressed to user.
	CountUnread(ctx context.Context, user model.UserID) (int64, error)

	// FetchUnreadButDelivered lists delivered, unread messages addressed to user.
	FetchUnreadButDelivered(ctx context.Context, user model.UserID) ([]model.UnreadMessage, error)
}

// Package model defines domain entities used by services and repositories.
package model

import (
	"strconv"
	"time"
)

// UserID is the opaque identifier supplied by the authenticated caller.
type UserID int64

// String renders the id in decimal form (JWT subjects, NATS subjects, badger keys).
func (u UserID) String() string { return strconv.FormatInt(int64(u), 10) }

// ParseUserID parses a decimal user id. Zero and negative values are rejected.
func ParseUserID(s string) (UserID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, strconv.ErrRange
	}
	return UserID(v), nil
}

// ConnID identifies one live transport endpoint. Assigned by the gateway.
type ConnID string

// MessageID is generated by the store on insert.
type MessageID int64

// Message is a durable chat message with its delivery state.
type Message struct {
	ID         MessageID
	SenderID   UserID
	ReceiverID UserID
	Text       string
	CreatedAt  time.Time
	Delivered  bool // monotonic: never unset once true
	IsRead     bool // implies Delivered
}

// NewMessage is an insert intent produced by a send event.
type NewMessage struct {
	SenderID   UserID
	ReceiverID UserID
	Text       string
	Delivered  bool // receiver was online when the message was accepted
}

// UnreadMessage identifies a message and its sender. Backlog reconciliation lists
// delivered-but-unread rows with it; MarkRead reports the rows it just flipped.
type UnreadMessage struct {
	ID       MessageID
	SenderID UserID
}

// Package protocol defines the closed set of gateway events and their JSON framing.
package protocol

import (
	"time"

	"github.com/and161185/goph-chat/internal/model"
)

// Inbound event names.
const (
	EvRegister   = "register"
	EvSend       = "send"
	EvRead       = "read"
	EvTyping     = "typing"
	EvStopTyping = "stopTyping"
)

// Outbound event names.
const (
	EvMessageSaved        = "messageSaved"
	EvReceiveMessage      = "receiveMessage"
	EvMessageDelivered    = "messageDelivered"
	EvMessageRead         = "messageRead"
	EvUnreadMessagesCount = "unreadMessagesCount"
	EvError               = "error"
)

// Inbound is one decoded client event. The set of implementations is closed.
type Inbound interface {
	Event() string
	inbound()
}

// Register binds the connection to a user.
type Register struct {
	UserID model.UserID `json:"userId" validate:"required,gt=0"`
}

// Send carries a new chat message.
type Send struct {
	SenderID   model.UserID `json:"senderId" validate:"required,gt=0"`
	ReceiverID model.UserID `json:"receiverId" validate:"required,gt=0"`
	Text       string       `json:"text" validate:"required"`
	TempID     string       `json:"tempId" validate:"required,max=128"`
}

// Read acknowledges messages received from SenderID as read by ReceiverID.
type Read struct {
	MessageIDs []model.MessageID `json:"messageIds" validate:"required,min=1,dive,gt=0"`
	SenderID   model.UserID      `json:"senderId" validate:"required,gt=0"`
	ReceiverID model.UserID      `json:"receiverId" validate:"required,gt=0"`
}

// Typing is relayed to the receiver as is.
type Typing struct {
	SenderID   model.UserID `json:"senderId" validate:"required,gt=0"`
	ReceiverID model.UserID `json:"receiverId" validate:"required,gt=0"`
}

// StopTyping is relayed to the receiver as is.
type StopTyping struct {
	SenderID   model.UserID `json:"senderId" validate:"required,gt=0"`
	ReceiverID model.UserID `json:"receiverId" validate:"required,gt=0"`
}

func (Register) Event() string   { return EvRegister }
func (Send) Event() string       { return EvSend }
func (Read) Event() string       { return EvRead }
func (Typing) Event() string     { return EvTyping }
func (StopTyping) Event() string { return EvStopTyping }

func (Register) inbound()   {}
func (Send) inbound()       {}
func (Read) inbound()       {}
func (Typing) inbound()     {}
func (StopTyping) inbound() {}

// Outbound is one server event. The set of implementations is closed.
type Outbound interface {
	Event() string
	outbound()
}

// MessageSaved acknowledges a send to its sender, correlating TempID with the stored id.
type MessageSaved struct {
	TempID    string          `json:"tempId"`
	MessageID model.MessageID `json:"messageId"`
	Timestamp time.Time       `json:"timestamp"`
}

// ReceiveMessage delivers a message to its receiver.
type ReceiveMessage struct {
	MessageID model.MessageID `json:"messageId"`
	SenderID  model.UserID    `json:"senderId"`
	Text      string          `json:"text"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessageDelivered tells the sender a message reached the receiver.
type MessageDelivered struct {
	MessageID model.MessageID `json:"messageId"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessageRead tells the sender which messages the receiver has read.
type MessageRead struct {
	ReceiverID model.UserID      `json:"receiverId"`
	MessageIDs []model.MessageID `json:"messageIds"`
	Timestamp  time.Time         `json:"timestamp"`
}

// UnreadMessagesCount reports the receiver's unread total.
type UnreadMessagesCount struct {
	Count int64 `json:"count"`
}

// TypingRelay forwards typing/stopTyping to the receiver.
type TypingRelay struct {
	Stop       bool         `json:"-"`
	SenderID   model.UserID `json:"senderId"`
	ReceiverID model.UserID `json:"receiverId"`
}

// Error reports a rejected inbound event back to the client.
type Error struct {
	For     string `json:"event"`
	Message string `json:"message"`
}

func (MessageSaved) Event() string        { return EvMessageSaved }
func (ReceiveMessage) Event() string      { return EvReceiveMessage }
func (MessageDelivered) Event() string    { return EvMessageDelivered }
func (MessageRead) Event() string         { return EvMessageRead }
func (UnreadMessagesCount) Event() string { return EvUnreadMessagesCount }
func (Error) Event() string               { return EvError }

// Event returns typing or stopTyping.
func (t TypingRelay) Event() string {
	if t.Stop {
		return EvStopTyping
	}
	return EvTyping
}

func (MessageSaved) outbound()        {}
func (ReceiveMessage) outbound()      {}
func (MessageDelivered) outbound()    {}
func (MessageRead) outbound()         {}
func (UnreadMessagesCount) outbound() {}
func (TypingRelay) outbound()         {}
func (Error) outbound()               {}

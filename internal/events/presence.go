// Package events publishes presence transitions to NATS so other services can follow who is online.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"

	"github.com/and161185/goph-chat/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const DefaultPrefix = "presence"

// Conn is the subset of *nats.Conn used here.
type Conn interface {
	Publish(subj string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

// Presence is the payload of presence.online.<user> and presence.offline.<user>.
type Presence struct {
	UserID model.UserID `json:"userId"`
	ConnID model.ConnID `json:"connId"`
	Online bool         `json:"online"`
	At     time.Time    `json:"at"`
}

// Publisher emits presence events. A nil *Publisher does nothing.
type Publisher struct {
	nc     Conn
	prefix string
}

func NewPublisher(nc Conn, prefix string) *Publisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{nc: nc, prefix: prefix}
}

// Subject returns <prefix>.online.<user> or <prefix>.offline.<user>.
func (p *Publisher) Subject(user model.UserID, online bool) string {
	state := "offline"
	if online {
		state = "online"
	}
	return p.prefix + "." + state + "." + user.String()
}

// PresenceChanged publishes one transition. Core NATS publish only buffers, so ctx is
// checked up front and not passed down.
func (p *Publisher) PresenceChanged(ctx context.Context, user model.UserID, conn model.ConnID, online bool, at time.Time) error {
	if p == nil || p.nc == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Presence{UserID: user, ConnID: conn, Online: online, At: at.UTC()})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	subj := p.Subject(user, online)
	if err := p.nc.Publish(subj, data); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

// Connect dials NATS with reconnect settings suited to a long-running gateway.
func Connect(url, name string, opts ...nats.Option) (*nats.Conn, error) {
	base := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	return nats.Connect(url, append(base, opts...)...)
}

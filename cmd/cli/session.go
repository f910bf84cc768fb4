package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/protocol"
)

// session is one websocket connection to the gateway.
type session struct {
	c *websocket.Conn
}

func dial(ctx context.Context, addr, bearer string, tlsCfg *tls.Config) (*session, error) {
	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsCfg,
	}
	h := http.Header{}
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}
	c, resp, err := d.DialContext(ctx, addr, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s", addr, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &session{c: c}, nil
}

func (s *session) Close() error {
	_ = s.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.c.Close()
}

// write encodes an inbound event as a frame.
func (s *session) write(ev protocol.Inbound) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b, err := json.Marshal(protocol.Frame{Event: ev.Event(), Data: data})
	if err != nil {
		return err
	}
	return s.c.WriteMessage(websocket.TextMessage, b)
}

// next reads one frame, giving up at deadline.
func (s *session) next(deadline time.Time) (protocol.Frame, error) {
	var f protocol.Frame
	if err := s.c.SetReadDeadline(deadline); err != nil {
		return f, err
	}
	_, b, err := s.c.ReadMessage()
	if err != nil {
		return f, err
	}
	err = json.Unmarshal(b, &f)
	return f, err
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func printFrame(out io.Writer, f protocol.Frame) {
	fmt.Fprintf(out, "%s %s %s\n", time.Now().Format("15:04:05"), f.Event, string(f.Data))
}

func frameError(f protocol.Frame) error {
	var e protocol.Error
	_ = json.Unmarshal(f.Data, &e)
	return fmt.Errorf("server rejected %s: %s", e.For, e.Message)
}

// listen registers as user and prints every frame until ctx is done or the
// server closes the connection.
func (s *session) listen(ctx context.Context, user model.UserID, out io.Writer) error {
	if err := s.write(protocol.Register{UserID: user}); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = s.c.Close()
	}()
	for {
		f, err := s.next(time.Time{})
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		printFrame(out, f)
	}
}

// send waits for messageSaved, then for up to wait for messageDelivered.
func (s *session) send(ctx context.Context, ev protocol.Send, wait time.Duration, out io.Writer) error {
	if err := s.write(ev); err != nil {
		return err
	}
	deadline := time.Now().Add(wait)
	saved := false
	for ctx.Err() == nil {
		f, err := s.next(deadline)
		if err != nil {
			if isTimeout(err) {
				if !saved {
					return errors.New("no acknowledgement from server")
				}
				fmt.Fprintln(out, "not delivered yet (receiver offline)")
				return nil
			}
			return err
		}
		switch f.Event {
		case protocol.EvError:
			return frameError(f)
		case protocol.EvMessageSaved:
			var ms protocol.MessageSaved
			if err := json.Unmarshal(f.Data, &ms); err != nil {
				return err
			}
			if ms.TempID != ev.TempID {
				continue
			}
			saved = true
			printFrame(out, f)
		case protocol.EvMessageDelivered:
			if saved {
				printFrame(out, f)
				return nil
			}
		}
	}
	return ctx.Err()
}

// read sends the receipt and reports an error frame if one arrives within wait.
func (s *session) read(ctx context.Context, ev protocol.Read, wait time.Duration, out io.Writer) error {
	if err := s.write(ev); err != nil {
		return err
	}
	deadline := time.Now().Add(wait)
	for ctx.Err() == nil {
		f, err := s.next(deadline)
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return err
		}
		if f.Event == protocol.EvError {
			return frameError(f)
		}
		printFrame(out, f)
	}
	return ctx.Err()
}

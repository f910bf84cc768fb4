package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"github.com/and161185/goph-chat/internal/errs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame is the envelope of every websocket text frame.
type Frame struct {
	Event string              `json:"event"`
	Data  jsoniter.RawMessage `json:"data"`
}

// Codec decodes and validates inbound frames and encodes outbound events.
type Codec struct {
	validate   *validator.Validate
	maxTextLen int
}

// NewCodec builds a codec. maxTextLen <= 0 disables the text length check.
func NewCodec(maxTextLen int) *Codec {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Codec{validate: v, maxTextLen: maxTextLen}
}

// Decode parses one frame into a typed inbound event. Every failure wraps
// errs.ErrValidation; the returned event name is set whenever the envelope parsed.
func (c *Codec) Decode(b []byte) (string, Inbound, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return "", nil, fmt.Errorf("%w: malformed frame", errs.ErrValidation)
	}

	var ev Inbound
	switch f.Event {
	case EvRegister:
		ev = &Register{}
	case EvSend:
		ev = &Send{}
	case EvRead:
		ev = &Read{}
	case EvTyping:
		ev = &Typing{}
	case EvStopTyping:
		ev = &StopTyping{}
	default:
		return f.Event, nil, fmt.Errorf("%w: unknown event %q", errs.ErrValidation, f.Event)
	}

	if len(f.Data) == 0 {
		return f.Event, nil, fmt.Errorf("%w: %s: missing data", errs.ErrValidation, f.Event)
	}
	if err := json.Unmarshal(f.Data, ev); err != nil {
		return f.Event, nil, fmt.Errorf("%w: %s: bad payload", errs.ErrValidation, f.Event)
	}
	if err := c.validate.Struct(ev); err != nil {
		return f.Event, nil, fmt.Errorf("%w: %s: %s", errs.ErrValidation, f.Event, describe(err))
	}

	switch v := ev.(type) {
	case *Register:
		return f.Event, *v, nil
	case *Send:
		if c.maxTextLen > 0 && utf8.RuneCountInString(v.Text) > c.maxTextLen {
			return f.Event, nil, fmt.Errorf("%w: send: text too long", errs.ErrValidation)
		}
		return f.Event, *v, nil
	case *Read:
		return f.Event, *v, nil
	case *Typing:
		return f.Event, *v, nil
	case *StopTyping:
		return f.Event, *v, nil
	}
	return f.Event, nil, fmt.Errorf("%w: unknown event %q", errs.ErrValidation, f.Event)
}

// Encode renders an outbound event as a frame.
func (c *Codec) Encode(ev Outbound) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: ev.Event(), Data: data})
}

// describe turns validator errors into a short client-facing message.
func describe(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return "invalid payload"
	}
	fe := ve[0]
	return fmt.Sprintf("field %s failed %s", fe.Field(), fe.Tag())
}

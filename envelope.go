package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Message type catalogue. The relay routes every inbound frame on the
// Type field; anything not listed here is logged and ignored.
const (
	// client -> server
	MessageJoin          = "join"
	MessageChat          = "message"
	MessageUMLGenerate   = "uml:generate"
	MessageUMLPayload    = "uml:payload"
	MessageCodeOpen      = "code:open"
	MessageCodeHighlight = "code:highlight"
	MessageCommentUpsert = "comments:upsert"
	MessageCommentExport = "comments:export"

	// server -> client
	MessageSystem             = "system"
	MessageError              = "error"
	MessageBroadcast          = "broadcast"
	MessageUMLGenerateStarted = "uml:generate:started"
)

// Suffixes appended to a message type when its payload is too large for a
// single frame and has to be sent as a chunked sequence.
const (
	suffixChunkedStart    = ":chunked:start"
	suffixChunk           = ":chunk"
	suffixChunkedComplete = ":chunked:complete"
)

// Sender labels attached to broadcast frames, computed per recipient.
const (
	SenderYou  = "You"
	SenderUser = "User"
)

// Envelope is the wire unit exchanged over the socket. Every frame, in
// both directions, is one JSON encoded Envelope.
//
// Type selects the handler, Channel scopes the frame to a broadcast
// domain, ID is an opaque correlation token echoed back by the relay so
// a sender can match responses. Payload carries type specific structured
// data, Message is used by the generic chat type and system/error
// notifications, and Sender only appears on broadcast frames.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Sender  string          `json:"sender,omitempty"`
}

// NewEnvelope will create a new envelope of msgType scoped to channel,
// carrying the correlation id (which may be empty).
func NewEnvelope(msgType, channel, id string) *Envelope {
	return &Envelope{
		Type:    msgType,
		Channel: channel,
		ID:      id,
	}
}

// Decode parses a raw frame into an Envelope. A frame that isn't valid
// JSON, or that carries no type, is rejected; callers drop such frames.
func Decode(raw []byte) (*Envelope, error) {
	var e *Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	if e == nil || e.Type == "" {
		return nil, errors.New("envelope missing type")
	}
	return e, nil
}

// Encode serialises the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	bb, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "encode envelope type %s", e.Type)
	}
	return bb, nil
}

// NewFrom returns a new envelope of msgType echoing this envelope's
// channel and correlation id. Used by handlers to build their broadcast
// so the sender can match the response to its request.
func (e *Envelope) NewFrom(msgType string) *Envelope {
	return NewEnvelope(msgType, e.Channel, e.ID)
}

// Bind will map the payload to v.
func (e *Envelope) Bind(v interface{}) error {
	if e.Payload == nil {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// WithPayload will serialise the value v into the envelope payload.
func (e *Envelope) WithPayload(v interface{}) error {
	bb, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Payload = bb
	return nil
}

// WithMessage will serialise the value v into the envelope message field.
func (e *Envelope) WithMessage(v interface{}) error {
	bb, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Message = bb
	return nil
}

// MessageText returns the message field as plain text when it holds a
// JSON string, otherwise the raw JSON text.
func (e *Envelope) MessageText() string {
	if e.Message == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil {
		return s
	}
	return string(e.Message)
}

// SystemText builds a system notification carrying plain text, used for
// join/leave notices and acknowledgements.
func SystemText(channel, text string) *Envelope {
	e := NewEnvelope(MessageSystem, channel, "")
	_ = e.WithMessage(text)
	return e
}

// ErrorEnvelope builds an error frame echoing channel and correlation id.
// originType names the message type that triggered the failure and is
// empty for validation errors.
func ErrorEnvelope(channel, id, text, originType string) *Envelope {
	e := NewEnvelope(MessageError, channel, id)
	_ = e.WithMessage(text)
	if originType != "" {
		_ = e.WithPayload(struct {
			OriginType string `json:"originType"`
		}{OriginType: originType})
	}
	return e
}

// ToError converts a handler failure on this envelope into an error frame
// broadcast to the whole channel.
func (e *Envelope) ToError(err error) *Envelope {
	return ErrorEnvelope(e.Channel, e.ID, fmt.Sprintf("%v", err), e.Type)
}

// NewCommentID returns an id for a comment that arrived without one.
// A millisecond timestamp prefix plus a random suffix keeps ids unique
// across concurrent upserts from different connections.
func NewCommentID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), strings.Split(uuid.NewString(), "-")[0])
}

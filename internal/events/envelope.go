package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrUnknownKind indicates an envelope kind with no registered payload type.
var ErrUnknownKind = errors.New("unknown event kind")

// Envelope is the wire form of every saga event: a kind tag plus an opaque payload.
type Envelope struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	OrderID    int64           `json:"orderId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// DecodeError wraps a malformed envelope or payload. Redelivery cannot fix it.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("decoding envelope: %v", e.Err)
	}
	return fmt.Sprintf("decoding %s payload: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error   { return e.Err }
func (e *DecodeError) Permanent() bool { return true }

// New wraps a payload in an envelope stamped with a fresh id and the current time.
func New(p Payload) (Envelope, error) {
	return NewAt(p, time.Now().UTC())
}

// NewAt is New with an explicit emission time.
func NewAt(p Payload, at time.Time) (Envelope, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", p.Kind(), err)
	}
	return Envelope{
		ID:         ulid.Make().String(),
		Kind:       p.Kind(),
		OrderID:    p.Order(),
		OccurredAt: at,
		Payload:    body,
	}, nil
}

// Topic returns the topic this envelope belongs on.
func (e Envelope) Topic() string {
	return TopicOf(e.Kind)
}

// Key is the partition key. Every topic is keyed by order id.
func (e Envelope) Key() string {
	return strconv.FormatInt(e.OrderID, 10)
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a raw envelope.
func Unmarshal(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}
	if env.Kind == "" {
		return Envelope{}, &DecodeError{Err: errors.New("missing kind")}
	}
	return env, nil
}

// Decode resolves the payload into its concrete type, returned as a pointer.
func (e Envelope) Decode() (Payload, error) {
	factory, ok := factories[e.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, e.Kind)
	}
	p := factory()
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, &DecodeError{Kind: e.Kind, Err: err}
	}
	return p, nil
}

// As decodes the payload into T, failing if the envelope carries a different kind.
func As[T Payload](e Envelope) (T, error) {
	var v T
	if e.Kind != v.Kind() {
		return v, &DecodeError{Kind: e.Kind, Err: fmt.Errorf("expected %s", v.Kind())}
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, &DecodeError{Kind: e.Kind, Err: err}
	}
	return v, nil
}

package events

import (
	"context"
	"errors"
	"sort"

	"github.com/tidwall/gjson"
)

// ErrUnhandled is returned by Dispatch when no handler is registered for the
// envelope's kind. Consumers acknowledge such messages without acting on them.
var ErrUnhandled = errors.New("no handler for event kind")

// Handler processes one decoded envelope.
type Handler func(ctx context.Context, env Envelope) error

// Router dispatches envelopes to handlers through a kind lookup table.
type Router struct {
	handlers map[Kind]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[Kind]Handler)}
}

// Handle registers h for kind k, replacing any previous handler.
func (r *Router) Handle(k Kind, h Handler) {
	r.handlers[k] = h
}

// On registers a handler typed on the payload. The kind comes from T.
func On[T Payload](r *Router, fn func(ctx context.Context, env Envelope, evt T) error) {
	var zero T
	r.Handle(zero.Kind(), func(ctx context.Context, env Envelope) error {
		evt, err := As[T](env)
		if err != nil {
			return err
		}
		return fn(ctx, env, evt)
	})
}

// Handles reports whether a handler is registered for k.
func (r *Router) Handles(k Kind) bool {
	_, ok := r.handlers[k]
	return ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Router) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// PeekKind reads the kind tag from a raw envelope without decoding it.
func PeekKind(raw []byte) Kind {
	return Kind(gjson.GetBytes(raw, "kind").String())
}

// Dispatch routes a raw envelope. Kinds without a handler return ErrUnhandled
// before the envelope is decoded.
func (r *Router) Dispatch(ctx context.Context, raw []byte) error {
	h, ok := r.handlers[PeekKind(raw)]
	if !ok {
		return ErrUnhandled
	}
	env, err := Unmarshal(raw)
	if err != nil {
		return err
	}
	return h(ctx, env)
}

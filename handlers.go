package relay

import (
	"context"
)

// HandlerFunc handles one inbound envelope and returns the envelope to
// broadcast to the channel, or nil for no broadcast.
type HandlerFunc func(ctx context.Context, env *Envelope) (*Envelope, error)

// MiddlewareFunc wraps a HandlerFunc with cross cutting behaviour.
type MiddlewareFunc func(next HandlerFunc) HandlerFunc

// ErrorListener receives error frames on the client side.
type ErrorListener func(env *Envelope)

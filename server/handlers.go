package server

import (
	"context"
	"time"

	"github.com/theflyingcodr/relay"
)

// registerDomainHandlers wires the fixed handler set for the code review
// message catalogue. Each handler produces exactly one broadcast echoing
// the original correlation id and channel.
func (s *RelayServer) registerDomainHandlers() {
	s.RegisterHandler(relay.MessageUMLGenerate, umlGenerate).
		RegisterHandler(relay.MessageUMLPayload, passThrough).
		RegisterHandler(relay.MessageCodeOpen, passThrough).
		RegisterHandler(relay.MessageCodeHighlight, passThrough).
		RegisterHandler(relay.MessageCommentUpsert, commentUpsert).
		RegisterHandler(relay.MessageCommentExport, passThrough)
}

// umlGenerate fans out a uml:generate:started event carrying the original
// request so an external analysis engine can pick it up. No analysis
// happens in the relay.
func umlGenerate(ctx context.Context, env *relay.Envelope) (*relay.Envelope, error) {
	resp := env.NewFrom(relay.MessageUMLGenerateStarted)
	resp.Payload = env.Payload
	return resp, nil
}

// passThrough rebroadcasts the envelope unchanged. Oversized payloads
// (uml:payload in practice) are split by the transport, not here.
func passThrough(ctx context.Context, env *relay.Envelope) (*relay.Envelope, error) {
	resp := env.NewFrom(env.Type)
	resp.Payload = env.Payload
	return resp, nil
}

// commentUpsert normalises a comment before broadcast, filling a server
// generated id and timestamp when the sender omitted them.
func commentUpsert(ctx context.Context, env *relay.Envelope) (*relay.Envelope, error) {
	var c relay.Comment
	if err := env.Bind(&c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = relay.NewCommentID()
	}
	if c.CreatedAt == "" {
		c.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	resp := env.NewFrom(env.Type)
	if err := resp.WithPayload(c); err != nil {
		return nil, err
	}
	return resp, nil
}

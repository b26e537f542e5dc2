package server

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/theflyingcodr/relay"
	"github.com/theflyingcodr/relay/middleware"
)

// dispatch decodes and routes one inbound frame, validating payloads once
// the membership gate has passed. Nothing in here escapes to kill the
// connection or the process: malformed frames are dropped, precondition
// failures are answered with an error frame to the sender only, and a
// handler failure is reported to the whole channel.
func (s *RelayServer) dispatch(ctx context.Context, c *connection, raw []byte) {
	env, err := relay.Decode(raw)
	if err != nil {
		log.Err(err).Msgf("dropping malformed frame from clientID %s", c.clientID)
		return
	}

	switch env.Type {
	case relay.MessageJoin:
		s.handleJoin(c, env)
	case relay.MessageChat:
		if !s.requireMembership(c, env) {
			return
		}
		s.handleChat(c, env)
	default:
		fn := s.handler(env.Type)
		if fn == nil {
			log.Debug().Msgf("no handler for message type %s, ignoring", env.Type)
			return
		}
		// gate first: a non-member learns it must join even when its
		// payload is also invalid
		if !s.requireMembership(c, env) {
			return
		}
		if err := relay.ValidatePayload(env); err != nil {
			log.Err(err).Msgf("dropping %s frame with invalid payload from clientID %s", env.Type, c.clientID)
			return
		}
		s.RLock()
		mws := s.middleware
		s.RUnlock()
		resp, err := middleware.ExecChain(fn, mws)(ctx, env)
		if err != nil {
			// louder than the sender-only errors above: the client
			// waiting on the result may not be the one that sent it.
			log.Error().Msgf("handler for %s failed: %v", env.Type, err)
			s.Broadcast(env.Channel, env.ToError(err))
			return
		}
		if resp == nil {
			log.Debug().Msgf("nothing to broadcast for %s", env.Type)
			return
		}
		s.BroadcastPayload(env.Channel, resp)
	}
}

// handleJoin registers the connection with the channel, notifies the
// other members and acknowledges the joiner with a personal ack plus an
// echo of its correlation id, as two distinct frames.
func (s *RelayServer) handleJoin(c *connection, env *relay.Envelope) {
	if env.Channel == "" {
		s.sendTo(c, relay.ErrorEnvelope("", env.ID, "Channel name is required", ""))
		return
	}
	already := s.registry.Join(env.Channel, c)
	if !already {
		log.Info().Msgf("clientID %s joined channel %s", c.clientID, env.Channel)
	}
	channelsGauge.Set(float64(s.registry.ChannelCount()))

	for _, m := range s.registry.Members(env.Channel) {
		if m.clientID == c.clientID {
			continue
		}
		s.sendTo(m, relay.SystemText(env.Channel, "A new user joined the channel"))
	}

	s.sendTo(c, relay.SystemText(env.Channel, "Joined channel: "+env.Channel))
	echo := relay.NewEnvelope(relay.MessageSystem, env.Channel, env.ID)
	_ = echo.WithMessage(struct {
		Result bool `json:"result"`
	}{Result: true})
	s.sendTo(c, echo)
}

// handleChat relays a generic chat message to every member, labelling the
// sender per recipient: "You" on the originating connection's copy and
// "User" on everyone else's.
func (s *RelayServer) handleChat(c *connection, env *relay.Envelope) {
	s.BroadcastFunc(env.Channel, func(m *connection) *relay.Envelope {
		out := relay.NewEnvelope(relay.MessageBroadcast, env.Channel, env.ID)
		out.Message = env.Message
		out.Sender = relay.SenderUser
		if m.clientID == c.clientID {
			out.Sender = relay.SenderYou
		}
		return out
	})
	broadcastsTotal.WithLabelValues(relay.MessageBroadcast).Inc()
}

// requireMembership gates channel scoped messages. A message naming a
// channel the connection hasn't joined gets an error reply to the sender
// only; no state changes and nobody else hears about it.
func (s *RelayServer) requireMembership(c *connection, env *relay.Envelope) bool {
	if env.Channel != "" && s.registry.IsMember(env.Channel, c) {
		return true
	}
	s.sendTo(c, relay.ErrorEnvelope(env.Channel, env.ID, "You must join the channel first", ""))
	return false
}

// sendTo delivers one frame to a single connection, logging failures.
func (s *RelayServer) sendTo(c *connection, env *relay.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		log.Err(err).Msgf("failed to encode %s frame", env.Type)
		return
	}
	if err := c.enqueue(frame); err != nil {
		log.Err(err).Msgf("failed to send %s frame to clientID %s", env.Type, c.clientID)
	}
}

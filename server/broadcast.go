package server

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/theflyingcodr/relay"
)

// Broadcast fans one envelope out to every current member of the channel,
// the sender included. Members whose connection is not open are skipped
// without being removed — cleanup belongs to the close handler, keeping
// membership mutation on a single code path. A per recipient send failure
// is logged and never aborts delivery to the remaining members.
func (s *RelayServer) Broadcast(channel string, env *relay.Envelope) {
	s.broadcastTo(s.registry.Members(channel), env)
	broadcastsTotal.WithLabelValues(env.Type).Inc()
}

// BroadcastFunc fans out with a per recipient envelope, for frames that
// are personalised per member such as chat sender labels.
func (s *RelayServer) BroadcastFunc(channel string, fn func(m *connection) *relay.Envelope) {
	for _, m := range s.registry.Members(channel) {
		if !m.isOpen() {
			log.Debug().Msgf("skipping closed connection %s", m.clientID)
			continue
		}
		frame, err := fn(m).Encode()
		if err != nil {
			log.Err(err).Msg("failed to encode broadcast frame")
			continue
		}
		if err := m.enqueue(frame); err != nil {
			sendFailuresTotal.Inc()
			log.Err(err).Msgf("send failed for clientID %s, continuing broadcast", m.clientID)
		}
	}
}

// BroadcastPayload is the chunking transport. A payload at or under the
// threshold goes out as one normal frame with no chunking overhead.
// Anything larger is emitted to the member set captured at send time as a
// strict start -> chunks -> complete sequence, with a short delay between
// successive chunk sends to avoid saturating any single recipient's
// inbound buffer.
func (s *RelayServer) BroadcastPayload(channel string, env *relay.Envelope) {
	frames, err := relay.Split(env, s.opts.chunk)
	if err != nil {
		log.Err(err).Msgf("failed to chunk %s payload", env.Type)
		return
	}
	if len(frames) == 1 {
		s.Broadcast(channel, env)
		return
	}

	chunkedBroadcastsTotal.Inc()
	log.Debug().Msgf("broadcasting %s as %d chunks to channel %s", env.Type, len(frames)-2, channel)
	members := s.registry.Members(channel)
	for i, f := range frames {
		if i >= 2 && i <= len(frames)-2 && s.opts.chunk.Delay > 0 {
			time.Sleep(s.opts.chunk.Delay)
		}
		s.broadcastTo(members, f)
	}
	broadcastsTotal.WithLabelValues(env.Type).Inc()
}

func (s *RelayServer) broadcastTo(members []*connection, env *relay.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		log.Err(err).Msgf("failed to encode %s frame", env.Type)
		return
	}
	for _, m := range members {
		if !m.isOpen() {
			log.Debug().Msgf("skipping closed connection %s", m.clientID)
			continue
		}
		if err := m.enqueue(frame); err != nil {
			sendFailuresTotal.Inc()
			log.Err(err).Msgf("send failed for clientID %s, continuing broadcast", m.clientID)
		}
	}
}

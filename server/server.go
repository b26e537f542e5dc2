// Package server implements the channel based relay: a websocket server
// that multiplexes plugin instances into named channels, broadcasts
// structured events between them and transparently chunks oversized
// payloads so every member can reassemble them losslessly.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/theflyingcodr/relay"
)

type opts struct {
	writeTimeout    time.Duration
	pongWait        time.Duration
	pingPeriod      time.Duration
	maxMessageBytes int64
	sendBuffer      int
	chunk           relay.ChunkConfig
}

func defaultOpts() *opts {
	o := &opts{
		writeTimeout: 2 * time.Second,
		pongWait:     60 * time.Second,
		// inbound uml:payload frames arrive un-chunked, so the read
		// limit has to sit well above the outbound chunk threshold.
		maxMessageBytes: 16 << 20,
		sendBuffer:      256,
		chunk:           relay.DefaultChunkConfig(),
	}
	o.pingPeriod = (o.pongWait * 9) / 10
	return o
}

// OptFunc defines a functional option to pass to the server at setup time.
type OptFunc func(o *opts)

// WithWriteTimeout defines the timeout the server will wait on a single
// frame write before failing it. Default is 2 seconds.
func WithWriteTimeout(t time.Duration) OptFunc {
	return func(o *opts) {
		o.writeTimeout = t
	}
}

// WithPongTimeout defines how long the server waits for a pong before
// considering a connection dead. Default is 60 seconds.
func WithPongTimeout(t time.Duration) OptFunc {
	return func(o *opts) {
		o.pongWait = t
		o.pingPeriod = (t * 9) / 10
	}
}

// WithMaxMessageSize defines the maximum inbound frame size in bytes.
// Default is 16 MiB.
func WithMaxMessageSize(s int64) OptFunc {
	return func(o *opts) {
		o.maxMessageBytes = s
	}
}

// WithSendBuffer sets the per connection outbound queue length.
// Default is 256 frames.
func WithSendBuffer(n int) OptFunc {
	return func(o *opts) {
		o.sendBuffer = n
	}
}

// WithChunkThreshold sets the serialized payload size above which a
// broadcast is sent as a chunked sequence. Default is 1 MiB.
func WithChunkThreshold(n int) OptFunc {
	return func(o *opts) {
		o.chunk.Threshold = n
	}
}

// WithChunkSize sets the slice length of each chunk frame.
// Default is 512 KiB.
func WithChunkSize(n int) OptFunc {
	return func(o *opts) {
		o.chunk.Size = n
	}
}

// WithChunkDelay sets the pause between successive chunk sends.
// Default is 5 milliseconds.
func WithChunkDelay(d time.Duration) OptFunc {
	return func(o *opts) {
		o.chunk.Delay = d
	}
}

// RelayServer multiplexes websocket connections into named channels and
// fans handled messages back out to every channel member.
type RelayServer struct {
	registry   *Registry
	handlers   map[string]relay.HandlerFunc
	middleware []relay.MiddlewareFunc
	conns      map[string]*connection
	opts       *opts
	sync.RWMutex
}

// NewRelayServer will setup and return a new instance of a RelayServer
// with the domain handlers registered.
func NewRelayServer(optFns ...OptFunc) *RelayServer {
	defaults := defaultOpts()
	for _, o := range optFns {
		o(defaults)
	}
	s := &RelayServer{
		registry: NewRegistry(),
		handlers: make(map[string]relay.HandlerFunc),
		conns:    make(map[string]*connection),
		opts:     defaults,
	}
	s.registerDomainHandlers()
	return s
}

// Registry exposes the channel registry, mainly for tests and metrics.
func (s *RelayServer) Registry() *Registry {
	return s.registry
}

// RegisterHandler will add a handler for the given message type. Handled
// responses are broadcast to every member of the message's channel.
func (s *RelayServer) RegisterHandler(msgType string, fn relay.HandlerFunc) *RelayServer {
	s.Lock()
	defer s.Unlock()
	s.handlers[msgType] = fn
	return s
}

// WithMiddleware will append the middleware funcs to any already
// registered middleware functions, executed outermost first around every
// domain handler.
func (s *RelayServer) WithMiddleware(mws ...relay.MiddlewareFunc) *RelayServer {
	s.Lock()
	defer s.Unlock()
	s.middleware = append(s.middleware, mws...)
	return s
}

func (s *RelayServer) handler(msgType string) relay.HandlerFunc {
	s.RLock()
	defer s.RUnlock()
	return s.handlers[msgType]
}

// Listen drives one websocket connection until it closes. Frames from the
// connection are dispatched in receipt order; on exit the connection is
// removed from every channel and each one is notified.
//
// This is called after an Upgrade call in an http handler.
func (s *RelayServer) Listen(ws *websocket.Conn) {
	ws.SetReadLimit(s.opts.maxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.pongWait))
	})

	clientID := uuid.NewString()
	c := newConnection(ws, clientID, s.opts)
	c.setOpen()
	go c.writer()
	s.trackConnection(c)
	log.Info().Msgf("new connection with clientID %s, listening for messages", clientID)
	connectionsGauge.Inc()

	defer func() {
		s.disconnect(c)
		log.Debug().Msgf("removed clientID %s", clientID)
	}()

	ctx := context.Background()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Msgf("read error for clientID %s: %v", clientID, err)
			}
			break
		}
		s.dispatch(ctx, c, raw)
	}
}

func (s *RelayServer) trackConnection(c *connection) {
	s.Lock()
	defer s.Unlock()
	s.conns[c.clientID] = c
}

// disconnect tears one connection down: registry removal, per channel
// leave notifications and finally releasing the writer.
func (s *RelayServer) disconnect(c *connection) {
	s.Lock()
	delete(s.conns, c.clientID)
	s.Unlock()

	c.close()
	left := s.registry.Leave(c)
	for _, name := range left {
		log.Debug().Msgf("clientID %s left channel %s", c.clientID, name)
		s.Broadcast(name, relay.SystemText(name, "A user left the channel"))
	}
	connectionsGauge.Dec()
	channelsGauge.Set(float64(s.registry.ChannelCount()))
}

// Close terminates every connection. Call in a defer to let the server
// shut down gracefully.
func (s *RelayServer) Close() {
	s.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*connection)
	s.Unlock()

	log.Info().Msg("closing relay server")
	for _, c := range conns {
		c.close()
	}
	log.Info().Msg("connections terminated")
}

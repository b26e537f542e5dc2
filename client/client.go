// Package client is a Go client for the relay: it dials the websocket
// endpoint, joins channels, publishes envelopes and dispatches inbound
// frames to listeners registered by message type. Chunked sequences are
// reassembled transparently, so a listener for uml:payload sees one
// envelope whether or not the payload travelled in pieces.
package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/theflyingcodr/relay"
)

type clientOpts struct {
	writeTimeout      time.Duration
	reconnect         bool
	reconnectAttempts int
	reconnectTimeout  time.Duration
	sessionTTL        time.Duration
	header            http.Header
}

func defaultOpts() *clientOpts {
	return &clientOpts{
		writeTimeout:      2 * time.Second,
		reconnect:         false,
		reconnectAttempts: 3,
		reconnectTimeout:  30 * time.Second,
		sessionTTL:        relay.DefaultSessionTTL,
	}
}

// OptFunc defines a functional option to pass to the client at setup time.
type OptFunc func(o *clientOpts)

// WithReconnect will enable reconnects, in the event of a connection loss
// the client will attempt to re-dial the server.
//
// Default values are to retry 3 times with a 30 second wait between retry.
func WithReconnect() OptFunc {
	return func(o *clientOpts) {
		o.reconnect = true
	}
}

// WithReconnectAttempts will overwrite the default connection attempts of
// 3 with value attempts; when exceeded the client gives up and exits its
// read loop.
func WithReconnectAttempts(attempts int) OptFunc {
	return func(o *clientOpts) {
		o.reconnectAttempts = attempts
	}
}

// WithReconnectTimeout will overwrite the default timeout between
// reconnect attempts of 30 seconds.
func WithReconnectTimeout(t time.Duration) OptFunc {
	return func(o *clientOpts) {
		o.reconnectTimeout = t
	}
}

// WithInfiniteReconnect will make the client retry forever in the event
// of a connection loss.
func WithInfiniteReconnect() OptFunc {
	return func(o *clientOpts) {
		o.reconnect = true
		o.reconnectAttempts = -1
	}
}

// WithSessionTTL overrides how long an unfinished chunk reassembly
// session is kept before being evicted. 0 disables eviction.
func WithSessionTTL(ttl time.Duration) OptFunc {
	return func(o *clientOpts) {
		o.sessionTTL = ttl
	}
}

// WithHeader sets headers sent on the upgrade request, for meta the
// server may care about.
func WithHeader(h http.Header) OptFunc {
	return func(o *clientOpts) {
		o.header = h
	}
}

type sendMsg struct {
	env    *relay.Envelope
	notify chan error
}

// Client is a relay client over one websocket connection.
type Client struct {
	url        string
	ws         *websocket.Conn
	listeners  map[string]relay.HandlerFunc
	errHandler relay.ErrorListener
	assembler  *relay.Assembler
	send       chan sendMsg
	done       chan struct{}
	closing    bool
	opts       *clientOpts
	sync.RWMutex
}

// New dials the relay at url (ws://host:port) and starts the read and
// write loops. Register listeners before joining a channel to avoid
// missing early frames.
func New(url string, optFns ...OptFunc) (*Client, error) {
	o := defaultOpts()
	for _, opt := range optFns {
		opt(o)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, o.header)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	c := &Client{
		url:        url,
		ws:         ws,
		listeners:  make(map[string]relay.HandlerFunc),
		errHandler: defaultErrorListener,
		assembler:  relay.NewAssembler(o.sessionTTL),
		send:       make(chan sendMsg, 16),
		done:       make(chan struct{}),
		opts:       o,
	}
	go c.reader()
	go c.writer()
	return c, nil
}

func defaultErrorListener(env *relay.Envelope) {
	log.Error().
		Str("channel", env.Channel).
		Str("id", env.ID).
		Msgf("server error received: %s", env.MessageText())
}

// RegisterListener will add a listener for the given message type.
// A listener's returned envelope, if any, is published back to the server.
func (c *Client) RegisterListener(msgType string, fn relay.HandlerFunc) *Client {
	c.Lock()
	defer c.Unlock()
	c.listeners[msgType] = fn
	return c
}

// WithErrorHandler allows a user to overwrite the default error frame
// handler.
func (c *Client) WithErrorHandler(fn relay.ErrorListener) *Client {
	c.Lock()
	defer c.Unlock()
	c.errHandler = fn
	return c
}

func (c *Client) listener(msgType string) relay.HandlerFunc {
	c.RLock()
	defer c.RUnlock()
	return c.listeners[msgType]
}

// conn returns the current websocket. Both loops read it through here
// because redial swaps the field while the writer is still sending.
func (c *Client) conn() *websocket.Conn {
	c.RLock()
	defer c.RUnlock()
	return c.ws
}

// Join sends a join request for the named channel. correlationID is
// echoed back by the relay so the caller can match the acknowledgement;
// pass an empty string to have one generated.
func (c *Client) Join(channel, correlationID string) (string, error) {
	if channel == "" {
		return "", errors.New("channel is required")
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return correlationID, c.PublishEnvelope(relay.NewEnvelope(relay.MessageJoin, channel, correlationID))
}

// Publish serialises body into a payload and broadcasts it to the channel
// through the relay, waiting for the local write to complete.
func (c *Client) Publish(msgType, channel string, body interface{}) error {
	if msgType == "" || channel == "" {
		return errors.New("channel and msgType required")
	}
	env := relay.NewEnvelope(msgType, channel, uuid.NewString())
	if body != nil {
		if err := env.WithPayload(body); err != nil {
			return err
		}
	}
	return c.PublishEnvelope(env)
}

// Chat sends a generic chat message to the channel.
func (c *Client) Chat(channel, text string) error {
	env := relay.NewEnvelope(relay.MessageChat, channel, uuid.NewString())
	if err := env.WithMessage(text); err != nil {
		return err
	}
	return c.PublishEnvelope(env)
}

// PublishEnvelope sends a raw envelope and waits for the write result.
func (c *Client) PublishEnvelope(env *relay.Envelope) error {
	notify := make(chan error, 1)
	select {
	case c.send <- sendMsg{env: env, notify: notify}:
	case <-c.done:
		return errors.New("client is closed")
	}
	select {
	case err := <-notify:
		return err
	case <-c.done:
		return errors.New("client is closed")
	}
}

// Close will ensure the client is gracefully shut down.
func (c *Client) Close() {
	c.Lock()
	if c.closing {
		c.Unlock()
		return
	}
	c.closing = true
	c.Unlock()
	close(c.done)
	_ = c.conn().Close()
	log.Debug().Msg("relay client closed")
}

// reader consumes inbound frames, feeds chunk protocol frames through the
// assembler and dispatches complete envelopes to the registered listener
// for their type.
func (c *Client) reader() {
	for {
		_, raw, err := c.conn().ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if !c.opts.reconnect || !c.redial() {
				log.Err(err).Msg("read failed, exiting client")
				c.Close()
				return
			}
			continue
		}
		env, err := relay.Decode(raw)
		if err != nil {
			log.Err(err).Msg("dropping malformed frame from server")
			continue
		}
		env, done, err := c.assembler.Feed(env)
		if err != nil {
			log.Err(err).Msg("chunk reassembly failed")
			continue
		}
		if !done {
			continue
		}
		if env.Type == relay.MessageError {
			c.RLock()
			fn := c.errHandler
			c.RUnlock()
			fn(env)
			continue
		}
		ln := c.listener(env.Type)
		if ln == nil {
			log.Debug().Msgf("no listener for message type %s", env.Type)
			continue
		}
		resp, err := ln(context.Background(), env)
		if err != nil {
			log.Err(err).Msgf("listener for %s failed", env.Type)
			continue
		}
		if resp != nil {
			select {
			case c.send <- sendMsg{env: resp}:
			case <-c.done:
				return
			}
		}
	}
}

// writer owns all writes to the websocket.
func (c *Client) writer() {
	for {
		select {
		case <-c.done:
			_ = c.conn().WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.writeTimeout))
			return
		case msg := <-c.send:
			ws := c.conn()
			_ = ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			err := ws.WriteJSON(msg.env)
			if err != nil {
				log.Err(err).Msg("failed to write message")
			}
			if msg.notify != nil {
				msg.notify <- err
			}
		}
	}
}

// redial attempts to re-establish the connection, returning false once
// the attempt budget is spent. Channel membership is connection scoped,
// so callers must re-join after a successful reconnect.
func (c *Client) redial() bool {
	for i := 1; c.opts.reconnectAttempts == -1 || i <= c.opts.reconnectAttempts; i++ {
		time.Sleep(c.opts.reconnectTimeout)
		ws, _, err := websocket.DefaultDialer.Dial(c.url, c.opts.header)
		if err != nil {
			log.Err(err).Msgf("reconnect attempt %d to %s failed", i, c.url)
			continue
		}
		c.Lock()
		c.ws = ws
		c.Unlock()
		log.Info().Msgf("reconnected to %s after %d attempts", c.url, i)
		return true
	}
	return false
}

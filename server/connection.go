package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// connection states. A connection is connecting until its writer starts,
// open while it can accept frames and closed once the socket is done.
const (
	stateConnecting int32 = iota
	stateOpen
	stateClosed
)

// connection wraps one websocket with an outbound queue drained by a
// dedicated writer goroutine, keeping concurrent broadcasts from
// interleaving writes on the underlying socket.
type connection struct {
	ws       *websocket.Conn
	send     chan []byte
	clientID string
	state    int32
	opts     *opts
	// mu orders enqueue against close so the send channel is never
	// written to after it is closed.
	mu sync.RWMutex
}

func newConnection(ws *websocket.Conn, clientID string, o *opts) *connection {
	return &connection{
		ws:       ws,
		send:     make(chan []byte, o.sendBuffer),
		clientID: clientID,
		state:    stateConnecting,
		opts:     o,
	}
}

// setOpen transitions the connection from connecting to open. Called
// before the writer starts so frames queued immediately are accepted.
func (c *connection) setOpen() {
	atomic.StoreInt32(&c.state, stateOpen)
}

// writer sends queued frames to the websocket and keeps the connection
// alive with periodic pings. It owns all writes to the socket.
func (c *connection) writer() {
	ticker := time.NewTicker(c.opts.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				log.Debug().Msgf("closing connection for clientID %s", c.clientID)
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				log.Err(err).Msgf("write failed for clientID %s", c.clientID)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				log.Err(err).Msgf("ping failed for clientID %s", c.clientID)
				return
			}
		}
	}
}

func (c *connection) write(mt int, payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	return c.ws.WriteMessage(mt, payload)
}

// enqueue queues one serialized frame for delivery. A closed connection
// or a full outbound buffer fails the single send without touching the
// connection; membership cleanup belongs to the close handler alone.
func (c *connection) enqueue(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.isOpen() {
		return errors.Errorf("connection %s is not open", c.clientID)
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errors.Errorf("send buffer full for connection %s", c.clientID)
	}
}

func (c *connection) isOpen() bool {
	return atomic.LoadInt32(&c.state) == stateOpen
}

// close marks the connection closed and releases the writer. Safe to call
// more than once.
func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if atomic.LoadInt32(&c.state) == stateClosed {
		return
	}
	atomic.StoreInt32(&c.state, stateClosed)
	close(c.send)
}

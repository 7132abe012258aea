package transport

import (
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beedoor/atomix/common/protocol"
)

const (
	dialTimeout = 5 * time.Second
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
)

// EventHandler receives events the server pushes outside of any request.
type EventHandler func(protocol.EventMessage)

// Connection is one websocket connection to a server. Requests are
// correlated to responses by envelope id; pushed events (id 0) go to the
// event handler.
type Connection struct {
	addr    string
	conn    *websocket.Conn
	logger  *log.Logger
	onEvent EventHandler

	send chan protocol.Envelope

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan protocol.Envelope
	closed  bool
	done    chan any
}

func Dial(addr string, onEvent EventHandler, logger *log.Logger) (*Connection, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrTransport, "dial %s: %s", addr, err)
	}
	c := &Connection{
		addr:    addr,
		conn:    conn,
		logger:  logger,
		onEvent: onEvent,
		send:    make(chan protocol.Envelope, 256),
		pending: make(map[uint64]chan protocol.Envelope),
		done:    make(chan any),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *Connection) Addr() string { return c.addr }

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Request sends a correlated request and waits for its response or the
// timeout.
func (c *Connection) Request(t protocol.MessageType, body any, timeout time.Duration) (protocol.Envelope, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Envelope{}, protocol.NewError(protocol.ErrTransport, "connection to %s is closed", c.addr)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan protocol.Envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(id, t, body)
	if err != nil {
		c.abandon(id)
		return protocol.Envelope{}, fmt.Errorf("encode %s request: %w", t, err)
	}

	select {
	case c.send <- env:
	case <-c.done:
		c.abandon(id)
		return protocol.Envelope{}, protocol.NewError(protocol.ErrTransport, "connection to %s is closed", c.addr)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return protocol.Envelope{}, protocol.NewError(protocol.ErrTransport, "connection to %s lost", c.addr)
		}
		return resp, nil
	case <-time.After(timeout):
		c.abandon(id)
		return protocol.Envelope{}, protocol.NewError(protocol.ErrTimeout, "%s request to %s timed out", t, c.addr)
	}
}

func (c *Connection) abandon(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Connection) Close() {
	c.shutdown()
}

func (c *Connection) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan protocol.Envelope)
	close(c.done)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.conn.Close()
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Printf("write to %s: %v", c.addr, err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) readPump() {
	defer c.shutdown()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Printf("read from %s: %v", c.addr, err)
			}
			return
		}
		if env.ID == 0 {
			if env.Type == protocol.TypeEvent && c.onEvent != nil {
				var ev protocol.EventMessage
				if err := env.Decode(&ev); err != nil {
					c.logger.Printf("decode event from %s: %v", c.addr, err)
					continue
				}
				c.onEvent(ev)
			}
			continue
		}
		c.mu.Lock()
		ch := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- env
			close(ch)
		}
	}
}

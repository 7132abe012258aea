package server

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beedoor/atomix/common/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// clientConn is one websocket connection. The read pump handles requests in
// arrival order; the write pump owns the socket for responses and pushed
// events, so events a command publishes are queued before its response.
type clientConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan protocol.Envelope
	logger *log.Logger

	mu       sync.Mutex
	sessions map[uint64]bool
}

func newClientConn(s *Server, conn *websocket.Conn) *clientConn {
	return &clientConn{
		server:   s,
		conn:     conn,
		send:     make(chan protocol.Envelope, 256),
		logger:   s.logger,
		sessions: make(map[uint64]bool),
	}
}

func (c *clientConn) bind(sessionID uint64) {
	c.mu.Lock()
	c.sessions[sessionID] = true
	c.mu.Unlock()
}

func (c *clientConn) unbind(sessionID uint64) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func (c *clientConn) boundSessions() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

func (c *clientConn) push(env protocol.Envelope) {
	select {
	case c.send <- env:
	default:
		c.logger.Printf("dropping message to slow connection")
	}
}

func (c *clientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Printf("write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *clientConn) readPump() {
	defer func() {
		c.server.unregisterConn(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Printf("read error: %v", err)
			}
			return
		}
		c.handle(env)
	}
}

func (c *clientConn) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegister:
		var req protocol.RegisterRequest
		if err := env.Decode(&req); err != nil {
			c.replyDecodeError(env, err)
			return
		}
		c.reply(env.ID, env.Type, c.server.register(c, req))

	case protocol.TypeKeepAlive:
		var req protocol.KeepAliveRequest
		if err := env.Decode(&req); err != nil {
			c.replyDecodeError(env, err)
			return
		}
		c.reply(env.ID, env.Type, c.server.keepAlive(c, req))

	case protocol.TypeClose:
		var req protocol.CloseRequest
		if err := env.Decode(&req); err != nil {
			c.replyDecodeError(env, err)
			return
		}
		c.reply(env.ID, env.Type, c.server.closeSession(req))

	case protocol.TypeCommand:
		var req protocol.CommandRequest
		if err := env.Decode(&req); err != nil {
			c.replyDecodeError(env, err)
			return
		}
		c.reply(env.ID, env.Type, c.server.command(req))

	case protocol.TypeQuery:
		var req protocol.QueryRequest
		if err := env.Decode(&req); err != nil {
			c.replyDecodeError(env, err)
			return
		}
		c.reply(env.ID, env.Type, c.server.query(req))

	case protocol.TypeMetadata:
		var req protocol.MetadataRequest
		if err := env.Decode(&req); err != nil {
			c.replyDecodeError(env, err)
			return
		}
		c.reply(env.ID, env.Type, c.server.metadata(req))

	default:
		c.logger.Printf("unknown message type %q", env.Type)
	}
}

func (c *clientConn) reply(id uint64, t protocol.MessageType, body any) {
	env, err := protocol.NewEnvelope(id, t, body)
	if err != nil {
		c.logger.Printf("encode response: %v", err)
		return
	}
	c.push(env)
}

func (c *clientConn) replyDecodeError(env protocol.Envelope, err error) {
	c.logger.Printf("decode %s request: %v", env.Type, err)
	c.reply(env.ID, env.Type, struct {
		Status protocol.Status `json:"status"`
		Error  *protocol.Error `json:"error"`
	}{
		Status: protocol.StatusError,
		Error:  protocol.NewError(protocol.ErrProtocol, "malformed %s request: %s", env.Type, err),
	})
}

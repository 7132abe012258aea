package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/beedoor/atomix/common/model"
	"github.com/beedoor/atomix/common/protocol"
	"github.com/beedoor/atomix/server/pkg/state"
)

const requestTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the client-facing front end of one node. It turns protocol
// requests into log entries, waits for the apply engine and pushes session
// events to the connection that registered the session.
type Server struct {
	self             model.MemberID
	consensus        Consensus
	mgr              *state.Manager
	logger           *log.Logger
	defaultTimeoutMs int64

	httpServer *http.Server

	mu       sync.RWMutex
	conns    map[*clientConn]bool
	sessions map[uint64]*clientConn
}

func New(self model.MemberID, consensus Consensus, mgr *state.Manager, defaultSessionTimeout time.Duration, logger *log.Logger) *Server {
	s := &Server{
		self:             self,
		consensus:        consensus,
		mgr:              mgr,
		logger:           logger,
		defaultTimeoutMs: defaultSessionTimeout.Milliseconds(),
		conns:            make(map[*clientConn]bool),
		sessions:         make(map[uint64]*clientConn),
	}
	mgr.SetEventHandler(s.handleEvent)
	return s
}

// Router returns the handler serving the websocket and status endpoints.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return r
}

// Start serves websocket clients on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Router()}
	s.logger.Printf("listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

func (s *Server) Stop() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		close(c.send)
	}
	s.conns = make(map[*clientConn]bool)
	s.sessions = make(map[uint64]*clientConn)
	s.mu.Unlock()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed: %v", err)
		return
	}
	c := newClientConn(s, conn)
	s.mu.Lock()
	s.conns[c] = true
	s.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Node        model.MemberID `json:"node"`
		Leader      model.MemberID `json:"leader"`
		Term        int64          `json:"term"`
		Members     []model.Member `json:"members"`
		LastApplied int64          `json:"last_applied"`
	}{
		Node:        s.self,
		Leader:      s.consensus.Leader(),
		Term:        s.consensus.Term(),
		Members:     s.consensus.Members(),
		LastApplied: s.mgr.LastApplied(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) unregisterConn(c *clientConn) {
	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		close(c.send)
	}
	for _, id := range c.boundSessions() {
		if s.sessions[id] == c {
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
}

func (s *Server) bindSession(id uint64, c *clientConn) {
	s.mu.Lock()
	s.sessions[id] = c
	s.mu.Unlock()
	c.bind(id)
}

func (s *Server) unbindSession(id uint64) {
	s.mu.Lock()
	c := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if c != nil {
		c.unbind(id)
	}
}

// handleEvent pushes a published event to the connection serving the
// session. Runs on the apply path, before the command's response is queued.
func (s *Server) handleEvent(sessionID uint64, index int64, payload []byte) {
	s.mu.RLock()
	c := s.sessions[sessionID]
	s.mu.RUnlock()
	if c == nil {
		return
	}
	env, err := protocol.NewEnvelope(0, protocol.TypeEvent, protocol.EventMessage{
		SessionID: sessionID,
		Index:     index,
		Payload:   payload,
	})
	if err != nil {
		s.logger.Printf("encode event: %v", err)
		return
	}
	c.push(env)
}

func (s *Server) submitAndApply(e *protocol.Entry) (*state.ApplyResult, error) {
	index, err := s.consensus.Submit(e)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-s.mgr.Apply(index):
		if res.Err != nil {
			return nil, res.Err
		}
		return res, nil
	case <-time.After(requestTimeout):
		return nil, protocol.NewError(protocol.ErrTimeout, "apply of entry %d timed out", index)
	}
}

func (s *Server) noLeaderError() *protocol.Error {
	return protocol.NewError(protocol.ErrNoLeader, "%s is not the leader", s.self)
}

func (s *Server) register(c *clientConn, req protocol.RegisterRequest) protocol.RegisterResponse {
	resp := protocol.RegisterResponse{
		Term:    s.consensus.Term(),
		Leader:  s.consensus.Leader(),
		Members: s.consensus.Members(),
	}
	if !s.consensus.IsLeader() {
		resp.Status = protocol.StatusError
		resp.Error = s.noLeaderError()
		return resp
	}
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = s.defaultTimeoutMs
	}
	entry := protocol.NewOpenSessionEntry(req.ClientID, req.ServiceName, req.ServiceType, req.ReadConsistency, req.TimeoutMs)
	res, err := s.submitAndApply(entry)
	if err != nil {
		resp.Status = protocol.StatusError
		resp.Error = asProtocolError(err)
		return resp
	}
	s.bindSession(res.SessionID, c)
	resp.Status = protocol.StatusOK
	resp.SessionID = res.SessionID
	s.logger.Printf("registered session %d for client %s on service %s", res.SessionID, req.ClientID, req.ServiceName)
	return resp
}

func (s *Server) keepAlive(c *clientConn, req protocol.KeepAliveRequest) protocol.KeepAliveResponse {
	resp := protocol.KeepAliveResponse{
		Term:    s.consensus.Term(),
		Leader:  s.consensus.Leader(),
		Members: s.consensus.Members(),
	}
	if !s.consensus.IsLeader() {
		resp.Status = protocol.StatusError
		resp.Error = s.noLeaderError()
		return resp
	}
	entry := protocol.NewKeepAliveEntry(
		[]uint64{req.SessionID},
		[]uint64{req.CommandSequence},
		[]int64{req.EventIndex},
	)
	res, err := s.submitAndApply(entry)
	if err != nil {
		resp.Status = protocol.StatusError
		resp.Error = asProtocolError(err)
		return resp
	}
	for _, live := range res.Sessions {
		if live == req.SessionID {
			s.bindSession(req.SessionID, c)
			resp.Status = protocol.StatusOK
			return resp
		}
	}
	s.unbindSession(req.SessionID)
	resp.Status = protocol.StatusError
	resp.Error = protocol.NewError(protocol.ErrUnknownSession, "unknown session %d", req.SessionID)
	return resp
}

func (s *Server) closeSession(req protocol.CloseRequest) protocol.CloseResponse {
	if !s.consensus.IsLeader() {
		return protocol.CloseResponse{Status: protocol.StatusError, Error: s.noLeaderError()}
	}
	_, err := s.submitAndApply(protocol.NewCloseSessionEntry(req.SessionID))
	s.unbindSession(req.SessionID)
	if err != nil {
		return protocol.CloseResponse{Status: protocol.StatusError, Error: asProtocolError(err)}
	}
	return protocol.CloseResponse{Status: protocol.StatusOK}
}

func (s *Server) command(req protocol.CommandRequest) protocol.CommandResponse {
	if !s.consensus.IsLeader() {
		return protocol.CommandResponse{Status: protocol.StatusError, Error: s.noLeaderError()}
	}
	entry := protocol.NewCommandEntry(req.SessionID, req.RequestID, req.Operation)
	res, err := s.submitAndApply(entry)
	if err != nil {
		return protocol.CommandResponse{Status: protocol.StatusError, Error: asProtocolError(err)}
	}
	result := res.Result
	if result != nil && result.Error != nil {
		return protocol.CommandResponse{Status: protocol.StatusError, Error: result.Error, Result: result}
	}
	return protocol.CommandResponse{Status: protocol.StatusOK, Result: result}
}

func (s *Server) query(req protocol.QueryRequest) protocol.QueryResponse {
	select {
	case result := <-s.mgr.ApplyQuery(req.SessionID, req.Version, req.Operation):
		if result.Error != nil {
			return protocol.QueryResponse{Status: protocol.StatusError, Error: result.Error, Result: result}
		}
		return protocol.QueryResponse{Status: protocol.StatusOK, Result: result}
	case <-time.After(requestTimeout):
		return protocol.QueryResponse{
			Status: protocol.StatusError,
			Error:  protocol.NewError(protocol.ErrTimeout, "query on session %d timed out", req.SessionID),
		}
	}
}

func (s *Server) metadata(req protocol.MetadataRequest) protocol.MetadataResponse {
	if !s.consensus.IsLeader() {
		return protocol.MetadataResponse{Status: protocol.StatusError, Error: s.noLeaderError()}
	}
	res, err := s.submitAndApply(protocol.NewMetadataEntry(req.SessionID))
	if err != nil {
		return protocol.MetadataResponse{Status: protocol.StatusError, Error: asProtocolError(err)}
	}
	return protocol.MetadataResponse{Status: protocol.StatusOK, Sessions: res.Metadata}
}

func asProtocolError(err error) *protocol.Error {
	if pe, ok := err.(*protocol.Error); ok {
		return pe
	}
	return protocol.NewError(protocol.CodeOf(err), "%s", err)
}

package service

import (
	"bytes"
	gocontext "context"
	"encoding/json"
	"io"
	"log"
	"sync"

	"github.com/beedoor/atomix/common/model"
	"github.com/beedoor/atomix/common/protocol"
	"github.com/beedoor/atomix/server/pkg/session"
)

// EventHandler observes events as commands publish them, before any client
// acknowledgement.
type EventHandler func(sessionID uint64, index int64, payload []byte)

// Context hosts one service instance: the state machine, its sessions and
// the scheduler every callback runs on. Entry handlers block until the
// scheduled work completes so that entries apply to the service in log
// order; queries are queued without blocking the caller.
type Context struct {
	name        string
	serviceType string
	svc         Service
	sessions    *session.Manager
	sched       *Scheduler
	logger      *log.Logger
	onEvent     EventHandler

	mu        sync.Mutex
	index     int64
	timestamp int64

	// parked holds version-fenced queries; touched only on the scheduler.
	parked []parkedQuery
}

type parkedQuery struct {
	version int64
	run     func()
}

func NewContext(name, serviceType string, svc Service, logger *log.Logger) *Context {
	return &Context{
		name:        name,
		serviceType: serviceType,
		svc:         svc,
		sessions:    session.NewManager(),
		sched:       NewScheduler(),
		logger:      logger,
	}
}

func (c *Context) Name() string               { return c.name }
func (c *Context) Type() string               { return c.serviceType }
func (c *Context) Sessions() *session.Manager { return c.sessions }

// SetEventHandler installs the event sink. Set before the first entry is
// applied.
func (c *Context) SetEventHandler(h EventHandler) { c.onEvent = h }

func (c *Context) Stop() { c.sched.Stop() }

func (c *Context) Index() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

func (c *Context) Timestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timestamp
}

func (c *Context) execute(fn func()) {
	done := make(chan struct{})
	c.sched.Execute(func(gocontext.Context) {
		fn()
		close(done)
	})
	<-done
}

// advance moves the service clock forward and releases any parked query
// whose fence the new index satisfies. Runs on the scheduler.
func (c *Context) advance(index, ts int64) {
	c.mu.Lock()
	if index > c.index {
		c.index = index
	}
	if ts > c.timestamp {
		c.timestamp = ts
	}
	idx := c.index
	c.mu.Unlock()

	kept := c.parked[:0]
	for _, q := range c.parked {
		if q.version <= idx {
			q.run()
		} else {
			kept = append(kept, q)
		}
	}
	c.parked = kept
}

// Tick advances the service clock without applying an operation and expires
// sessions whose keep-alive window has lapsed.
func (c *Context) Tick(index, ts int64) {
	c.execute(func() {
		c.advance(index, ts)
		c.expireOverdue(ts)
	})
}

// OpenSession registers the session created by the entry at index. The entry
// index becomes the session id.
func (c *Context) OpenSession(index, ts int64, clientID string, consistency model.ReadConsistency, timeoutMs int64) uint64 {
	var id uint64
	c.execute(func() {
		c.advance(index, ts)
		s := session.New(uint64(index), clientID, c.name, c.serviceType, consistency, timeoutMs, ts)
		c.sessions.Register(s)
		c.svc.SessionOpened(s)
		id = s.ID()
	})
	return id
}

// KeepAlive refreshes one session and trims its caches up to the
// acknowledged command sequence and event index. Reports whether the session
// is known and open.
func (c *Context) KeepAlive(index, ts int64, sessionID, commandSequence uint64, eventIndex int64) bool {
	var ok bool
	c.execute(func() {
		c.advance(index, ts)
		s, found := c.sessions.Get(sessionID)
		if !found || !s.IsOpen() {
			return
		}
		s.Touch(ts)
		s.ClearResults(commandSequence)
		s.AckEvents(eventIndex)
		ok = true
	})
	return ok
}

// CompleteKeepAlive runs the expiry sweep after a keep-alive entry and
// returns the ids of the sessions still open.
func (c *Context) CompleteKeepAlive(index, ts int64) []uint64 {
	var live []uint64
	c.execute(func() {
		c.advance(index, ts)
		c.expireOverdue(ts)
		for _, s := range c.sessions.Sessions() {
			if s.IsOpen() {
				live = append(live, s.ID())
			}
		}
	})
	return live
}

func (c *Context) expireOverdue(ts int64) {
	for _, s := range c.sessions.Sessions() {
		if s.ExpiredAt(ts) {
			s.Expire()
			c.svc.SessionExpired(s)
			c.sessions.Remove(s.ID())
			c.logger.Printf("session %d expired, last heartbeat %d, now %d", s.ID(), s.LastHeartbeat(), ts)
		}
	}
}

// CloseSession closes the session gracefully. Reports whether the session
// was open.
func (c *Context) CloseSession(index, ts int64, sessionID uint64) bool {
	var ok bool
	c.execute(func() {
		c.advance(index, ts)
		s, found := c.sessions.Get(sessionID)
		if !found || !s.Close() {
			return
		}
		c.svc.SessionClosed(s)
		c.sessions.Remove(sessionID)
		ok = true
	})
	return ok
}

// Command applies a session command, replaying the cached result when the
// sequence was already applied.
func (c *Context) Command(index, ts int64, sessionID, sequence uint64, op model.Operation) *protocol.OperationResult {
	var res *protocol.OperationResult
	c.execute(func() {
		res = c.applyCommand(index, ts, sessionID, sequence, op)
		c.advance(index, ts)
	})
	return res
}

func (c *Context) applyCommand(index, ts int64, sessionID, sequence uint64, op model.Operation) *protocol.OperationResult {
	s, ok := c.sessions.Get(sessionID)
	if !ok {
		return &protocol.OperationResult{
			Index: index,
			Error: protocol.NewError(protocol.ErrUnknownSession, "unknown session %d", sessionID),
		}
	}
	if !s.IsOpen() {
		return &protocol.OperationResult{
			Index:      index,
			EventIndex: s.EventIndex(),
			Error:      protocol.NewError(protocol.ErrClosedSession, "session %d is %s", sessionID, s.Status()),
		}
	}
	s.Touch(ts)

	if sequence <= s.CommandSequence() {
		if cached, found := s.CachedResult(sequence); found {
			return cached
		}
		return &protocol.OperationResult{
			Index:      index,
			EventIndex: s.EventIndex(),
			Error:      protocol.NewError(protocol.ErrProtocol, "result for sequence %d already released", sequence),
		}
	}
	if sequence != s.CommandSequence()+1 {
		return &protocol.OperationResult{
			Index:      index,
			EventIndex: s.EventIndex(),
			Error:      protocol.NewError(protocol.ErrProtocol, "sequence %d skips ahead of %d", sequence, s.CommandSequence()),
		}
	}

	value, err := c.svc.Apply(&Commit{Index: index, Timestamp: ts, Session: s, Operation: op, ctx: c})
	res := &protocol.OperationResult{Index: index, EventIndex: s.EventIndex()}
	if err != nil {
		res.Error = protocol.NewError(protocol.ErrApplication, "%s", err)
		c.logger.Printf("command %s on session %d failed: %v", op.ID.Name, sessionID, err)
	} else {
		res.Value = value
	}
	s.CacheResult(sequence, res)
	return res
}

// Query runs a read once the service has applied at least the entry the
// client last observed. The result channel receives exactly one value.
func (c *Context) Query(version int64, sessionID uint64, op model.Operation) <-chan *protocol.OperationResult {
	out := make(chan *protocol.OperationResult, 1)
	c.sched.Execute(func(gocontext.Context) {
		if c.Index() >= version {
			out <- c.applyQuery(sessionID, op)
			return
		}
		c.parked = append(c.parked, parkedQuery{version: version, run: func() {
			out <- c.applyQuery(sessionID, op)
		}})
	})
	return out
}

func (c *Context) applyQuery(sessionID uint64, op model.Operation) *protocol.OperationResult {
	idx := c.Index()
	s, ok := c.sessions.Get(sessionID)
	if !ok {
		return &protocol.OperationResult{
			Index: idx,
			Error: protocol.NewError(protocol.ErrUnknownSession, "unknown session %d", sessionID),
		}
	}
	if !s.IsOpen() {
		return &protocol.OperationResult{
			Index:      idx,
			EventIndex: s.EventIndex(),
			Error:      protocol.NewError(protocol.ErrClosedSession, "session %d is %s", sessionID, s.Status()),
		}
	}
	value, err := c.svc.Query(&Commit{Index: idx, Timestamp: c.Timestamp(), Session: s, Operation: op, ctx: c})
	res := &protocol.OperationResult{Index: idx, EventIndex: s.EventIndex()}
	if err != nil {
		res.Error = protocol.NewError(protocol.ErrApplication, "%s", err)
	} else {
		res.Value = value
	}
	return res
}

// SessionsMetadata lists the open sessions of this service.
func (c *Context) SessionsMetadata() []protocol.SessionMetadata {
	var out []protocol.SessionMetadata
	c.execute(func() {
		for _, s := range c.sessions.Sessions() {
			if s.IsOpen() {
				out = append(out, s.Metadata())
			}
		}
	})
	return out
}

func (c *Context) publish(s *session.Session, index int64, payload []byte) {
	if !s.IsOpen() {
		return
	}
	s.PublishEvent(index, payload)
	if h := c.onEvent; h != nil {
		h(s.ID(), index, payload)
	}
}

// snapshotState is the durable form of one service context.
type snapshotState struct {
	Name      string             `json:"name"`
	Type      string             `json:"type"`
	Index     int64              `json:"index"`
	Timestamp int64              `json:"timestamp"`
	Sessions  []session.Snapshot `json:"sessions,omitempty"`
	Service   []byte             `json:"service,omitempty"`
}

// TakeSnapshot writes the service state and its sessions to w and returns
// the index the snapshot covers.
func (c *Context) TakeSnapshot(w io.Writer) (int64, error) {
	var idx int64
	var err error
	c.execute(func() {
		var svcBuf bytes.Buffer
		if err = c.svc.Snapshot(&svcBuf); err != nil {
			return
		}
		st := snapshotState{
			Name:      c.name,
			Type:      c.serviceType,
			Index:     c.Index(),
			Timestamp: c.Timestamp(),
			Service:   svcBuf.Bytes(),
		}
		for _, s := range c.sessions.Sessions() {
			if s.IsOpen() {
				st.Sessions = append(st.Sessions, s.Snapshot())
			}
		}
		idx = st.Index
		err = json.NewEncoder(w).Encode(st)
	})
	return idx, err
}

// RestoreSnapshot replaces the service state and session table with the
// snapshot read from r.
func (c *Context) RestoreSnapshot(r io.Reader) error {
	var err error
	c.execute(func() {
		var st snapshotState
		if err = json.NewDecoder(r).Decode(&st); err != nil {
			return
		}
		if err = c.svc.Restore(bytes.NewReader(st.Service)); err != nil {
			return
		}
		c.sessions = session.NewManager()
		for _, sn := range st.Sessions {
			c.sessions.Register(session.FromSnapshot(sn))
		}
		c.mu.Lock()
		c.index = st.Index
		c.timestamp = st.Timestamp
		c.mu.Unlock()
	})
	return err
}

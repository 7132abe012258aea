package session

import (
	"sync"

	"github.com/beedoor/atomix/common/model"
	"github.com/beedoor/atomix/common/protocol"
)

type Status string

const (
	StatusOpen    Status = "open"
	StatusExpired Status = "expired"
	StatusClosed  Status = "closed"
)

// Event is a payload a command published to a session, stamped with the
// index of the entry that produced it.
type Event struct {
	Index   int64  `json:"index"`
	Payload []byte `json:"payload,omitempty"`
}

// Session is the server-side state of one client session. The session id is
// the index of the OpenSession entry that created it. Mutation happens on the
// apply and service contexts; a mutex keeps the state safe under any
// executor.
type Session struct {
	mu sync.Mutex

	id          uint64
	clientID    string
	serviceName string
	serviceType string
	consistency model.ReadConsistency
	timeoutMs   int64

	status          Status
	lastHeartbeat   int64
	commandSequence uint64
	eventIndex      int64
	results         map[uint64]*protocol.OperationResult
	events          []Event
}

func New(id uint64, clientID, serviceName, serviceType string, consistency model.ReadConsistency, timeoutMs, openedAt int64) *Session {
	return &Session{
		id:            id,
		clientID:      clientID,
		serviceName:   serviceName,
		serviceType:   serviceType,
		consistency:   consistency,
		timeoutMs:     timeoutMs,
		status:        StatusOpen,
		lastHeartbeat: openedAt,
		results:       make(map[uint64]*protocol.OperationResult),
	}
}

func (s *Session) ID() uint64                            { return s.id }
func (s *Session) ClientID() string                      { return s.clientID }
func (s *Session) ServiceName() string                   { return s.serviceName }
func (s *Session) ServiceType() string                   { return s.serviceType }
func (s *Session) ReadConsistency() model.ReadConsistency { return s.consistency }
func (s *Session) TimeoutMs() int64                      { return s.timeoutMs }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) IsOpen() bool { return s.Status() == StatusOpen }

// Expire marks the session expired. Terminal states are absorbing: once the
// status leaves Open it never returns. Reports whether the transition
// happened now.
func (s *Session) Expire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusOpen {
		return false
	}
	s.status = StatusExpired
	s.results = make(map[uint64]*protocol.OperationResult)
	s.events = nil
	return true
}

// Close marks the session closed. Reports whether the transition happened
// now.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusOpen {
		return false
	}
	s.status = StatusClosed
	s.results = make(map[uint64]*protocol.OperationResult)
	s.events = nil
	return true
}

// Touch records a heartbeat observed at the given entry timestamp.
func (s *Session) Touch(ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.lastHeartbeat {
		s.lastHeartbeat = ts
	}
}

// ExpiredAt reports whether the session missed its keep-alive window as
// observed from committed entry timestamps.
func (s *Session) ExpiredAt(ts int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusOpen && ts-s.lastHeartbeat > s.timeoutMs
}

func (s *Session) LastHeartbeat() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

func (s *Session) CommandSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandSequence
}

// CacheResult stores the result for a command sequence and advances the
// session's command sequence. Results are retained until a keep-alive
// acknowledges the sequence or the session leaves Open.
func (s *Session) CacheResult(sequence uint64, result *protocol.OperationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusOpen {
		return
	}
	s.results[sequence] = result
	if sequence > s.commandSequence {
		s.commandSequence = sequence
	}
}

func (s *Session) CachedResult(sequence uint64) (*protocol.OperationResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[sequence]
	return r, ok
}

// ClearResults releases cached results up to and including the acknowledged
// sequence.
func (s *Session) ClearResults(upTo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq := range s.results {
		if seq <= upTo {
			delete(s.results, seq)
		}
	}
}

// PublishEvent queues an event produced at the given log index. Events are
// kept in index order; indexes are monotone because entries apply in order.
func (s *Session) PublishEvent(index int64, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusOpen {
		return
	}
	s.events = append(s.events, Event{Index: index, Payload: payload})
	if index > s.eventIndex {
		s.eventIndex = index
	}
}

// EventIndex is the index of the newest event published to the session.
func (s *Session) EventIndex() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventIndex
}

// PendingEvents returns the queued events with index greater than from, in
// index order.
func (s *Session) PendingEvents(from int64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Index > from {
			out = append(out, e)
		}
	}
	return out
}

// AckEvents drops queued events at or below the acknowledged index.
func (s *Session) AckEvents(index int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	for _, e := range s.events {
		if e.Index > index {
			kept = append(kept, e)
		}
	}
	s.events = kept
}

func (s *Session) Metadata() protocol.SessionMetadata {
	return protocol.SessionMetadata{ID: s.id, ServiceName: s.serviceName, ServiceType: s.serviceType}
}

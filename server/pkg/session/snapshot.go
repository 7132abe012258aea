package session

import (
	"github.com/beedoor/atomix/common/model"
	"github.com/beedoor/atomix/common/protocol"
)

// Snapshot is the durable form of a session. Cached results and queued
// events are not carried over; a client replaying an old sequence against a
// restored session gets a protocol error instead of a stale replay.
type Snapshot struct {
	ID              uint64                `json:"id"`
	ClientID        string                `json:"client_id"`
	ServiceName     string                `json:"service_name"`
	ServiceType     string                `json:"service_type"`
	ReadConsistency model.ReadConsistency `json:"read_consistency"`
	TimeoutMs       int64                 `json:"timeout_ms"`
	LastHeartbeat   int64                 `json:"last_heartbeat"`
	CommandSequence uint64                `json:"command_sequence"`
	EventIndex      int64                 `json:"event_index"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:              s.id,
		ClientID:        s.clientID,
		ServiceName:     s.serviceName,
		ServiceType:     s.serviceType,
		ReadConsistency: s.consistency,
		TimeoutMs:       s.timeoutMs,
		LastHeartbeat:   s.lastHeartbeat,
		CommandSequence: s.commandSequence,
		EventIndex:      s.eventIndex,
	}
}

// FromSnapshot rebuilds an open session from its durable form.
func FromSnapshot(sn Snapshot) *Session {
	return &Session{
		id:              sn.ID,
		clientID:        sn.ClientID,
		serviceName:     sn.ServiceName,
		serviceType:     sn.ServiceType,
		consistency:     sn.ReadConsistency,
		timeoutMs:       sn.TimeoutMs,
		status:          StatusOpen,
		lastHeartbeat:   sn.LastHeartbeat,
		commandSequence: sn.CommandSequence,
		eventIndex:      sn.EventIndex,
		results:         make(map[uint64]*protocol.OperationResult),
	}
}

package protocol

import (
	"github.com/beedoor/atomix/common/model"
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

type RegisterRequest struct {
	ClientID string `json:"client_id"`
	// ServiceName/ServiceType select the service the session binds to.
	ServiceName     string                `json:"service_name"`
	ServiceType     string                `json:"service_type"`
	ReadConsistency model.ReadConsistency `json:"read_consistency"`
	TimeoutMs       int64                 `json:"timeout_ms"`
}

type RegisterResponse struct {
	Status    Status         `json:"status"`
	Error     *Error         `json:"error,omitempty"`
	SessionID uint64         `json:"session_id,omitempty"`
	Term      int64          `json:"term"`
	Leader    model.MemberID `json:"leader,omitempty"`
	Members   []model.Member `json:"members,omitempty"`
}

// KeepAliveRequest acknowledges, besides keeping the session alive, the
// highest command sequence responded to and the highest event index the
// client has consumed. The server trims session caches up to those marks.
type KeepAliveRequest struct {
	SessionID       uint64 `json:"session_id"`
	CommandSequence uint64 `json:"command_sequence"`
	EventIndex      int64  `json:"event_index"`
}

type KeepAliveResponse struct {
	Status  Status         `json:"status"`
	Error   *Error         `json:"error,omitempty"`
	Term    int64          `json:"term"`
	Leader  model.MemberID `json:"leader,omitempty"`
	Members []model.Member `json:"members,omitempty"`
}

type CloseRequest struct {
	SessionID uint64 `json:"session_id"`
}

type CloseResponse struct {
	Status Status `json:"status"`
	Error  *Error `json:"error,omitempty"`
}

type CommandRequest struct {
	SessionID uint64          `json:"session_id"`
	RequestID uint64          `json:"request_id"`
	Version   int64           `json:"version"`
	Operation model.Operation `json:"operation"`
}

type CommandResponse struct {
	Status Status           `json:"status"`
	Error  *Error           `json:"error,omitempty"`
	Result *OperationResult `json:"result,omitempty"`
}

type QueryRequest struct {
	SessionID uint64          `json:"session_id"`
	Version   int64           `json:"version"`
	Operation model.Operation `json:"operation"`
}

type QueryResponse struct {
	Status Status           `json:"status"`
	Error  *Error           `json:"error,omitempty"`
	Result *OperationResult `json:"result,omitempty"`
}

type MetadataRequest struct {
	SessionID uint64 `json:"session_id,omitempty"`
}

type SessionMetadata struct {
	ID          uint64 `json:"id"`
	ServiceName string `json:"service_name"`
	ServiceType string `json:"service_type"`
}

type MetadataResponse struct {
	Status   Status            `json:"status"`
	Error    *Error            `json:"error,omitempty"`
	Sessions []SessionMetadata `json:"sessions,omitempty"`
}

// EventMessage is pushed server to client, in index order, for events a
// command published to the session.
type EventMessage struct {
	SessionID uint64 `json:"session_id"`
	Index     int64  `json:"index"`
	Payload   []byte `json:"payload,omitempty"`
}

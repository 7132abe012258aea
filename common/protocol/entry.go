package protocol

import (
	"github.com/beedoor/atomix/common/model"
)

type EntryKind string

const (
	EntryInitialize    EntryKind = "INITIALIZE"
	EntryConfiguration EntryKind = "CONFIGURATION"
	EntryOpenSession   EntryKind = "OPEN_SESSION"
	EntryKeepAlive     EntryKind = "KEEP_ALIVE"
	EntryCloseSession  EntryKind = "CLOSE_SESSION"
	EntryCommand       EntryKind = "COMMAND"
	EntryMetadata      EntryKind = "METADATA"
)

// Entry is a replicated log entry. Index and Term are assigned by the log,
// Timestamp by the leader; timestamps are monotonic across committed entries.
// Exactly one payload field matching Kind is set.
type Entry struct {
	Index     int64     `json:"index"`
	Term      int64     `json:"term"`
	Timestamp int64     `json:"timestamp"`
	Kind      EntryKind `json:"kind"`

	OpenSession   *OpenSessionEntry   `json:"open_session,omitempty"`
	KeepAlive     *KeepAliveEntry     `json:"keep_alive,omitempty"`
	CloseSession  *CloseSessionEntry  `json:"close_session,omitempty"`
	Command       *CommandEntry       `json:"command,omitempty"`
	Configuration *ConfigurationEntry `json:"configuration,omitempty"`
	Metadata      *MetadataEntry      `json:"metadata,omitempty"`
}

type OpenSessionEntry struct {
	ClientID        string                `json:"client_id"`
	ServiceName     string                `json:"service_name"`
	ServiceType     string                `json:"service_type"`
	ReadConsistency model.ReadConsistency `json:"read_consistency"`
	TimeoutMs       int64                 `json:"timeout_ms"`
}

// KeepAliveEntry carries the keep-alive state of one or more sessions in
// parallel slices; the server front end submits one entry per keep-alive
// request, naming only the requesting session. CommandSequences[i] and
// EventIndexes[i] acknowledge delivery for SessionIDs[i].
type KeepAliveEntry struct {
	SessionIDs       []uint64 `json:"session_ids"`
	CommandSequences []uint64 `json:"command_sequences"`
	EventIndexes     []int64  `json:"event_indexes"`
}

type CloseSessionEntry struct {
	SessionID uint64 `json:"session_id"`
}

type CommandEntry struct {
	SessionID uint64          `json:"session_id"`
	Sequence  uint64          `json:"sequence"`
	Operation model.Operation `json:"operation"`
}

type ConfigurationEntry struct {
	Members []model.Member `json:"members"`
}

// MetadataEntry requests a snapshot of session metadata, scoped to the
// session's service when SessionID > 0.
type MetadataEntry struct {
	SessionID uint64 `json:"session_id"`
}

func NewInitializeEntry() *Entry {
	return &Entry{Kind: EntryInitialize}
}

func NewConfigurationEntry(members []model.Member) *Entry {
	return &Entry{Kind: EntryConfiguration, Configuration: &ConfigurationEntry{Members: members}}
}

func NewOpenSessionEntry(clientID, serviceName, serviceType string, consistency model.ReadConsistency, timeoutMs int64) *Entry {
	return &Entry{Kind: EntryOpenSession, OpenSession: &OpenSessionEntry{
		ClientID:        clientID,
		ServiceName:     serviceName,
		ServiceType:     serviceType,
		ReadConsistency: consistency,
		TimeoutMs:       timeoutMs,
	}}
}

func NewKeepAliveEntry(sessionIDs []uint64, commandSequences []uint64, eventIndexes []int64) *Entry {
	return &Entry{Kind: EntryKeepAlive, KeepAlive: &KeepAliveEntry{
		SessionIDs:       sessionIDs,
		CommandSequences: commandSequences,
		EventIndexes:     eventIndexes,
	}}
}

func NewCloseSessionEntry(sessionID uint64) *Entry {
	return &Entry{Kind: EntryCloseSession, CloseSession: &CloseSessionEntry{SessionID: sessionID}}
}

func NewCommandEntry(sessionID, sequence uint64, op model.Operation) *Entry {
	return &Entry{Kind: EntryCommand, Command: &CommandEntry{
		SessionID: sessionID,
		Sequence:  sequence,
		Operation: op,
	}}
}

func NewMetadataEntry(sessionID uint64) *Entry {
	return &Entry{Kind: EntryMetadata, Metadata: &MetadataEntry{SessionID: sessionID}}
}

// OperationResult is the reply produced by applying a command or query.
// EventIndex is the index of the last event the caller should observe before
// consuming this result.
type OperationResult struct {
	Index      int64  `json:"index"`
	EventIndex int64  `json:"event_index"`
	Value      []byte `json:"value,omitempty"`
	Error      *Error `json:"error,omitempty"`
}

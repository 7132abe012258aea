package state

import (
	"bytes"
	gocontext "context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/beedoor/atomix/common/model"
	"github.com/beedoor/atomix/common/protocol"
	"github.com/beedoor/atomix/server/pkg/service"
	"github.com/beedoor/atomix/server/pkg/storage"
)

// ApplyResult is what applying one entry produced. Only the fields matching
// the entry kind are set.
type ApplyResult struct {
	Index     int64
	SessionID uint64
	Sessions  []uint64
	Result    *protocol.OperationResult
	Metadata  []protocol.SessionMetadata
	Err       error
}

// Manager is the apply engine. All entry application runs on its scheduler,
// one entry at a time and strictly in index order; a sequencing violation
// halts the engine because state divergence is worse than unavailability.
type Manager struct {
	log       storage.Log
	registry  *service.Registry
	snapshots *storage.SnapshotStore
	logger    *log.Logger
	sched     *service.Scheduler
	cursor    *Cursor
	onEvent   service.EventHandler

	mu          sync.Mutex
	services    map[string]*service.Context
	lastApplied int64
	haltErr     error
}

func NewManager(lg storage.Log, registry *service.Registry, snapshots *storage.SnapshotStore, logger *log.Logger) *Manager {
	return &Manager{
		log:       lg,
		registry:  registry,
		snapshots: snapshots,
		logger:    logger,
		sched:     service.NewScheduler(),
		cursor:    NewCursor(lg, 1),
		services:  make(map[string]*service.Context),
	}
}

// SetEventHandler installs the sink that receives events published by
// commands. Set before the first entry is applied.
func (m *Manager) SetEventHandler(h service.EventHandler) { m.onEvent = h }

func (m *Manager) LastApplied() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied
}

// Halted returns the sequencing error that stopped the engine, if any.
func (m *Manager) Halted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haltErr
}

// Contexts returns the live service contexts sorted by name.
func (m *Manager) Contexts() []*service.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*service.Context, 0, len(m.services))
	for _, ctx := range m.services {
		out = append(out, ctx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (m *Manager) Stop() {
	m.sched.Stop()
	for _, ctx := range m.Contexts() {
		ctx.Stop()
	}
}

// Apply applies every entry up to and including index and delivers the
// result of the entry at index. The channel receives exactly one value.
func (m *Manager) Apply(index int64) <-chan *ApplyResult {
	out := make(chan *ApplyResult, 1)
	m.sched.Execute(func(gocontext.Context) {
		out <- m.applyIndex(index)
	})
	return out
}

// ApplyAll applies every entry up to and including index, discarding
// results. Used by followers and by catch-up after restart.
func (m *Manager) ApplyAll(index int64) {
	m.sched.Execute(func(gocontext.Context) {
		for m.Halted() == nil && m.LastApplied() < index {
			e, ok := m.cursor.Next()
			if !ok {
				return
			}
			m.applyEntry(e)
		}
	})
}

// ApplyQuery routes a read to the service owning the session, out of band
// with respect to the entry log.
func (m *Manager) ApplyQuery(sessionID uint64, version int64, op model.Operation) <-chan *protocol.OperationResult {
	if ctx := m.sessionOwner(sessionID); ctx != nil {
		return ctx.Query(version, sessionID, op)
	}
	out := make(chan *protocol.OperationResult, 1)
	out <- &protocol.OperationResult{Error: protocol.NewError(protocol.ErrUnknownSession, "unknown session %d", sessionID)}
	return out
}

func (m *Manager) applyIndex(index int64) *ApplyResult {
	if err := m.Halted(); err != nil {
		return &ApplyResult{Index: index, Err: err}
	}
	if index <= m.LastApplied() {
		err := protocol.NewError(protocol.ErrDuplicateApply, "entry %d already applied, last applied %d", index, m.LastApplied())
		m.halt(err)
		return &ApplyResult{Index: index, Err: err}
	}

	for m.LastApplied() < index-1 {
		e, ok := m.cursor.Next()
		if !ok {
			err := protocol.NewError(protocol.ErrNonSequential, "entry %d missing below requested index %d", m.cursor.NextIndex(), index)
			m.halt(err)
			return &ApplyResult{Index: index, Err: err}
		}
		m.applyEntry(e)
		if err := m.Halted(); err != nil {
			return &ApplyResult{Index: index, Err: err}
		}
	}

	e, ok := m.cursor.Next()
	if !ok {
		return &ApplyResult{Index: index, Err: protocol.NewError(protocol.ErrInternal, "no entry at index %d", index)}
	}
	return m.applyEntry(e)
}

func (m *Manager) applyEntry(e *protocol.Entry) *ApplyResult {
	res := m.dispatch(e)
	res.Index = e.Index
	m.mu.Lock()
	m.lastApplied = e.Index
	m.mu.Unlock()
	return res
}

func (m *Manager) dispatch(e *protocol.Entry) *ApplyResult {
	switch e.Kind {
	case protocol.EntryInitialize, protocol.EntryConfiguration:
		for _, ctx := range m.Contexts() {
			ctx.Tick(e.Index, e.Timestamp)
		}
		return &ApplyResult{}

	case protocol.EntryOpenSession:
		os := e.OpenSession
		ctx, err := m.serviceContext(os.ServiceName, os.ServiceType)
		if err != nil {
			return &ApplyResult{Err: err}
		}
		id := ctx.OpenSession(e.Index, e.Timestamp, os.ClientID, os.ReadConsistency, os.TimeoutMs)
		return &ApplyResult{SessionID: id}

	case protocol.EntryKeepAlive:
		ka := e.KeepAlive
		for i, sid := range ka.SessionIDs {
			ctx := m.sessionOwner(sid)
			if ctx == nil {
				continue
			}
			ctx.KeepAlive(e.Index, e.Timestamp, sid, ka.CommandSequences[i], ka.EventIndexes[i])
		}
		var live []uint64
		for _, ctx := range m.Contexts() {
			live = append(live, ctx.CompleteKeepAlive(e.Index, e.Timestamp)...)
		}
		return &ApplyResult{Sessions: live}

	case protocol.EntryCloseSession:
		id := e.CloseSession.SessionID
		ctx := m.sessionOwner(id)
		if ctx == nil {
			return &ApplyResult{Err: protocol.NewError(protocol.ErrUnknownSession, "unknown session %d", id)}
		}
		ctx.CloseSession(e.Index, e.Timestamp, id)
		return &ApplyResult{}

	case protocol.EntryCommand:
		ce := e.Command
		ctx := m.sessionOwner(ce.SessionID)
		if ctx == nil {
			return &ApplyResult{Result: &protocol.OperationResult{
				Index: e.Index,
				Error: protocol.NewError(protocol.ErrUnknownSession, "unknown session %d", ce.SessionID),
			}}
		}
		return &ApplyResult{Result: ctx.Command(e.Index, e.Timestamp, ce.SessionID, ce.Sequence, ce.Operation)}

	case protocol.EntryMetadata:
		var contexts []*service.Context
		if id := e.Metadata.SessionID; id > 0 {
			if ctx := m.sessionOwner(id); ctx != nil {
				contexts = append(contexts, ctx)
			}
		} else {
			contexts = m.Contexts()
		}
		var md []protocol.SessionMetadata
		for _, ctx := range contexts {
			md = append(md, ctx.SessionsMetadata()...)
		}
		return &ApplyResult{Metadata: md}

	default:
		return &ApplyResult{Err: protocol.NewError(protocol.ErrInternal, "unknown entry kind %q at index %d", e.Kind, e.Index)}
	}
}

func (m *Manager) halt(err error) {
	m.mu.Lock()
	if m.haltErr == nil {
		m.haltErr = err
	}
	m.mu.Unlock()
	m.logger.Printf("halting apply engine: %v", err)
}

// serviceContext returns the context for a named service, creating it from
// the registry on first use. An existing service keeps its original type.
func (m *Manager) serviceContext(name, serviceType string) (*service.Context, error) {
	m.mu.Lock()
	ctx, ok := m.services[name]
	m.mu.Unlock()
	if ok {
		if ctx.Type() != serviceType {
			return nil, protocol.NewError(protocol.ErrUnknownService, "service %q is of type %q, not %q", name, ctx.Type(), serviceType)
		}
		return ctx, nil
	}
	svc, err := m.registry.New(serviceType)
	if err != nil {
		return nil, err
	}
	ctx = service.NewContext(name, serviceType, svc, m.logger)
	ctx.SetEventHandler(m.onEvent)
	m.mu.Lock()
	m.services[name] = ctx
	m.mu.Unlock()
	return ctx, nil
}

func (m *Manager) sessionOwner(sessionID uint64) *service.Context {
	for _, ctx := range m.Contexts() {
		if _, ok := ctx.Sessions().Get(sessionID); ok {
			return ctx
		}
	}
	return nil
}

// Restore rebuilds service state from the newest snapshot of every stored
// service and repositions the cursor past the covered prefix. Call before
// applying any entries.
func (m *Manager) Restore() error {
	if m.snapshots == nil {
		return nil
	}
	names, err := m.snapshots.Services()
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	restored := int64(0)
	for _, name := range names {
		idx, data, err := m.snapshots.Load(name)
		if err != nil {
			return fmt.Errorf("load snapshot for %s: %w", name, err)
		}
		if data == nil {
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return fmt.Errorf("decode snapshot header for %s: %w", name, err)
		}
		svc, err := m.registry.New(head.Type)
		if err != nil {
			return err
		}
		ctx := service.NewContext(name, head.Type, svc, m.logger)
		ctx.SetEventHandler(m.onEvent)
		if err := ctx.RestoreSnapshot(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
		m.mu.Lock()
		m.services[name] = ctx
		m.mu.Unlock()
		if restored == 0 || idx < restored {
			restored = idx
		}
		m.logger.Printf("restored service %s from snapshot at index %d", name, idx)
	}
	if restored > 0 {
		m.mu.Lock()
		m.lastApplied = restored
		m.mu.Unlock()
		m.cursor.Seek(restored + 1)
	}
	return nil
}

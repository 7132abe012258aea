package kv

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/beedoor/atomix/server/pkg/service"
	"github.com/beedoor/atomix/server/pkg/session"
)

// ServiceType is the registry key for the key-value service.
const ServiceType = "kv"

const (
	OpPut      = "put"
	OpRemove   = "remove"
	OpListen   = "listen"
	OpUnlisten = "unlisten"
	OpGet      = "get"
	OpExists   = "exists"
	OpSize     = "size"
)

type Request struct {
	Key   string `json:"key,omitempty"`
	Value []byte `json:"value,omitempty"`
}

type Response struct {
	Value   []byte `json:"value,omitempty"`
	Version int64  `json:"version,omitempty"`
	Exists  bool   `json:"exists,omitempty"`
	Size    int    `json:"size,omitempty"`
}

// ChangeEvent is published to listening sessions whenever a key changes.
// Value is nil for removals.
type ChangeEvent struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Version int64  `json:"version"`
}

type entry struct {
	Value   []byte `json:"value"`
	Version int64  `json:"version"`
}

// Service is a replicated key-value map. Versions are the log indexes of the
// writes that produced them.
type Service struct {
	entries   map[string]entry
	listeners map[uint64]bool
}

func New() service.Service {
	return &Service{
		entries:   make(map[string]entry),
		listeners: make(map[uint64]bool),
	}
}

func (k *Service) Apply(c *service.Commit) ([]byte, error) {
	var req Request
	if len(c.Operation.Payload) > 0 {
		if err := json.Unmarshal(c.Operation.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
	}

	switch c.Operation.ID.Name {
	case OpPut:
		if req.Key == "" {
			return nil, fmt.Errorf("put requires a key")
		}
		old := k.entries[req.Key]
		k.entries[req.Key] = entry{Value: req.Value, Version: c.Index}
		k.notify(c, ChangeEvent{Key: req.Key, Value: req.Value, Version: c.Index})
		return json.Marshal(Response{Value: old.Value, Version: c.Index})

	case OpRemove:
		old, ok := k.entries[req.Key]
		if ok {
			delete(k.entries, req.Key)
			k.notify(c, ChangeEvent{Key: req.Key, Version: c.Index})
		}
		return json.Marshal(Response{Value: old.Value, Exists: ok})

	case OpListen:
		k.listeners[c.Session.ID()] = true
		return nil, nil

	case OpUnlisten:
		delete(k.listeners, c.Session.ID())
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown command %q", c.Operation.ID.Name)
	}
}

func (k *Service) Query(c *service.Commit) ([]byte, error) {
	var req Request
	if len(c.Operation.Payload) > 0 {
		if err := json.Unmarshal(c.Operation.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
	}

	switch c.Operation.ID.Name {
	case OpGet:
		e, ok := k.entries[req.Key]
		return json.Marshal(Response{Value: e.Value, Version: e.Version, Exists: ok})
	case OpExists:
		_, ok := k.entries[req.Key]
		return json.Marshal(Response{Exists: ok})
	case OpSize:
		return json.Marshal(Response{Size: len(k.entries)})
	default:
		return nil, fmt.Errorf("unknown query %q", c.Operation.ID.Name)
	}
}

func (k *Service) notify(c *service.Commit, ev ChangeEvent) {
	if len(k.listeners) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for id := range k.listeners {
		if !c.Notify(id, payload) {
			delete(k.listeners, id)
		}
	}
}

type snapshot struct {
	Entries   map[string]entry `json:"entries"`
	Listeners []uint64         `json:"listeners,omitempty"`
}

func (k *Service) Snapshot(w io.Writer) error {
	sn := snapshot{Entries: k.entries}
	for id := range k.listeners {
		sn.Listeners = append(sn.Listeners, id)
	}
	return json.NewEncoder(w).Encode(sn)
}

func (k *Service) Restore(r io.Reader) error {
	var sn snapshot
	if err := json.NewDecoder(r).Decode(&sn); err != nil {
		return err
	}
	k.entries = sn.Entries
	if k.entries == nil {
		k.entries = make(map[string]entry)
	}
	k.listeners = make(map[uint64]bool)
	for _, id := range sn.Listeners {
		k.listeners[id] = true
	}
	return nil
}

func (k *Service) SessionOpened(s *session.Session) {}

func (k *Service) SessionExpired(s *session.Session) {
	delete(k.listeners, s.ID())
}

func (k *Service) SessionClosed(s *session.Session) {
	delete(k.listeners, s.ID())
}

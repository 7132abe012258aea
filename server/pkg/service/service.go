package service

import (
	"io"
	"sync"

	"github.com/beedoor/atomix/common/model"
	"github.com/beedoor/atomix/common/protocol"
	"github.com/beedoor/atomix/server/pkg/session"
)

// Service is a replicated state machine. Every callback runs on the owning
// context's scheduler, one at a time, so implementations need no locking.
type Service interface {
	// Apply executes a state-changing operation.
	Apply(c *Commit) ([]byte, error)
	// Query reads service state without changing it.
	Query(c *Commit) ([]byte, error)
	// Snapshot writes the service state to w.
	Snapshot(w io.Writer) error
	// Restore replaces the service state with a snapshot read from r.
	Restore(r io.Reader) error

	SessionOpened(s *session.Session)
	SessionExpired(s *session.Session)
	SessionClosed(s *session.Session)
}

// Factory builds a fresh instance of a service type.
type Factory func() Service

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(serviceType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[serviceType] = f
}

func (r *Registry) New(serviceType string) (Service, error) {
	r.mu.RLock()
	f, ok := r.factories[serviceType]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.NewError(protocol.ErrUnknownService, "no factory registered for service type %q", serviceType)
	}
	return f(), nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}

// Commit carries one operation into a service together with the log position
// that produced it.
type Commit struct {
	Index     int64
	Timestamp int64
	Session   *session.Session
	Operation model.Operation

	ctx *Context
}

// Publish queues an event for the committing session, stamped with the
// commit's index.
func (c *Commit) Publish(payload []byte) {
	c.ctx.publish(c.Session, c.Index, payload)
}

// Notify queues an event for another session of the same service. Reports
// whether the session was found.
func (c *Commit) Notify(sessionID uint64, payload []byte) bool {
	s, ok := c.ctx.sessions.Get(sessionID)
	if !ok {
		return false
	}
	c.ctx.publish(s, c.Index, payload)
	return true
}

// Broadcast queues an event for every open session of the service.
func (c *Commit) Broadcast(payload []byte) {
	for _, s := range c.ctx.sessions.Sessions() {
		c.ctx.publish(s, c.Index, payload)
	}
}

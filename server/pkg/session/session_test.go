package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/beedoor/atomix/common/model"
	"github.com/beedoor/atomix/common/protocol"
)

func newSession(id uint64) *Session {
	return New(id, "client-1", "map", "kv", model.ReadSequential, 5000, 1000)
}

func TestStatusTransitionsAreAbsorbing(t *testing.T) {
	s := newSession(10)
	assert.True(t, s.IsOpen())

	assert.True(t, s.Expire())
	assert.Equal(t, StatusExpired, s.Status())
	assert.False(t, s.Close(), "expired sessions cannot close")
	assert.False(t, s.Expire(), "expire is not reentrant")

	s2 := newSession(11)
	assert.True(t, s2.Close())
	assert.Equal(t, StatusClosed, s2.Status())
	assert.False(t, s2.Expire())
}

func TestExpiredAtUsesEntryTimestamps(t *testing.T) {
	s := newSession(10)
	assert.False(t, s.ExpiredAt(5999), "within the keep-alive window")
	assert.True(t, s.ExpiredAt(6001))

	s.Touch(4000)
	assert.False(t, s.ExpiredAt(6001))
	assert.Equal(t, int64(4000), s.LastHeartbeat())

	s.Touch(3000)
	assert.Equal(t, int64(4000), s.LastHeartbeat(), "heartbeats never move backwards")
}

func TestResultCacheAdvancesSequence(t *testing.T) {
	s := newSession(10)
	r1 := &protocol.OperationResult{Index: 11, Value: []byte("a")}
	r2 := &protocol.OperationResult{Index: 12, Value: []byte("b")}

	s.CacheResult(1, r1)
	s.CacheResult(2, r2)
	assert.Equal(t, uint64(2), s.CommandSequence())

	got, ok := s.CachedResult(1)
	assert.True(t, ok)
	assert.Same(t, r1, got)

	s.ClearResults(1)
	_, ok = s.CachedResult(1)
	assert.False(t, ok)
	got, ok = s.CachedResult(2)
	assert.True(t, ok)
	assert.Same(t, r2, got)
	assert.Equal(t, uint64(2), s.CommandSequence(), "acks trim results, not the sequence")
}

func TestLeavingOpenDropsCaches(t *testing.T) {
	s := newSession(10)
	s.CacheResult(1, &protocol.OperationResult{Index: 11})
	s.PublishEvent(11, []byte("ev"))
	s.Expire()

	_, ok := s.CachedResult(1)
	assert.False(t, ok)
	assert.Empty(t, s.PendingEvents(0))

	s.CacheResult(2, &protocol.OperationResult{Index: 12})
	s.PublishEvent(12, []byte("ev2"))
	_, ok = s.CachedResult(2)
	assert.False(t, ok, "expired sessions accept no new results")
	assert.Empty(t, s.PendingEvents(0))
}

func TestEventQueueOrderAndAcks(t *testing.T) {
	s := newSession(10)
	s.PublishEvent(11, []byte("one"))
	s.PublishEvent(12, []byte("two"))
	s.PublishEvent(15, []byte("three"))
	assert.Equal(t, int64(15), s.EventIndex())

	pending := s.PendingEvents(11)
	assert.Len(t, pending, 2)
	assert.Equal(t, int64(12), pending[0].Index)
	assert.Equal(t, int64(15), pending[1].Index)

	s.AckEvents(12)
	pending = s.PendingEvents(0)
	assert.Len(t, pending, 1)
	assert.Equal(t, int64(15), pending[0].Index)
}

func TestManagerIteratesInRegistrationOrder(t *testing.T) {
	m := NewManager()
	for _, id := range []uint64{30, 10, 20} {
		m.Register(newSession(id))
	}
	assert.Equal(t, 3, m.Len())

	ids := []uint64{}
	for _, s := range m.Sessions() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []uint64{30, 10, 20}, ids)

	m.Register(newSession(10))
	assert.Equal(t, 3, m.Len(), "registering an existing id is a no-op")

	m.Remove(10)
	_, ok := m.Get(10)
	assert.False(t, ok)
	assert.Equal(t, 2, m.Len())

	m.Remove(10)
	assert.Equal(t, 2, m.Len())
}

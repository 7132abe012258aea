package storage

import (
	"sync"
	"time"

	"github.com/beedoor/atomix/common/protocol"
)

// Log is the replicated entry log as seen by the apply engine. Indexes start
// at 1 and are dense until Compact raises the first index.
type Log interface {
	// Append stamps the entry with the next index, the given term and a
	// timestamp no older than any previously appended entry, then stores it.
	Append(term int64, e *protocol.Entry) *protocol.Entry
	// Entry returns the entry at index, if it is still in the log.
	Entry(index int64) (*protocol.Entry, bool)
	FirstIndex() int64
	LastIndex() int64
	Len() int
	// Compact drops entries at or below index and returns how many were
	// removed.
	Compact(index int64) int
}

// MemoryLog keeps the whole log in memory. Timestamps come from the wall
// clock but never move backwards, so expiry math on committed entries stays
// consistent.
type MemoryLog struct {
	mu         sync.RWMutex
	entries    []*protocol.Entry
	firstIndex int64
	lastIndex  int64
	lastStamp  int64
	now        func() int64
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		firstIndex: 1,
		now:        func() int64 { return time.Now().UnixMilli() },
	}
}

// NewMemoryLogWithClock builds a log whose timestamps come from now. Used by
// tests to drive session expiry deterministically.
func NewMemoryLogWithClock(now func() int64) *MemoryLog {
	return &MemoryLog{firstIndex: 1, now: now}
}

func (l *MemoryLog) Append(term int64, e *protocol.Entry) *protocol.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.now()
	if ts < l.lastStamp {
		ts = l.lastStamp
	}
	l.lastStamp = ts
	l.lastIndex++
	e.Index = l.lastIndex
	e.Term = term
	e.Timestamp = ts
	l.entries = append(l.entries, e)
	return e
}

func (l *MemoryLog) Entry(index int64) (*protocol.Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < l.firstIndex || index > l.lastIndex {
		return nil, false
	}
	return l.entries[index-l.firstIndex], true
}

func (l *MemoryLog) FirstIndex() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.firstIndex
}

func (l *MemoryLog) LastIndex() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex
}

func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *MemoryLog) Compact(index int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < l.firstIndex {
		return 0
	}
	if index > l.lastIndex {
		index = l.lastIndex
	}
	removed := int(index - l.firstIndex + 1)
	l.entries = append([]*protocol.Entry(nil), l.entries[removed:]...)
	l.firstIndex = index + 1
	return removed
}

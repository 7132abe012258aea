package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/beedoor/atomix/common/protocol"
)

func TestAppendAssignsDenseIndexes(t *testing.T) {
	l := NewMemoryLog()
	e1 := l.Append(1, protocol.NewInitializeEntry())
	e2 := l.Append(1, protocol.NewCloseSessionEntry(1))

	assert.Equal(t, int64(1), e1.Index)
	assert.Equal(t, int64(2), e2.Index)
	assert.Equal(t, int64(1), l.FirstIndex())
	assert.Equal(t, int64(2), l.LastIndex())
	assert.Equal(t, 2, l.Len())

	got, ok := l.Entry(2)
	assert.True(t, ok)
	assert.Same(t, e2, got)
	_, ok = l.Entry(3)
	assert.False(t, ok)
	_, ok = l.Entry(0)
	assert.False(t, ok)
}

func TestTimestampsNeverMoveBackwards(t *testing.T) {
	clock := int64(1000)
	l := NewMemoryLogWithClock(func() int64 { return clock })

	e1 := l.Append(1, protocol.NewInitializeEntry())
	clock = 500
	e2 := l.Append(1, protocol.NewInitializeEntry())
	clock = 2000
	e3 := l.Append(1, protocol.NewInitializeEntry())

	assert.Equal(t, int64(1000), e1.Timestamp)
	assert.Equal(t, int64(1000), e2.Timestamp, "clock regression is clamped")
	assert.Equal(t, int64(2000), e3.Timestamp)
}

func TestCompactDropsPrefix(t *testing.T) {
	l := NewMemoryLog()
	for range 5 {
		l.Append(1, protocol.NewInitializeEntry())
	}

	assert.Equal(t, 0, l.Compact(0))
	assert.Equal(t, 3, l.Compact(3))
	assert.Equal(t, int64(4), l.FirstIndex())
	assert.Equal(t, int64(5), l.LastIndex())

	_, ok := l.Entry(3)
	assert.False(t, ok)
	got, ok := l.Entry(4)
	assert.True(t, ok)
	assert.Equal(t, int64(4), got.Index)

	assert.Equal(t, 2, l.Compact(99), "compacting past the end stops at the last entry")
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, int64(6), l.FirstIndex())

	e := l.Append(1, protocol.NewInitializeEntry())
	assert.Equal(t, int64(6), e.Index, "appends continue after full compaction")
}

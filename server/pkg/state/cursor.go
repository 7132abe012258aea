package state

import (
	"github.com/beedoor/atomix/common/protocol"
	"github.com/beedoor/atomix/server/pkg/storage"
)

// Cursor walks a log forward one entry at a time. The apply engine keeps one
// cursor positioned at the next entry to apply.
type Cursor struct {
	log  storage.Log
	next int64
}

func NewCursor(log storage.Log, next int64) *Cursor {
	return &Cursor{log: log, next: next}
}

func (c *Cursor) NextIndex() int64 { return c.next }

// Next returns the entry at the cursor and advances past it. Reports false
// when the log has no entry at the cursor position.
func (c *Cursor) Next() (*protocol.Entry, bool) {
	e, ok := c.log.Entry(c.next)
	if !ok {
		return nil, false
	}
	c.next++
	return e, true
}

// Seek repositions the cursor. Used after a snapshot restore raised the
// applied index past the cursor.
func (c *Cursor) Seek(next int64) { c.next = next }

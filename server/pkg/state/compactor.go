package state

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/beedoor/atomix/server/pkg/storage"
)

const DefaultCompactInterval = 10 * time.Second

// Compactor periodically snapshots every service and truncates the log
// prefix the snapshots cover. Snapshots are durable before any entry is
// dropped, so a crash between the two steps only costs re-applied entries.
type Compactor struct {
	mgr       *Manager
	store     *storage.SnapshotStore
	log       storage.Log
	interval  time.Duration
	logger    *log.Logger
	wg        sync.WaitGroup
	closeOnce sync.Once

	shutdownCh chan any

	mu            sync.Mutex
	running       bool
	lastCompacted int64
}

func NewCompactor(mgr *Manager, store *storage.SnapshotStore, lg storage.Log, interval time.Duration, logger *log.Logger) *Compactor {
	if interval <= 0 {
		interval = DefaultCompactInterval
	}
	return &Compactor{
		mgr:        mgr,
		store:      store,
		log:        lg,
		interval:   interval,
		logger:     logger,
		shutdownCh: make(chan any),
	}
}

func (c *Compactor) Start() {
	c.wg.Add(1)
	go c.run()
}

func (c *Compactor) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Compact(); err != nil {
				c.logger.Printf("compaction failed: %v", err)
			}
		case <-c.shutdownCh:
			return
		}
	}
}

func (c *Compactor) Stop() {
	c.closeOnce.Do(func() {
		close(c.shutdownCh)
	})
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Printf("timed out waiting for compactor to stop")
	}
}

// LastCompacted is the highest index removed from the log so far.
func (c *Compactor) LastCompacted() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCompacted
}

// Compact snapshots every service and truncates the log up to the lowest
// snapshot index. Concurrent calls are collapsed into one.
func (c *Compactor) Compact() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	last := c.lastCompacted
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	target := c.mgr.LastApplied()
	if target <= last || c.log.Len() == 0 {
		return nil
	}

	compactTo := target
	for _, ctx := range c.mgr.Contexts() {
		var buf bytes.Buffer
		idx, err := ctx.TakeSnapshot(&buf)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", ctx.Name(), err)
		}
		if err := c.store.Save(ctx.Name(), idx, buf.Bytes()); err != nil {
			return fmt.Errorf("save snapshot %s: %w", ctx.Name(), err)
		}
		if idx < compactTo {
			compactTo = idx
		}
	}
	if compactTo <= last {
		return nil
	}

	removed := c.log.Compact(compactTo)
	c.mu.Lock()
	c.lastCompacted = compactTo
	c.mu.Unlock()

	for _, ctx := range c.mgr.Contexts() {
		if err := c.store.Prune(ctx.Name(), compactTo); err != nil {
			c.logger.Printf("prune snapshots for %s: %v", ctx.Name(), err)
		}
	}
	c.logger.Printf("compacted %d entries up to index %d", removed, compactTo)
	return nil
}

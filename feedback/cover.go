// Package feedback decides what each execution result means: whether the
// input grows the corpus, duplicates known behavior, or constitutes a new
// objective. It owns the process-wide cumulative coverage state.
package feedback

import (
	"sync"

	"alma.local/fuzz/covmap"
)

// Cover is the global coverage accumulator: the union of every bucketed
// coverage snapshot ever observed. It only grows. Explicitly constructed
// and passed into each worker rather than living as an ambient singleton.
type Cover struct {
	mu     sync.RWMutex
	virgin []byte
	slots  int // nonzero slots, cached for cheap stats reads
}

// NewCover creates an accumulator for maps of the given size.
func NewCover(size int) *Cover {
	return &Cover{virgin: make([]byte, size)}
}

// Merge unions snap into the global state and returns the number of map
// slots that gained a previously unseen bucket bit. A zero return means
// snap is entirely redundant. Union semantics make merge order irrelevant
// across workers.
func (c *Cover) Merge(snap covmap.Snapshot) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	newSlots := 0
	for i, v := range snap {
		if v == 0 {
			continue
		}
		old := c.virgin[i]
		if v&^old == 0 {
			continue
		}
		if old == 0 {
			c.slots++
		}
		c.virgin[i] |= v
		newSlots++
	}
	return newSlots
}

// Novel reports whether snap would contribute new coverage, without
// merging. Used by read-only probes (corpus soundness checks).
func (c *Cover) Novel(snap covmap.Snapshot) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i, v := range snap {
		if v&^c.virgin[i] != 0 {
			return true
		}
	}
	return false
}

// Len returns the number of map slots with any coverage. Monotonically
// non-decreasing over a run.
func (c *Cover) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slots
}

// Snapshot copies the accumulated state, for persistence or cross-worker
// synchronization.
func (c *Cover) Snapshot() covmap.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(covmap.Snapshot, len(c.virgin))
	copy(out, c.virgin)
	return out
}

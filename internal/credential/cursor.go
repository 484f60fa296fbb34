package credential

import (
	"sync"
	"sync/atomic"
)

// cursorSet holds one monotonic counter per route pool, advanced atomically
// on every successful selection (spec 4.C). New pools are created lazily.
type cursorSet struct {
	mu      sync.Mutex
	cursors map[string]*atomic.Uint64
}

func newCursorSet() *cursorSet {
	return &cursorSet{cursors: make(map[string]*atomic.Uint64)}
}

// next returns the current value of poolID's cursor and advances it.
func (cs *cursorSet) next(poolID string) uint64 {
	cs.mu.Lock()
	c, ok := cs.cursors[poolID]
	if !ok {
		c = &atomic.Uint64{}
		cs.cursors[poolID] = c
	}
	cs.mu.Unlock()
	return c.Add(1) - 1
}

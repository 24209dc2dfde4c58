package storage

import "sync"

// LatchManager hands out a per-page reader/writer latch, lazily created
// and retained for the lifetime of the manager; each BTree owns one.
// Single-writer serialization is the responsibility of the upstream
// collection layer. A BTree additionally takes the latch of the root page
// id it reads at the start of Search, Insert, Delete, Count and
// SearchRange. That latch does not serialize calls across a change of
// root (a root split or collapse moves the tree to a different page id),
// and Height and Verify take no latch.
type LatchManager struct {
	mu      sync.Mutex
	latches map[uint32]*sync.RWMutex
}

// NewLatchManager returns an empty latch pool.
func NewLatchManager() *LatchManager {
	return &LatchManager{latches: make(map[uint32]*sync.RWMutex)}
}

func (lm *LatchManager) latchFor(pageID uint32) *sync.RWMutex {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.latches[pageID]
	if !ok {
		l = &sync.RWMutex{}
		lm.latches[pageID] = l
	}
	return l
}

// Lock acquires the exclusive (writer) latch on pageID.
func (lm *LatchManager) Lock(pageID uint32) { lm.latchFor(pageID).Lock() }

// Unlock releases the exclusive latch on pageID.
func (lm *LatchManager) Unlock(pageID uint32) { lm.latchFor(pageID).Unlock() }

// RLock acquires a shared (reader) latch on pageID.
func (lm *LatchManager) RLock(pageID uint32) { lm.latchFor(pageID).RLock() }

// RUnlock releases a shared latch on pageID.
func (lm *LatchManager) RUnlock(pageID uint32) { lm.latchFor(pageID).RUnlock() }

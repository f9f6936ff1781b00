// Package locktable implements the in-memory transient-status lock
// table (C2): a TTL-bounded record of which node ids currently have
// their status immutable to the BackgroundLoop.
//
// The Store's persistent lock bit (is_status_locked) is authoritative
// across restarts; this in-memory table is authoritative for
// in-process serialization of concurrent NodeManager actions on the
// same node, per spec.md §5's ordering guarantees.
package locktable

import (
	"sync"
	"time"

	"github.com/cuemby/formicaio/pkg/types"
)

type entry struct {
	lockedAt time.Time
	ttl      time.Duration
}

// Table is a concurrency-safe Map<NodeId, (locked_at, ttl)>.
type Table struct {
	mu      sync.RWMutex
	entries map[types.NodeID]entry
}

// New creates an empty lock table.
func New() *Table {
	return &Table{entries: make(map[types.NodeID]entry)}
}

// Lock inserts or replaces the lock entry for id with the given ttl,
// timestamped at the call instant.
func (t *Table) Lock(id types.NodeID, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = entry{lockedAt: time.Now(), ttl: ttl}
}

// Remove unconditionally clears the lock entry for id.
func (t *Table) Remove(id types.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// IsStillLocked reports whether id is presently locked. An entry whose
// ttl has elapsed is evicted lazily on read and reported as unlocked,
// mirroring spec.md §4.2's "if present and now - locked_at >= ttl,
// remove and return false".
func (t *Table) IsStillLocked(id types.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return false
	}
	if time.Since(e.lockedAt) >= e.ttl {
		delete(t.entries, id)
		return false
	}
	return true
}

// Contains reports raw membership without evicting expired entries;
// used by the S1/S2 invariant checks that need to observe presence
// independent of TTL expiry.
func (t *Table) Contains(id types.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[id]
	return ok
}

// Len returns the number of entries currently tracked, expired or not.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

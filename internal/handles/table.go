// Package handles maps integer handles, issued locally or by the host,
// to live resource objects. The table lock is always taken before any
// resource lock; the only ways to lock a resource through this package
// (Acquire, Unlink) bake that order in, so callers cannot get it wrong.
package handles

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutOfHandles is returned when no free handle remains in range.
	ErrOutOfHandles = errors.New("handles: no free handle in range")
	// ErrHandleInUse is returned when a host-issued handle collides with
	// a live entry.
	ErrHandleInUse = errors.New("handles: handle already in use")
)

// Resource is an object owned by a table entry. Lock and Unlock guard
// the resource's internal state and must only be reached through the
// table's Acquire and Unlink methods.
type Resource interface {
	Lock()
	Unlock()
}

// Table is a locked integer-keyed handle table. At most one live entry
// exists per handle value; a handle is removed strictly before its
// resource is released, and a removed value can be reissued only after
// the removal completed under the table lock.
type Table struct {
	mu      sync.Mutex
	entries map[uint32]Resource
	next    uint32
}

func NewTable() *Table {
	return &Table{entries: make(map[uint32]Resource)}
}

// Insert allocates the next free handle in [min, max) and associates the
// resource returned by populate with it. populate runs under the table
// lock, so the entry is never visible half-initialized.
func (t *Table) Insert(min, max uint32, populate func(handle uint32) Resource) (uint32, error) {
	if min >= max {
		return 0, fmt.Errorf("handles: invalid range [%d, %d): %w", min, max, ErrOutOfHandles)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.freeIDLocked(min, max)
	if !ok {
		return 0, ErrOutOfHandles
	}
	t.entries[id] = populate(id)
	t.next = id + 1
	return id, nil
}

// freeIDLocked scans for the lowest free value, starting from the
// allocation cursor and wrapping once.
func (t *Table) freeIDLocked(min, max uint32) (uint32, bool) {
	start := t.next
	if start < min || start >= max {
		start = min
	}
	for id := start; id < max; id++ {
		if _, live := t.entries[id]; !live {
			return id, true
		}
	}
	for id := min; id < start; id++ {
		if _, live := t.entries[id]; !live {
			return id, true
		}
	}
	return 0, false
}

// InsertID associates a specific handle value, as issued by the host.
func (t *Table) InsertID(id uint32, r Resource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, live := t.entries[id]; live {
		return fmt.Errorf("handles: insert %d: %w", id, ErrHandleInUse)
	}
	t.entries[id] = r
	return nil
}

// Lookup returns the resource without locking it. The resource is only
// guaranteed live while the caller is inside a View callback; use Lookup
// alone only when a stale answer is acceptable.
func (t *Table) Lookup(id uint32) (Resource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[id]
	return r, ok
}

// View runs fn under the table lock if the handle is live, giving the
// caller a window to take its own reference before the lock drops.
func (t *Table) View(id uint32, fn func(Resource)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[id]
	if ok {
		fn(r)
	}
	return ok
}

// Acquire locks the resource behind id and returns it locked, releasing
// the table lock before returning. The caller must Unlock the resource.
func (t *Table) Acquire(id uint32) (Resource, bool) {
	t.mu.Lock()
	r, ok := t.entries[id]
	if ok {
		r.Lock()
	}
	t.mu.Unlock()
	return r, ok
}

// Unlink removes the association, holding both the table lock and the
// resource lock across the removal. It does not release the resource;
// freeing happens after the caller drops its remaining references.
// Unlinking a handle that is not live is a programming error.
func (t *Table) Unlink(id uint32) Resource {
	t.mu.Lock()
	r, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		panic(fmt.Sprintf("handles: remove of unknown handle %d", id))
	}
	r.Lock()
	delete(t.entries, id)
	r.Unlock()
	t.mu.Unlock()
	return r
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Handles returns a snapshot of the live handle values.
func (t *Table) Handles() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint32, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	return ids
}

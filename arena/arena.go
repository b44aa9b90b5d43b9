// Package arena implements the dense read-ordinal allocator the Basecaller
// uses to back-reference a chunk's owning read without the chunk holding a
// shared owning reference (§9 Design Notes: "Back-references").
package arena

import (
	"sync"

	"github.com/rs/xid"
)

// Arena stores read-like values T indexed by a dense ordinal assigned at
// chunker entry. Slots are freed when the owning read is forwarded
// downstream, matching the spec's "arena slot is freed when the read is
// forwarded."
type Arena[T any] struct {
	mu    sync.Mutex
	slots map[uint64]T
	next  uint64
}

// New returns an empty Arena.
func New[T any]() *Arena[T] {
	return &Arena[T]{slots: make(map[uint64]T)}
}

// Put assigns the next dense ordinal to v and stores it, returning the
// ordinal.
func (a *Arena[T]) Put(v T) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	ord := a.next
	a.slots[ord] = v
	return ord
}

// Get returns the value stored at ordinal and whether it was present.
func (a *Arena[T]) Get(ordinal uint64) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.slots[ordinal]
	return v, ok
}

// Update replaces the value stored at ordinal, if present.
func (a *Arena[T]) Update(ordinal uint64, v T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.slots[ordinal]; ok {
		a.slots[ordinal] = v
	}
}

// Free removes ordinal from the arena, returning its last value.
func (a *Arena[T]) Free(ordinal uint64) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.slots[ordinal]
	delete(a.slots, ordinal)
	return v, ok
}

// Len reports the number of resident slots, for bounded-memory tests.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

// NewReadGroupID returns a process-unique, lexicographically sortable read
// identifier, used when a DataLoader-provided read lacks one. Grounded on
// the teacher's use of github.com/rs/xid for phono.UID.
func NewReadGroupID() string {
	return xid.New().String()
}

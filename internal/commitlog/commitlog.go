// Package commitlog implements the commit ring of spec.md §3: an ordered
// map keyed by monotonically increasing correlation id, holding every
// committed dirty page awaiting flush.
package commitlog

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tsengine/tsengine/internal/page"
)

// Ring is the dirty-page commit ring. Entries are inserted with a fresh,
// monotonically increasing correlation id and removed once flushed.
type Ring struct {
	mu      sync.Mutex
	nextID  atomic.Uint64
	order   []uint64
	entries map[uint64]*page.Descriptor
}

// NewRing creates an empty commit ring.
func NewRing() *Ring {
	return &Ring{entries: make(map[uint64]*page.Descriptor)}
}

// NextCorrelationID allocates the next id without inserting, for callers
// that need to stamp a descriptor before committing it.
func (r *Ring) NextCorrelationID() uint64 {
	return r.nextID.Add(1)
}

// Insert records d as dirty under correlationID. correlationID must have
// come from NextCorrelationID and must not already be present.
func (r *Ring) Insert(correlationID uint64, d *page.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[correlationID]; exists {
		return
	}
	r.entries[correlationID] = d
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= correlationID })
	r.order = append(r.order, 0)
	copy(r.order[i+1:], r.order[i:])
	r.order[i] = correlationID
}

// Remove deletes the entry for correlationID, used once its page has
// flushed successfully.
func (r *Ring) Remove(correlationID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[correlationID]; !ok {
		return
	}
	delete(r.entries, correlationID)
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= correlationID })
	if i < len(r.order) && r.order[i] == correlationID {
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
}

// CommittedPages returns the ring's current size.
func (r *Ring) CommittedPages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Oldest returns the descriptor with the smallest correlation id still
// in the ring, the next candidate for flush or forced eviction under
// backpressure (spec.md §4.6). Returns false if the ring is empty.
func (r *Ring) Oldest() (id uint64, d *page.Descriptor, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return 0, nil, false
	}
	id = r.order[0]
	return id, r.entries[id], true
}

// Drain returns up to n of the oldest entries (correlation id ascending)
// for batched flush, without removing them.
func (r *Ring) Drain(n int) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.order) {
		n = len(r.order)
	}
	out := make([]uint64, n)
	copy(out, r.order[:n])
	return out
}

// Lookup returns the descriptor registered under correlationID.
func (r *Ring) Lookup(correlationID uint64) (*page.Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.entries[correlationID]
	return d, ok
}

// Package pageindex implements the per-metric page index and the global
// metrics index of spec.md §3: an ordered map from start_time to page
// descriptor for one metric, and a UUID-keyed registry of those indexes
// for the whole engine instance.
package pageindex

import (
	"sort"
	"sync"

	"github.com/tsengine/tsengine/internal/metricid"
	"github.com/tsengine/tsengine/internal/page"
)

// MetricIndex is the ordered map time->descriptor for one metric. Many
// concurrent readers are allowed; inserting or extending takes the
// writer lock.
type MetricIndex struct {
	mu sync.RWMutex

	metric metricid.ID
	// starts is kept sorted ascending; entries[starts[i]] is the
	// descriptor whose start_time is starts[i].
	starts  []int64
	entries map[int64]*page.Descriptor

	writerCount int // active collectors, spec.md §3 "write-count"
}

// NewMetricIndex creates an empty index for metric.
func NewMetricIndex(metric metricid.ID) *MetricIndex {
	return &MetricIndex{
		metric:  metric,
		entries: make(map[int64]*page.Descriptor),
	}
}

// Metric returns the owning metric id.
func (mi *MetricIndex) Metric() metricid.ID { return mi.metric }

// OldestTime returns the earliest start_time among all pages, or
// page.InvalidTime if empty.
func (mi *MetricIndex) OldestTime() int64 {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	if len(mi.starts) == 0 {
		return page.InvalidTime
	}
	return mi.starts[0]
}

// LatestTime returns the maximum end_time among all pages, or
// page.InvalidTime if empty.
func (mi *MetricIndex) LatestTime() int64 {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	latest := page.InvalidTime
	for _, start := range mi.starts {
		_, end := mi.entries[start].Times()
		if end > latest {
			latest = end
		}
	}
	return latest
}

// PageCount returns the number of descriptors currently tracked.
func (mi *MetricIndex) PageCount() int {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	return len(mi.starts)
}

// Insert adds a new descriptor keyed by its current start_time. The
// descriptor must already have a valid start_time (i.e. hold at least
// one sample).
func (mi *MetricIndex) Insert(d *page.Descriptor) {
	start, _ := d.Times()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if _, exists := mi.entries[start]; exists {
		mi.entries[start] = d
		return
	}
	mi.entries[start] = d
	i := sort.Search(len(mi.starts), func(i int) bool { return mi.starts[i] >= start })
	mi.starts = append(mi.starts, 0)
	copy(mi.starts[i+1:], mi.starts[i:])
	mi.starts[i] = start
}

// Remove deletes the descriptor at start_time, used when a page is
// punched out empty (spec.md §8 scenario 3) or evicted entirely.
func (mi *MetricIndex) Remove(start int64) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if _, ok := mi.entries[start]; !ok {
		return
	}
	delete(mi.entries, start)
	i := sort.Search(len(mi.starts), func(i int) bool { return mi.starts[i] >= start })
	if i < len(mi.starts) && mi.starts[i] == start {
		mi.starts = append(mi.starts[:i], mi.starts[i+1:]...)
	}
}

// LookupExact returns the descriptor whose start_time exactly equals t.
func (mi *MetricIndex) LookupExact(t int64) (*page.Descriptor, bool) {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	d, ok := mi.entries[t]
	return d, ok
}

// LookupNext returns the descriptor covering or immediately following t:
// the first entry whose [start,end] range contains t, or failing that
// the first entry whose start_time > t. Returns false if none exists.
func (mi *MetricIndex) LookupNext(t int64) (*page.Descriptor, bool) {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	i := sort.Search(len(mi.starts), func(i int) bool { return mi.starts[i] > t })
	// Candidate immediately before i may still cover t.
	if i > 0 {
		d := mi.entries[mi.starts[i-1]]
		_, end := d.Times()
		if end >= t {
			return d, true
		}
	}
	if i < len(mi.starts) {
		return mi.entries[mi.starts[i]], true
	}
	return nil, false
}

// LookupFilteredPrev returns the last descriptor with start_time <= t
// satisfying keep, scanning backward. Used by the query path's boundary
// fallback chain (spec.md §6 variable-step regions) when the immediate
// predecessor has been evicted or doesn't match a filter.
func (mi *MetricIndex) LookupFilteredPrev(t int64, keep func(*page.Descriptor) bool) (*page.Descriptor, bool) {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	i := sort.Search(len(mi.starts), func(i int) bool { return mi.starts[i] > t })
	for j := i - 1; j >= 0; j-- {
		d := mi.entries[mi.starts[j]]
		if keep == nil || keep(d) {
			return d, true
		}
	}
	return nil, false
}

// Preload returns every descriptor whose range intersects [from, to],
// in ascending start_time order, for the query path to pin ahead of
// sequential decode.
func (mi *MetricIndex) Preload(from, to int64) []*page.Descriptor {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	var out []*page.Descriptor
	for _, start := range mi.starts {
		d := mi.entries[start]
		s, e := d.Times()
		if e < from || s > to {
			continue
		}
		out = append(out, d)
	}
	return out
}

// AddNewMetricTime is a no-op hook that the collect path calls on every
// sample after a page's first; present for symmetry with the source's
// add_new_metric_time and kept minimal because OldestTime/LatestTime are
// already computed on demand.
func (mi *MetricIndex) AddNewMetricTime(int64) {}

// IncWriterCount/DecWriterCount track active collectors. A metric has at
// most one active collector per spec.md §1 non-goals, but the counter is
// kept general for symmetry with the source.
func (mi *MetricIndex) IncWriterCount() {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	mi.writerCount++
}

func (mi *MetricIndex) DecWriterCount() {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	mi.writerCount--
}

func (mi *MetricIndex) WriterCount() int {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	return mi.writerCount
}

// CanDelete reports whether this metric's index holds no pages and has
// no active writers, the condition collect_finalize checks before
// letting a metric's index entry be reclaimed.
func (mi *MetricIndex) CanDelete() bool {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	return len(mi.starts) == 0 && mi.writerCount == 0
}

// GlobalIndex maps metric UUID -> MetricIndex, and maintains the
// insertion-ordered list for host-wide enumeration (spec.md §3).
type GlobalIndex struct {
	mu      sync.RWMutex
	byID    map[metricid.ID]*MetricIndex
	ordered []metricid.ID
}

// NewGlobalIndex creates an empty global index.
func NewGlobalIndex() *GlobalIndex {
	return &GlobalIndex{byID: make(map[metricid.ID]*MetricIndex)}
}

// GetOrCreate returns the existing MetricIndex for id, or creates and
// registers a new one. Metric index entries persist for the engine's
// lifetime once created (spec.md §2 lifecycle).
func (g *GlobalIndex) GetOrCreate(id metricid.ID) *MetricIndex {
	g.mu.RLock()
	mi, ok := g.byID[id]
	g.mu.RUnlock()
	if ok {
		return mi
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if mi, ok := g.byID[id]; ok {
		return mi
	}
	mi = NewMetricIndex(id)
	g.byID[id] = mi
	g.ordered = append(g.ordered, id)
	return mi
}

// Get returns the MetricIndex for id without creating one.
func (g *GlobalIndex) Get(id metricid.ID) (*MetricIndex, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	mi, ok := g.byID[id]
	return mi, ok
}

// Rekey moves the index registered under oldID to newID, used for the
// legacy->multihost rewrite (spec.md §8 scenario 5). If newID already has
// an entry, the existing entry is reused and oldID's is discarded rather
// than creating a duplicate. Returns the index now addressable under
// newID.
func (g *GlobalIndex) Rekey(oldID, newID metricid.ID) *MetricIndex {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.byID[newID]; ok {
		if _, had := g.byID[oldID]; had {
			delete(g.byID, oldID)
			for i, id := range g.ordered {
				if id == oldID {
					g.ordered = append(g.ordered[:i], g.ordered[i+1:]...)
					break
				}
			}
		}
		return existing
	}

	mi, ok := g.byID[oldID]
	if !ok {
		return g.getOrCreateLocked(newID)
	}
	delete(g.byID, oldID)
	mi.metric = newID
	g.byID[newID] = mi
	for i, id := range g.ordered {
		if id == oldID {
			g.ordered[i] = newID
			break
		}
	}
	return mi
}

func (g *GlobalIndex) getOrCreateLocked(id metricid.ID) *MetricIndex {
	if mi, ok := g.byID[id]; ok {
		return mi
	}
	mi := NewMetricIndex(id)
	g.byID[id] = mi
	g.ordered = append(g.ordered, id)
	return mi
}

// Ordered returns the metric ids in insertion order, for host-wide
// enumeration.
func (g *GlobalIndex) Ordered() []metricid.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]metricid.ID, len(g.ordered))
	copy(out, g.ordered)
	return out
}

// Len returns the number of registered metric indexes.
func (g *GlobalIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byID)
}

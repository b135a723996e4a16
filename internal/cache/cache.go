// Package cache implements admission control and eviction for the page
// cache engine (spec.md §4.6): enforcing page and disk quotas, choosing
// eviction victims among clean pages, and applying backpressure when the
// commit ring fills.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/tsengine/tsengine/internal/constants"
	"github.com/tsengine/tsengine/internal/metricid"
	"github.com/tsengine/tsengine/internal/page"
)

// pageKey identifies one descriptor for the clean-page LRU.
type pageKey struct {
	metric metricid.ID
	start  int64
}

// Admission enforces page-count quotas and tracks clean-page eviction
// candidates. It never touches dirty pages; those are only removed via
// the commit ring's backpressure path (spec.md §4.6 scenario 4).
type Admission struct {
	mu sync.Mutex

	maxPages int
	lru      *lru.LRU[pageKey, *page.Descriptor]

	// halfLimit/hardLimit gate the commit ring's over_half_dirty and
	// forced-drop behavior; expressed as page counts derived from
	// maxPages at construction.
	halfLimit int
	hardLimit int

	// lowWatermark is the populated-page threshold above which the worker
	// proactively evicts clean pages in steady state, rather than waiting
	// for AdmitNewPage to refuse outright (spec.md §4.6).
	lowWatermark int

	// overHalfDirty is the sticky state behind NoteCommittedPages' "log
	// once" contract: true once the ring has crossed halfLimit, reset
	// once it drops back under.
	overHalfDirty bool
}

// NewAdmission creates an admission controller for a page cache holding
// up to maxPages resident pages. halfLimit and hardLimit are derived as
// maxPages/2 and maxPages respectively, matching the "hard_committed_limit
// == max_pages" boundary scenario in spec.md §8.
func NewAdmission(maxPages int) *Admission {
	a := &Admission{
		maxPages:     maxPages,
		halfLimit:    maxPages / 2,
		hardLimit:    maxPages,
		lowWatermark: int(float64(maxPages) * constants.LowWatermarkFraction),
	}
	// onEvict is unused: descriptors are evicted only through EvictOldest,
	// which re-checks CanEvict before releasing the buffer; the LRU here
	// only orders candidates.
	l, _ := lru.NewLRU[pageKey, *page.Descriptor](maxPages, nil)
	a.lru = l
	return a
}

// Touch registers d as a clean-page eviction candidate, or refreshes its
// recency if already tracked. Callers touch a descriptor once it becomes
// unpinned and non-dirty (i.e. CanEvict() becomes true).
func (a *Admission) Touch(d *page.Descriptor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start, _ := d.Times()
	a.lru.Add(pageKey{metric: d.Metric(), start: start}, d)
}

// Forget removes d from eviction candidacy, used when it becomes dirty
// or pinned again, or when it is deleted from its metric index.
func (a *Admission) Forget(d *page.Descriptor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start, _ := d.Times()
	a.lru.Remove(pageKey{metric: d.Metric(), start: start})
}

// EvictOldest pops the least-recently-touched clean candidate and evicts
// it (releasing its buffer), returning the evicted descriptor. Returns
// false if no clean candidate is available; the caller (worker) must
// then fall back to the commit-ring backpressure path.
func (a *Admission) EvictOldest() (*page.Descriptor, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, d, ok := a.lru.RemoveOldest()
	if !ok {
		return nil, false
	}
	if !d.CanEvict() {
		// Raced with a new pin/dirty transition; drop it from
		// candidacy without evicting, caller may retry.
		return nil, false
	}
	d.Evict()
	return d, true
}

// Candidates returns the current number of tracked clean-page candidates.
func (a *Admission) Candidates() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lru.Len()
}

// AdmitNewPage reports whether a new page may be created given the
// current number of populated pages. If populated >= maxPages, the
// caller must first evict (or fail admission if nothing is evictable).
func (a *Admission) AdmitNewPage(populated int) bool {
	return populated < a.maxPages
}

// OverHalfDirty reports whether committedPages has reached the
// half-limit derived from maxPages, the condition that increments
// over_half_dirty_events (spec.md §6).
func (a *Admission) OverHalfDirty(committedPages int) bool {
	return committedPages >= a.halfLimit
}

// NoteCommittedPages updates the sticky over_half_dirty state for the
// current commit ring size, returning true exactly once on the
// transition from under to at-or-over half_limit (spec.md §4.6's "log
// once" requirement). The state resets once the ring drops back under
// half_limit, so crossing it again reports true again.
func (a *Admission) NoteCommittedPages(committedPages int) (justCrossed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	over := committedPages >= a.halfLimit
	if over && !a.overHalfDirty {
		a.overHalfDirty = true
		return true
	}
	if !over {
		a.overHalfDirty = false
	}
	return false
}

// AtHardLimit reports whether committedPages has reached the hard
// commit-ring limit, the condition that triggers forced eviction under
// drop_metrics_under_page_cache_pressure (spec.md §8 scenario 4).
func (a *Admission) AtHardLimit(committedPages int) bool {
	return committedPages >= a.hardLimit
}

// MaxPages returns the configured page-count quota.
func (a *Admission) MaxPages() int { return a.maxPages }

// AboveLowWatermark reports whether populated exceeds low_watermark =
// 0.95 * max_pages, the threshold above which the worker proactively
// evicts clean pages in steady state rather than waiting until a new
// page is refused outright (spec.md §4.6).
func (a *Admission) AboveLowWatermark(populated int) bool {
	return populated > a.lowWatermark
}

// Package collect implements the collect handle of spec.md §4.4: the
// append path that writes samples into pages, handles chart alignment
// hints, and commits full pages to the worker's dirty-page ring.
package collect

import (
	"errors"

	"github.com/tsengine/tsengine/internal/cache"
	"github.com/tsengine/tsengine/internal/commitlog"
	"github.com/tsengine/tsengine/internal/constants"
	"github.com/tsengine/tsengine/internal/metricid"
	"github.com/tsengine/tsengine/internal/page"
	"github.com/tsengine/tsengine/internal/pageindex"
	"github.com/tsengine/tsengine/internal/stats"
)

// ErrResourceExhausted is returned by Append when a new page is needed
// but the cache's hard population limit is reached and no eviction
// could free a slot (spec.md §4.1 create_page contract).
var ErrResourceExhausted = errors.New("collect: no admissible page slot")

// Logger is the minimal logging surface flushCurrentPage uses to report
// the over-half-dirty transition once (spec.md §4.6). Matches
// *logging.Logger's Printf shape.
type Logger interface {
	Printf(format string, args ...interface{})
}

// ErrQuiescing is returned by Append when a new page would be required
// but the engine has begun quiescing (spec.md §4.8): a collector already
// appending to an open page may keep going and Finalize normally, but no
// further page may be created once quiesce has started.
var ErrQuiescing = errors.New("collect: engine is quiescing, refusing new pages")

// EmptySample is the reserved sample value meaning "no data at this
// slot" (spec.md glossary). Samples are fixed-width 4-byte values;
// 0x7fffffff is reserved as the sentinel, matching a NaN-like convention
// for fixed-point sample encodings.
const EmptySample uint32 = 0x7fffffff

// Handle is one collect handle, per spec.md §4.4: at most one per metric
// at a time, enforced by the metric index's writer-count invariant.
type Handle struct {
	metricIndex *pageindex.MetricIndex
	ring        *commitlog.Ring
	admission   *cache.Admission
	metrics     *stats.Metrics

	currentPage *page.Descriptor
	prevPage    *page.Descriptor

	pageCorrelationID uint64
	unalignedPage     bool

	sampleSize int
	pageSize   int

	dropHook   func() bool
	quiescedFn func() bool
	logger     Logger
}

// SetDropHook installs the forced-eviction callback used when the commit
// ring is at its hard limit under drop_metrics_under_page_cache_pressure
// (spec.md §8 scenario 4). It is called after a commit leaves the ring at
// or above its hard limit. The hook is expected to ask the engine's
// worker to sacrifice the oldest dirty page; its bool result is
// informational only; the page just committed stays committed either way.
func (h *Handle) SetDropHook(hook func() bool) { h.dropHook = hook }

// SetQuiescedCheck installs the callback Append consults before creating
// a new page (spec.md §4.8). The engine wires this to its own quiesced
// flag so a collector started before Quiesce still has its next page
// rollover refused once quiescing begins.
func (h *Handle) SetQuiescedCheck(fn func() bool) { h.quiescedFn = fn }

// SetLogger installs the logger used to report the commit ring crossing
// half its configured limit (spec.md §4.6), once per crossing.
func (h *Handle) SetLogger(logger Logger) { h.logger = logger }

// Init creates a collect handle for metricIndex, incrementing its writer
// count. Panics if a second writer is started for the same metric index
// (spec.md §4.4 "writers ≤ 1", described as an AssertionFailed).
func Init(metricIndex *pageindex.MetricIndex, ring *commitlog.Ring, admission *cache.Admission, metrics *stats.Metrics) *Handle {
	if metricIndex.WriterCount() >= 1 {
		panic("collect: metric index already has an active collector")
	}
	metricIndex.IncWriterCount()
	return &Handle{
		metricIndex: metricIndex,
		ring:        ring,
		admission:   admission,
		metrics:     metrics,
		sampleSize:  constants.SampleSize,
		pageSize:    constants.PageSize,
	}
}

// Append writes one sample at pointInTime, applying the chart alignment
// hint exactly as spec.md §4.4 step 1 describes. alignmentHint is the
// owning chart's chart_page_alignment_hint (bytes of the leading
// dimension's current page); the returned newHint should be written back
// by the caller when this dimension becomes the leading dimension.
//
// Append silently drops the point (returning ok=false) if pointInTime is
// not strictly after the metric's latest_time, per spec.md §4.2's
// out-of-order handling at this layer. It returns ErrResourceExhausted
// if a new page is required and none can be admitted.
func (h *Handle) Append(pointInTime int64, sample uint32, alignmentHint int) (newHint int, ok bool, err error) {
	latest := h.metricIndex.LatestTime()
	if latest != page.InvalidTime && pointInTime <= latest {
		return alignmentHint, false, nil
	}

	perfectAlignment := false
	forceFlush := false
	if h.currentPage != nil {
		length := h.currentPage.Buffer().Length
		if length == alignmentHint {
			perfectAlignment = true
		}
		if length+h.sampleSize < alignmentHint {
			h.unalignedPage = true
		}
		if h.unalignedPage && alignmentHint <= h.sampleSize {
			forceFlush = true
		}
	}

	needsNewPage := h.currentPage == nil || forceFlush
	if h.currentPage != nil {
		length := h.currentPage.Buffer().Length
		if length+h.sampleSize > h.pageSize {
			needsNewPage = true
		}
	}

	if needsNewPage {
		h.flushCurrentPage()
		if h.quiescedFn != nil && h.quiescedFn() {
			return alignmentHint, false, ErrQuiescing
		}
		if !h.createPage() {
			return alignmentHint, false, ErrResourceExhausted
		}
		// rrdengineapi.c: a page created while the chart's alignment hint
		// is still zero is unconditionally perfectly aligned. This is what
		// lets the hint bootstrap away from zero on a chart's very first
		// sample, when there was no currentPage to compare against above.
		if alignmentHint == 0 {
			perfectAlignment = true
		}
	}

	buf := h.currentPage.Buffer()
	offset := buf.Length
	writeSample(buf.Data, offset, sample)
	newLength := offset + h.sampleSize

	wasFirstSample := false
	start, _ := h.currentPage.Times()
	if start == page.InvalidTime {
		wasFirstSample = true
	}

	h.currentPage.SetInfo(pointInTime, pointInTime, newLength)

	if perfectAlignment {
		newHint = newLength
	} else {
		newHint = alignmentHint
	}

	if wasFirstSample {
		h.metricIndex.Insert(h.currentPage)
		if h.metrics != nil {
			h.metrics.IncActiveProducers()
		}
	} else {
		h.metricIndex.AddNewMetricTime(pointInTime)
	}

	return newHint, true, nil
}

func writeSample(data []byte, offset int, sample uint32) {
	data[offset] = byte(sample)
	data[offset+1] = byte(sample >> 8)
	data[offset+2] = byte(sample >> 16)
	data[offset+3] = byte(sample >> 24)
}

func readSample(data []byte, offset int) uint32 {
	return uint32(data[offset]) | uint32(data[offset+1])<<8 | uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24
}

// createPage allocates a fresh descriptor and assigns it a correlation
// id, per spec.md §4.1/§4.4 step 2. Admission is checked against the
// cache's hard population limit; if full, one clean-page eviction is
// attempted before refusing outright (ResourceExhausted).
func (h *Handle) createPage() bool {
	if h.admission != nil && h.metrics != nil && !h.admission.AdmitNewPage(int(h.metrics.PopulatedPages())) {
		if _, evicted := h.admission.EvictOldest(); !evicted {
			return false
		}
		h.metrics.SetPopulatedPages(h.metrics.PopulatedPages() - 1)
	}

	d := page.NewDescriptor(h.metricIndex.Metric())
	d.Populate(page.NewBuffer(h.pageSize))
	d.Pin()
	h.currentPage = d
	h.pageCorrelationID = h.ring.NextCorrelationID()
	if h.metrics != nil {
		h.metrics.IncTotalDescriptors()
		h.metrics.SetPopulatedPages(h.metrics.PopulatedPages() + 1)
	}
	return true
}

// flushCurrentPage implements spec.md §4.4's flush_current_page: empty
// pages are discarded without a commit, all-sentinel pages are punched
// out, otherwise the page is committed to the ring.
//
// prevPage is tracked purely as an identity pointer, never pinned: per
// SPEC_FULL.md's Open Question decision (grounded on the source's own
// warning that an extra pin on a rotated page deadlocks eviction), the
// collector holds no additional reference on the page it just committed.
func (h *Handle) flushCurrentPage() {
	if h.currentPage == nil {
		return
	}
	d := h.currentPage
	h.currentPage = nil
	h.prevPage = nil

	buf := d.Buffer()
	if buf.Length == 0 {
		d.Unpin()
		return
	}

	if h.metrics != nil {
		h.metrics.DecActiveProducers()
	}

	if allEmptySamples(buf, h.sampleSize) {
		start, _ := d.Times()
		h.metricIndex.Remove(start)
		d.Unpin()
		return
	}

	d.MarkDirty(h.pageCorrelationID)
	h.ring.Insert(h.pageCorrelationID, d)
	committed := h.ring.CommittedPages()
	if h.metrics != nil {
		h.metrics.SetCommittedPages(int64(committed))
	}
	if h.dropHook != nil && h.admission != nil && h.admission.AtHardLimit(committed) {
		h.dropHook()
	}
	if h.admission != nil && h.admission.NoteCommittedPages(committed) {
		if h.metrics != nil {
			h.metrics.IncOverHalfDirtyEvents()
		}
		if h.logger != nil {
			h.logger.Printf("collect: commit ring over half dirty (committed=%d)", committed)
		}
	}
	d.Unpin()
	h.prevPage = d
}

func allEmptySamples(buf *page.Buffer, sampleSize int) bool {
	for off := 0; off+sampleSize <= buf.Length; off += sampleSize {
		if readSample(buf.Data, off) != EmptySample {
			return false
		}
	}
	return true
}

// Finalize flushes the current page, clears the (never pinned) prev-page
// pointer, decrements the writer count, and reports whether the
// caller may now drop this metric's index entry entirely (spec.md
// §4.4's can_delete_metric).
func (h *Handle) Finalize() (canDeleteMetric bool) {
	h.flushCurrentPage()
	h.prevPage = nil
	h.metricIndex.DecWriterCount()
	return h.metricIndex.CanDelete()
}

// Metric returns the metric this handle is collecting for.
func (h *Handle) Metric() metricid.ID { return h.metricIndex.Metric() }

// Package query implements the query handle of spec.md §4.5: the scan
// path that preloads pages for a time range and decodes samples
// sequentially, plus the variable-step region inference exposed to the
// query engine.
package query

import (
	"fmt"

	"github.com/tsengine/tsengine/internal/constants"
	"github.com/tsengine/tsengine/internal/page"
	"github.com/tsengine/tsengine/internal/pageindex"
)

// EmptySample mirrors collect.EmptySample; query_next returns it on
// exhaustion rather than importing the collect package for one constant.
const EmptySample uint32 = 0x7fffffff

// Loader fetches a page's buffer from the external codec when a
// preloaded descriptor has been evicted (or never resided in memory) by
// the time the query path reaches it. Set via Handle.SetLoader.
type Loader func(d *page.Descriptor) error

// Handle is one query handle, per spec.md §4.5.
type Handle struct {
	metricIndex *pageindex.MetricIndex
	loader      Loader

	current     *page.Descriptor
	nextPageSec int64 // microseconds despite the name, matching the source's _sec-suffixed field that actually holds a microsecond cursor
	startSec    int64
	endSec      int64

	position int // sample index within current page
	err      error

	sampleSize int
}

// SetLoader installs the on-demand page loader used when Next encounters
// an unpopulated descriptor (spec.md §4.6's read-pending path, driven
// through the engine's single worker).
func (h *Handle) SetLoader(l Loader) { h.loader = l }

// Err returns the first load error encountered by Next, if any. Once
// set, the handle reports IsFinished() and Next returns EmptySample.
func (h *Handle) Err() error { return h.err }

// Init preloads pages intersecting [startSec, endSec] (seconds) and
// prepares the handle to scan forward. If no page matches, the handle is
// immediately exhausted.
func Init(metricIndex *pageindex.MetricIndex, startSec, endSec int64) *Handle {
	h := &Handle{
		metricIndex: metricIndex,
		startSec:    startSec,
		endSec:      endSec,
		sampleSize:  constants.SampleSize,
	}

	from, to := startSec*1_000_000, endSec*1_000_000
	pages := metricIndex.Preload(from, to)
	if len(pages) == 0 {
		h.nextPageSec = page.InvalidTime
		return h
	}
	h.nextPageSec = from
	return h
}

// IsFinished reports whether the handle has no more samples to return.
func (h *Handle) IsFinished() bool {
	return h.nextPageSec == page.InvalidTime
}

// Next returns the next (sample, currentTimeMicros) pair, or
// (EmptySample, 0) once exhausted.
func (h *Handle) Next() (sample uint32, currentTime int64) {
	for {
		if h.IsFinished() {
			return EmptySample, 0
		}

		if h.current == nil {
			d, ok := h.metricIndex.LookupNext(h.nextPageSec)
			if !ok {
				h.finish()
				return EmptySample, 0
			}
			start, end := d.Times()
			if start > h.endSec*1_000_000 || end < h.startSec*1_000_000 {
				h.finish()
				return EmptySample, 0
			}
			d.Pin()
			h.current = d

			if d.Buffer() == nil {
				if h.loader == nil {
					d.Unpin()
					h.current = nil
					h.err = fmt.Errorf("query: page for metric not resident and no loader configured")
					h.finish()
					return EmptySample, 0
				}
				if err := h.loader(d); err != nil {
					d.Unpin()
					h.current = nil
					h.err = err
					h.finish()
					return EmptySample, 0
				}
			}

			fromMicros := h.startSec * 1_000_000
			if start < fromMicros {
				entries := d.Buffer().SampleCount(h.sampleSize)
				if entries > 1 {
					span := end - start
					frac := float64(fromMicros-start) / float64(span)
					h.position = int(frac * float64(entries-1))
				} else {
					h.position = 0
				}
			} else {
				h.position = 0
			}
		}

		buf := h.current.Buffer()
		entries := buf.SampleCount(h.sampleSize)
		if h.position >= entries {
			_, end := h.current.Times()
			h.current.Unpin()
			h.current = nil
			h.nextPageSec = (end/1_000_000 + 1) * 1_000_000
			continue
		}

		start, end := h.current.Times()
		var dt int64
		if entries > 1 {
			dt = (end - start) / int64(entries-1)
		}
		currentTime = start + int64(h.position)*dt
		sample = readSample(buf.Data, h.position*h.sampleSize)
		h.position++
		return sample, currentTime
	}
}

func (h *Handle) finish() {
	if h.current != nil {
		h.current.Unpin()
		h.current = nil
	}
	h.nextPageSec = page.InvalidTime
}

// Finalize releases any pinned descriptor, idempotent.
func (h *Handle) Finalize() {
	h.finish()
}

func readSample(data []byte, offset int) uint32 {
	return uint32(data[offset]) | uint32(data[offset+1])<<8 | uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24
}

// Region is one contiguous run of pages sharing an inferred collection
// interval, per spec.md §4.5's variable-step boundaries.
type Region struct {
	StartTime   int64 // microseconds
	Points      int
	UpdateEvery int64 // seconds
}

// VariableStepBoundaries groups metricIndex's pages overlapping [from,
// to] (microseconds) into regions of constant inferred Δt, returning the
// regions in time order and the maximum Δt seen (seconds).
func VariableStepBoundaries(metricIndex *pageindex.MetricIndex, from, to int64) (regions []Region, maxInterval int64) {
	pages := metricIndex.Preload(from, to)
	if len(pages) == 0 {
		return nil, 0
	}

	var prevDt int64 = -1
	for _, d := range pages {
		start, end := d.Times()
		entries := d.Buffer().SampleCount(constants.SampleSize)
		if entries == 0 {
			continue
		}

		var dtSec int64
		if entries > 1 {
			dtMicros := (end - start) / int64(entries-1)
			dtSec = roundMicrosToSec(dtMicros)
		} else if prevDt >= 0 {
			dtSec = prevDt
		} else {
			dtSec, _ = fallbackInterval(metricIndex, start)
		}

		if dtSec > maxInterval {
			maxInterval = dtSec
		}

		if len(regions) > 0 && regions[len(regions)-1].UpdateEvery == dtSec {
			last := &regions[len(regions)-1]
			last.Points += entries
		} else {
			regions = append(regions, Region{StartTime: start, Points: entries, UpdateEvery: dtSec})
		}

		if entries > 1 {
			prevDt = dtSec
		}
	}
	return regions, maxInterval
}

func roundMicrosToSec(micros int64) int64 {
	if micros <= 0 {
		return 0
	}
	return (micros + 500_000) / 1_000_000
}

// fallbackInterval looks up the nearest earlier page with >= 2 points and
// valid times via LookupFilteredPrev, per spec.md §4.5's fallback chain.
// Returns (interval, found); callers default to 0 (caller-supplied
// collection interval) when not found — the metric's own configured
// collection interval is out of scope for this package and must be
// supplied by the caller if a nonzero default is required.
func fallbackInterval(metricIndex *pageindex.MetricIndex, before int64) (int64, bool) {
	d, ok := metricIndex.LookupFilteredPrev(before, func(d *page.Descriptor) bool {
		s, e := d.Times()
		if s == page.InvalidTime || e == page.InvalidTime {
			return false
		}
		return d.Buffer().SampleCount(constants.SampleSize) >= 2
	})
	if !ok {
		return 0, false
	}
	s, e := d.Times()
	entries := d.Buffer().SampleCount(constants.SampleSize)
	return roundMicrosToSec((e - s) / int64(entries-1)), true
}

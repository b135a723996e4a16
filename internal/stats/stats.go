// Package stats holds the engine's atomic statistics counters and
// pluggable Observer interface (spec.md §6).
package stats

import "sync/atomic"

// statIndex names the fixed positions of the 37 statistics fields of
// spec.md §6, in the exact order listed there. Export() reports in this
// order.
type statIndex int

const (
	statActiveProducers statIndex = iota
	statActiveConsumers
	statTotalDescriptors
	statPopulatedPages
	statCommittedPages
	statCacheInsertions
	statCacheDeletions
	statCacheHits
	statCacheMisses
	statBackfills
	statEvictions
	statPreCompressBytes
	statPostCompressBytes
	statPreDecompressBytes
	statPostDecompressBytes
	statIOWriteBytes
	statIOWriteRequests
	statIOReadBytes
	statIOReadRequests
	statWriteExtentBytes
	statWriteExtentCount
	statReadExtentBytes
	statReadExtentCount
	statDatafileCreations
	statDatafileDeletions
	statJournalfileCreations
	statJournalfileDeletions
	statPageCacheDescriptors
	statIOErrors
	statFilesystemErrors
	statGlobalIOErrors
	statGlobalFilesystemErrors
	statReservedFDs
	statOverHalfDirtyEvents
	statGlobalOverHalfDirtyEvents
	statFlushingPressureDeletions
	statGlobalFlushingPressureDeletions

	numStats
)

// Metrics holds one engine instance's atomic statistics counters, per
// spec.md §6's 37-field export. GlobalMetrics (below) holds the handful
// of process-wide counters the spec calls out explicitly; an instance's
// Metrics mirrors into it rather than reaching a hidden singleton, per
// spec.md §9's "pass a MetricsSink at init" guidance.
type Metrics struct {
	values [numStats]atomic.Int64
	global *GlobalMetrics
}

// NewMetrics creates an instance-scoped statistics registry. global may
// be nil, in which case the global-scoped fields stay at zero.
func NewMetrics(global *GlobalMetrics) *Metrics {
	return &Metrics{global: global}
}

func (m *Metrics) add(i statIndex, delta int64) int64 { return m.values[i].Add(delta) }
func (m *Metrics) set(i statIndex, v int64)           { m.values[i].Store(v) }
func (m *Metrics) get(i statIndex) int64              { return m.values[i].Load() }

func (m *Metrics) IncActiveProducers() { m.add(statActiveProducers, 1) }
func (m *Metrics) DecActiveProducers() { m.add(statActiveProducers, -1) }
func (m *Metrics) IncActiveConsumers() { m.add(statActiveConsumers, 1) }
func (m *Metrics) DecActiveConsumers() { m.add(statActiveConsumers, -1) }

func (m *Metrics) IncTotalDescriptors() { m.add(statTotalDescriptors, 1) }
func (m *Metrics) DecTotalDescriptors() { m.add(statTotalDescriptors, -1) }

func (m *Metrics) SetPopulatedPages(n int64) { m.set(statPopulatedPages, n) }
func (m *Metrics) PopulatedPages() int64     { return m.get(statPopulatedPages) }
func (m *Metrics) SetCommittedPages(n int64) { m.set(statCommittedPages, n) }
func (m *Metrics) CommittedPages() int64     { return m.get(statCommittedPages) }

func (m *Metrics) IncCacheInsertions() { m.add(statCacheInsertions, 1) }
func (m *Metrics) IncCacheDeletions()  { m.add(statCacheDeletions, 1) }
func (m *Metrics) IncCacheHits()       { m.add(statCacheHits, 1) }
func (m *Metrics) IncCacheMisses()     { m.add(statCacheMisses, 1) }
func (m *Metrics) IncBackfills()       { m.add(statBackfills, 1) }
func (m *Metrics) IncEvictions()       { m.add(statEvictions, 1) }

func (m *Metrics) AddCompressBytes(pre, post int64) {
	m.add(statPreCompressBytes, pre)
	m.add(statPostCompressBytes, post)
}

func (m *Metrics) AddDecompressBytes(pre, post int64) {
	m.add(statPreDecompressBytes, pre)
	m.add(statPostDecompressBytes, post)
}

func (m *Metrics) AddIOWrite(bytes int64) {
	m.add(statIOWriteBytes, bytes)
	m.add(statIOWriteRequests, 1)
}

func (m *Metrics) AddIORead(bytes int64) {
	m.add(statIOReadBytes, bytes)
	m.add(statIOReadRequests, 1)
}

func (m *Metrics) AddWriteExtent(bytes int64) {
	m.add(statWriteExtentBytes, bytes)
	m.add(statWriteExtentCount, 1)
}

func (m *Metrics) AddReadExtent(bytes int64) {
	m.add(statReadExtentBytes, bytes)
	m.add(statReadExtentCount, 1)
}

func (m *Metrics) IncDatafileCreations()    { m.add(statDatafileCreations, 1) }
func (m *Metrics) IncDatafileDeletions()    { m.add(statDatafileDeletions, 1) }
func (m *Metrics) IncJournalfileCreations() { m.add(statJournalfileCreations, 1) }
func (m *Metrics) IncJournalfileDeletions() { m.add(statJournalfileDeletions, 1) }

func (m *Metrics) SetPageCacheDescriptors(n int64) { m.set(statPageCacheDescriptors, n) }
func (m *Metrics) SetReservedFDs(n int64)          { m.set(statReservedFDs, n) }

// IncIOError increments the instance counter and mirrors the new total
// into the global counter and this instance's view of it.
func (m *Metrics) IncIOError() {
	m.add(statIOErrors, 1)
	if m.global != nil {
		m.set(statGlobalIOErrors, m.global.addIOErrors(1))
	}
}

// IncFilesystemError increments the instance counter and mirrors the new
// total into the global counter and this instance's view of it.
func (m *Metrics) IncFilesystemError() {
	m.add(statFilesystemErrors, 1)
	if m.global != nil {
		m.set(statGlobalFilesystemErrors, m.global.addFilesystemErrors(1))
	}
}

// IncOverHalfDirtyEvents records a commit ring crossing half of the
// configured dirty-page limit (spec.md §4.6), instance and global.
func (m *Metrics) IncOverHalfDirtyEvents() {
	m.add(statOverHalfDirtyEvents, 1)
	if m.global != nil {
		m.set(statGlobalOverHalfDirtyEvents, m.global.incOverHalfDirtyEvents())
	}
}

// OverHalfDirtyEvents returns this instance's over_half_dirty_events count.
func (m *Metrics) OverHalfDirtyEvents() int64 { return m.get(statOverHalfDirtyEvents) }

// IncFlushingPressureDeletions records a forced page eviction triggered
// by write backpressure (spec.md §4.6, §8 scenario 4), instance and
// global.
func (m *Metrics) IncFlushingPressureDeletions() {
	m.add(statFlushingPressureDeletions, 1)
	if m.global != nil {
		m.set(statGlobalFlushingPressureDeletions, m.global.incFlushingPressureDeletions())
	}
}

// Export returns a snapshot of all 37 fields in spec.md §6's fixed order.
func (m *Metrics) Export() [37]int64 {
	var out [37]int64
	for i := statIndex(0); i < numStats; i++ {
		out[i] = m.get(i)
	}
	if m.global != nil {
		out[statGlobalIOErrors] = m.global.IOErrors()
		out[statGlobalFilesystemErrors] = m.global.FilesystemErrors()
		out[statGlobalOverHalfDirtyEvents] = m.global.OverHalfDirtyEvents()
		out[statGlobalFlushingPressureDeletions] = m.global.FlushingPressureDeletions()
	}
	return out
}

// GlobalMetrics holds the process-scoped counters spec.md §9 calls out
// explicitly: the global over-half-dirty and flushing-pressure-deletion
// tallies, plus global I/O and filesystem error counts. The host process
// constructs one and passes it to every Engine's Init, instead of this
// package hiding a singleton behind package-level state.
type GlobalMetrics struct {
	overHalfDirtyEvents       atomic.Int64
	flushingPressureDeletions atomic.Int64
	ioErrors                  atomic.Int64
	filesystemErrors          atomic.Int64
}

// NewGlobalMetrics creates a process-wide counter registry.
func NewGlobalMetrics() *GlobalMetrics { return &GlobalMetrics{} }

func (g *GlobalMetrics) incOverHalfDirtyEvents() int64       { return g.overHalfDirtyEvents.Add(1) }
func (g *GlobalMetrics) incFlushingPressureDeletions() int64 { return g.flushingPressureDeletions.Add(1) }
func (g *GlobalMetrics) addIOErrors(n int64) int64           { return g.ioErrors.Add(n) }
func (g *GlobalMetrics) addFilesystemErrors(n int64) int64   { return g.filesystemErrors.Add(n) }

// OverHalfDirtyEvents returns the current process-wide count.
func (g *GlobalMetrics) OverHalfDirtyEvents() int64 { return g.overHalfDirtyEvents.Load() }

// FlushingPressureDeletions returns the current process-wide count.
func (g *GlobalMetrics) FlushingPressureDeletions() int64 {
	return g.flushingPressureDeletions.Load()
}

// IOErrors returns the current process-wide I/O error count.
func (g *GlobalMetrics) IOErrors() int64 { return g.ioErrors.Load() }

// FilesystemErrors returns the current process-wide filesystem error count.
func (g *GlobalMetrics) FilesystemErrors() int64 { return g.filesystemErrors.Load() }

// Observer allows pluggable collection of cache events, independent of
// the atomic counters above. Tests and hosting processes can supply
// their own implementation; the worker reports each event to it in
// addition to updating the built-in Metrics.
type Observer interface {
	ObserveCacheHit()
	ObserveCacheMiss()
	ObserveEviction()
	ObserveBackfill()
	ObserveIOError()
	ObserveFilesystemError()
	ObserveFlushingPressureDeletion()
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCacheHit()                 {}
func (NoOpObserver) ObserveCacheMiss()                {}
func (NoOpObserver) ObserveEviction()                 {}
func (NoOpObserver) ObserveBackfill()                 {}
func (NoOpObserver) ObserveIOError()                  {}
func (NoOpObserver) ObserveFilesystemError()           {}
func (NoOpObserver) ObserveFlushingPressureDeletion() {}

// MetricsObserver implements Observer by forwarding to a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCacheHit()  { o.metrics.IncCacheHits() }
func (o *MetricsObserver) ObserveCacheMiss() { o.metrics.IncCacheMisses() }
func (o *MetricsObserver) ObserveEviction()  { o.metrics.IncEvictions() }
func (o *MetricsObserver) ObserveBackfill()  { o.metrics.IncBackfills() }
func (o *MetricsObserver) ObserveIOError()   { o.metrics.IncIOError() }
func (o *MetricsObserver) ObserveFilesystemError() { o.metrics.IncFilesystemError() }
func (o *MetricsObserver) ObserveFlushingPressureDeletion() {
	o.metrics.IncFlushingPressureDeletions()
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}

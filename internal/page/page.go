// Package page implements the page buffer and descriptor of spec.md §3:
// the unit of storage for one metric's samples over a contiguous time
// range, and the metadata record that tracks its lifecycle.
package page

import (
	"sync"
	"sync/atomic"

	"github.com/tsengine/tsengine/internal/constants"
	"github.com/tsengine/tsengine/internal/metricid"
)

// InvalidTime is the sentinel start_time/end_time before a page holds
// any samples.
const InvalidTime = constants.InvalidTime

// Flag is a bitmask of descriptor states.
type Flag uint32

const (
	// FlagDirty marks a page with unflushed writes.
	FlagDirty Flag = 1 << iota
	// FlagPopulated marks a page whose buffer is resident in memory.
	FlagPopulated
	// FlagLocked marks a page undergoing an atomic transition (e.g. a
	// flush in progress) that must not be observed half-done.
	FlagLocked
	// FlagReadPending marks a page whose buffer is being loaded from the
	// external codec.
	FlagReadPending
	// FlagWritePending marks a page whose buffer is being flushed to the
	// external codec.
	FlagWritePending
)

// Buffer is a page's backing byte region: a fixed-size allocation holding
// a sequence of fixed-width samples plus a committed length.
type Buffer struct {
	Data   []byte
	Length int // committed bytes, 0 <= Length <= len(Data)
}

// NewBuffer returns a zeroed buffer of the configured page size, drawn
// from the package's page-buffer pool when size matches the default.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = constants.PageSize
	}
	return &Buffer{Data: getBuffer(size)}
}

// SampleCount returns the number of fixed-width samples committed.
func (b *Buffer) SampleCount(sampleSize int) int {
	if sampleSize <= 0 {
		sampleSize = constants.SampleSize
	}
	return b.Length / sampleSize
}

// Capacity returns how many whole samples still fit.
func (b *Buffer) Capacity(sampleSize int) int {
	if sampleSize <= 0 {
		sampleSize = constants.SampleSize
	}
	return (len(b.Data) - b.Length) / sampleSize
}

// Descriptor is the metadata record for one page, per spec.md §3.
// Invariants enforced by the methods below, never by direct field
// mutation from other packages:
//   - if FlagDirty is set, FlagPopulated is set and refcount >= 1
//   - start_time <= end_time once page_length > 0; otherwise both are
//     InvalidTime
//   - a populated, non-dirty, unreferenced descriptor may transition to
//     evicted (buffer released)
type Descriptor struct {
	mu sync.Mutex

	metric    metricid.ID
	startTime int64
	endTime   int64

	buf   *Buffer
	flags Flag

	refcount atomic.Int32

	// correlationID is assigned when a dirty page is committed to the
	// commit ring; zero until then.
	correlationID uint64
}

// NewDescriptor creates an unpopulated descriptor for metric, with both
// times set to the invalid sentinel.
func NewDescriptor(metric metricid.ID) *Descriptor {
	return &Descriptor{
		metric:    metric,
		startTime: InvalidTime,
		endTime:   InvalidTime,
	}
}

// Metric returns the owning metric's id.
func (d *Descriptor) Metric() metricid.ID { return d.metric }

// Times returns the page's inclusive [start, end] time range in
// microseconds, or (InvalidTime, InvalidTime) if no sample is committed.
func (d *Descriptor) Times() (start, end int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startTime, d.endTime
}

// Flags returns the current flag bitmask.
func (d *Descriptor) Flags() Flag {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags
}

// HasFlag reports whether all bits in f are set.
func (d *Descriptor) HasFlag(f Flag) bool {
	return d.Flags()&f == f
}

// Refcount returns the current pin count.
func (d *Descriptor) Refcount() int32 { return d.refcount.Load() }

// Pin increments the refcount, preventing eviction while held.
func (d *Descriptor) Pin() int32 { return d.refcount.Add(1) }

// Unpin decrements the refcount. Panics on underflow, which would
// indicate a double-unpin bug.
func (d *Descriptor) Unpin() int32 {
	n := d.refcount.Add(-1)
	if n < 0 {
		panic("page: Unpin called without matching Pin")
	}
	return n
}

// Populate attaches buf and sets FlagPopulated. Used both when a page is
// first created by a collector and when it is loaded from the codec by
// the query path.
func (d *Descriptor) Populate(buf *Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = buf
	d.flags |= FlagPopulated
}

// Buffer returns the attached buffer, or nil if not populated.
func (d *Descriptor) Buffer() *Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf
}

// SetInfo extends the page's committed range and length after a sample
// is appended. newEnd must be >= the current end_time (or the page must
// currently hold no samples).
func (d *Descriptor) SetInfo(newStart, newEnd int64, length int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startTime == InvalidTime {
		d.startTime = newStart
	}
	d.endTime = newEnd
	if d.buf != nil {
		d.buf.Length = length
	}
}

// MarkDirty sets FlagDirty (and FlagPopulated, which must already hold)
// and records the correlation id assigned by the commit ring.
func (d *Descriptor) MarkDirty(correlationID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buf == nil {
		panic("page: MarkDirty on unpopulated descriptor")
	}
	d.flags |= FlagDirty | FlagPopulated
	d.correlationID = correlationID
}

// CorrelationID returns the id assigned at commit time, or 0 if the page
// was never committed.
func (d *Descriptor) CorrelationID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.correlationID
}

// ClearDirty clears FlagDirty after a successful flush. The buffer stays
// populated; eviction may reclaim it later once unpinned.
func (d *Descriptor) ClearDirty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags &^= FlagDirty
}

// SetPending sets or clears FlagReadPending/FlagWritePending around an
// in-flight codec operation.
func (d *Descriptor) SetPending(f Flag, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.flags |= f
	} else {
		d.flags &^= f
	}
}

// Lock sets FlagLocked, used by the worker to guard a flush or eviction
// transition against concurrent observers. Unlock clears it.
func (d *Descriptor) Lock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags |= FlagLocked
}

func (d *Descriptor) Unlock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags &^= FlagLocked
}

// CanEvict reports whether the page may transition populated->evicted:
// refcount == 0 and FlagDirty is clear.
func (d *Descriptor) CanEvict() bool {
	if d.Refcount() != 0 {
		return false
	}
	return !d.HasFlag(FlagDirty)
}

// Evict releases the backing buffer and clears FlagPopulated. Callers
// must have verified CanEvict() under the owning index's lock to avoid
// racing a new pin.
func (d *Descriptor) Evict() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buf != nil {
		putBuffer(d.buf.Data)
	}
	d.buf = nil
	d.flags &^= FlagPopulated
}

// IsEmpty reports whether the page holds zero committed bytes. A
// zero-length page is discarded on flush without a commit; punch-out
// (spec.md §8 scenario 3) is for pages whose samples are all the
// empty-sample sentinel.
func (d *Descriptor) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf == nil || d.buf.Length == 0
}

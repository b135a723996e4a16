// Package worker implements the single background worker thread of
// spec.md §4.6: one owner goroutine per engine instance that loads pages
// on demand, flushes dirty pages from the commit ring, and evicts clean
// pages under memory pressure. Grounded on the shape of the teacher's
// queue runner (a single pinned goroutine draining a command source via
// select/ctx.Done), though none of its io_uring/mmap machinery transfers;
// this worker drives the codec and cache packages instead of raw block
// I/O.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tsengine/tsengine/internal/cache"
	"github.com/tsengine/tsengine/internal/codec"
	"github.com/tsengine/tsengine/internal/commitlog"
	"github.com/tsengine/tsengine/internal/logging"
	"github.com/tsengine/tsengine/internal/page"
	"github.com/tsengine/tsengine/internal/stats"
)

// Logger is the worker's optional structured logger, matching the shape
// *logging.Logger already exposes: lifecycle tracing via Printf/Debugf,
// plus the page-cache-specific events the worker reports alongside its
// Metrics counters.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	PageIOError(op, metric string, err error)
	PageEvicted(metric string, reason string)
}

type opcode int

const (
	opReadPage opcode = iota
	opWritePages
	opInvalidateOldest
	opDropOldestDirty
	opQuiesce
	opShutdown
)

type command struct {
	op opcode

	// opReadPage
	target *page.Descriptor

	// opWritePages
	batch []uint64 // correlation ids to flush

	// opInvalidateOldest: no fields; the worker consults the cache.

	done chan error
}

// Config configures a Worker.
type Config struct {
	Codec     codec.Codec
	FDBudget  *codec.FDBudget
	Ring      *commitlog.Ring
	Admission *cache.Admission
	Metrics   *stats.Metrics
	Observer  stats.Observer
	Logger    Logger

	// FlushBatchSize bounds how many commit-ring entries one
	// opWritePages/Quiesce drain call flushes at a time.
	FlushBatchSize int

	// WatermarkCheckInterval controls how often the worker checks
	// populated_pages against low_watermark in steady state (spec.md
	// §4.6). Defaults to 1s.
	WatermarkCheckInterval time.Duration
}

// Worker is the single background worker thread for one engine instance.
// All page I/O (loads and flushes) and cache eviction decisions are
// serialized through its command channel, matching spec.md §4.6's
// single-writer contract for the codec.
type Worker struct {
	cfg    Config
	cmdCh  chan command
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	quiesced bool
}

// ErrShutdown is returned to callers whose request arrives after Stop.
var ErrShutdown = errors.New("worker: shut down")

// New creates a Worker. Call Start to launch its goroutine.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.FlushBatchSize <= 0 {
		cfg.FlushBatchSize = 32
	}
	if cfg.WatermarkCheckInterval <= 0 {
		cfg.WatermarkCheckInterval = time.Second
	}
	return &Worker{cfg: cfg, cmdCh: make(chan command, 64)}
}

// Start launches the worker's single owner goroutine. Mirrors the
// started-channel handshake the teacher's runner uses so the caller
// knows the loop is live before submitting work.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	started := make(chan struct{})
	w.wg.Add(1)
	go w.run(started)
	<-started
	return nil
}

// Stop cancels the worker's context and waits for its goroutine to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run(started chan<- struct{}) {
	defer w.wg.Done()
	close(started)
	w.cfg.Logger.Debugf("worker: loop started")

	ticker := time.NewTicker(w.cfg.WatermarkCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.cfg.Logger.Debugf("worker: loop stopping")
			w.drainPending()
			return
		case cmd := <-w.cmdCh:
			w.handle(cmd)
			if cmd.op == opShutdown {
				return
			}
		case <-ticker.C:
			w.maintainLowWatermark()
		}
	}
}

// maintainLowWatermark evicts clean pages until populated_pages is back
// at or below low_watermark, or until nothing more is evictable (spec.md
// §4.6). Runs on the worker's own goroutine, so it calls invalidateOldest
// directly rather than submitting a command to itself.
func (w *Worker) maintainLowWatermark() {
	if w.cfg.Admission == nil || w.cfg.Metrics == nil {
		return
	}
	for w.cfg.Admission.AboveLowWatermark(int(w.cfg.Metrics.PopulatedPages())) {
		if err := w.invalidateOldest("low_watermark"); err != nil {
			return
		}
	}
}

// drainPending fails any commands still queued once the context is
// cancelled, so callers blocked on their done channel don't hang.
func (w *Worker) drainPending() {
	for {
		select {
		case cmd := <-w.cmdCh:
			if cmd.done != nil {
				cmd.done <- ErrShutdown
			}
		default:
			return
		}
	}
}

func (w *Worker) handle(cmd command) {
	switch cmd.op {
	case opReadPage:
		cmd.done <- w.doReadPage(cmd.target)
	case opWritePages:
		cmd.done <- w.doWritePages(cmd.batch)
	case opInvalidateOldest:
		cmd.done <- w.doInvalidateOldest()
	case opDropOldestDirty:
		cmd.done <- w.doDropOldestDirty()
	case opQuiesce:
		cmd.done <- w.doQuiesce()
	case opShutdown:
		if cmd.done != nil {
			cmd.done <- nil
		}
	}
}

func (w *Worker) submit(ctx context.Context, cmd command) error {
	cmd.done = make(chan error, 1)
	select {
	case w.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrShutdown
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadPage fetches d's buffer from the codec, setting FlagReadPending
// for the duration so concurrent observers know a load is in flight
// (spec.md §4.6's read-pending signaling). d must already be pinned by
// the caller; LoadPage populates it in place.
func (w *Worker) LoadPage(ctx context.Context, d *page.Descriptor) error {
	return w.submit(ctx, command{op: opReadPage, target: d})
}

func (w *Worker) doReadPage(d *page.Descriptor) error {
	d.SetPending(page.FlagReadPending, true)
	defer d.SetPending(page.FlagReadPending, false)

	start, end := d.Times()
	if !w.reserveFD() {
		w.observeIOError("read", d.Metric().String(), codec.ErrNotFound)
		return fmt.Errorf("worker: read %s: %w", d.Metric().String(), codec.ErrNotFound)
	}
	defer w.releaseFD()

	data, err := w.cfg.Codec.ReadPage(w.ctx, d.Metric(), start, end)
	if err != nil {
		w.observeIOError("read", d.Metric().String(), err)
		return fmt.Errorf("worker: read %s [%d,%d]: %w", d.Metric().String(), start, end, err)
	}
	d.Populate(&page.Buffer{Data: data, Length: len(data)})
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.AddIORead(int64(len(data)))
	}
	return nil
}

// FlushPages drains up to FlushBatchSize dirty pages from the commit
// ring (oldest correlation id first) and writes them through the codec,
// clearing FlagDirty and removing them from the ring on success. Returns
// the number of correlation ids drained (not all of which necessarily
// flushed successfully).
func (w *Worker) FlushPages(ctx context.Context) (int, error) {
	ids := w.cfg.Ring.Drain(w.cfg.FlushBatchSize)
	if len(ids) == 0 {
		return 0, nil
	}
	err := w.submit(ctx, command{op: opWritePages, batch: ids})
	return len(ids), err
}

func (w *Worker) doWritePages(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}

	liveIDs := make([]uint64, 0, len(ids))
	descs := make([]*page.Descriptor, 0, len(ids))
	for _, id := range ids {
		if d, ok := w.cfg.Ring.Lookup(id); ok {
			liveIDs = append(liveIDs, id)
			descs = append(descs, d)
		}
	}
	ids = liveIDs
	if len(descs) == 0 {
		return nil
	}

	if !w.reserveFD() {
		w.observeIOError("write", fmt.Sprintf("batch of %d", len(descs)), errFDExhausted)
		return fmt.Errorf("worker: write batch of %d: %w", len(descs), errFDExhausted)
	}
	defer w.releaseFD()

	req := make([]codec.WriteRequest, len(descs))
	for i, d := range descs {
		d.SetPending(page.FlagWritePending, true)
		start, end := d.Times()
		buf := d.Buffer()
		req[i] = codec.WriteRequest{Metric: d.Metric(), StartTime: start, EndTime: end, Bytes: buf.Data[:buf.Length]}
	}

	results, err := w.cfg.Codec.WritePages(w.ctx, req)
	for i, d := range descs {
		d.SetPending(page.FlagWritePending, false)
		if err == nil && i < len(results) && results[i].Err == nil {
			d.ClearDirty()
			w.cfg.Ring.Remove(ids[i])
			if w.cfg.Admission != nil && d.CanEvict() {
				w.cfg.Admission.Touch(d)
			}
			if w.cfg.Metrics != nil {
				w.cfg.Metrics.AddIOWrite(results[i].IOBytes)
				w.cfg.Metrics.AddWriteExtent(results[i].ExtentBytes)
				w.cfg.Metrics.AddCompressBytes(results[i].PreCompress, results[i].PostCompress)
				w.cfg.Metrics.SetCommittedPages(int64(w.cfg.Ring.CommittedPages()))
			}
		} else {
			// Flush failed: the entry stays in the ring under its
			// existing correlation id and is retried on the next drain.
			werr := err
			if werr == nil && i < len(results) {
				werr = results[i].Err
			}
			w.observeIOError("write", d.Metric().String(), werr)
		}
	}
	if err != nil {
		return fmt.Errorf("worker: write batch of %d: %w", len(descs), err)
	}
	return nil
}

// RequestEviction asks the worker to evict one clean page via the
// admission cache's approximate LRU, per spec.md §4.6's memory-pressure
// path. Returns false if nothing was evictable.
func (w *Worker) RequestEviction(ctx context.Context) (bool, error) {
	err := w.submit(ctx, command{op: opInvalidateOldest})
	return err == nil, err
}

func (w *Worker) doInvalidateOldest() error {
	return w.invalidateOldest("request")
}

func (w *Worker) invalidateOldest(reason string) error {
	if w.cfg.Admission == nil {
		return nil
	}
	d, ok := w.cfg.Admission.EvictOldest()
	if !ok {
		return errNothingToEvict
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.IncEvictions()
		w.cfg.Metrics.SetPopulatedPages(w.cfg.Metrics.PopulatedPages() - 1)
	}
	if w.cfg.Observer != nil {
		w.cfg.Observer.ObserveEviction()
	}
	if w.cfg.Logger != nil {
		w.cfg.Logger.PageEvicted(d.Metric().String(), reason)
	}
	return nil
}

// DropOldestDirty forcibly evicts the oldest dirty page from the commit
// ring without flushing it, per spec.md §8 scenario 4: under
// drop_metrics_under_page_cache_pressure, a collector that finds the
// ring at its hard limit sacrifices old data rather than refuse new
// writes or block on I/O. Returns false if the ring is empty.
func (w *Worker) DropOldestDirty(ctx context.Context) (bool, error) {
	err := w.submit(ctx, command{op: opDropOldestDirty})
	return err == nil, err
}

func (w *Worker) doDropOldestDirty() error {
	id, d, ok := w.cfg.Ring.Oldest()
	if !ok {
		return errNothingToEvict
	}
	w.cfg.Ring.Remove(id)
	d.ClearDirty()
	d.Evict()
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.IncFlushingPressureDeletions()
		w.cfg.Metrics.SetCommittedPages(int64(w.cfg.Ring.CommittedPages()))
		w.cfg.Metrics.SetPopulatedPages(w.cfg.Metrics.PopulatedPages() - 1)
	}
	if w.cfg.Observer != nil {
		w.cfg.Observer.ObserveFlushingPressureDeletion()
	}
	return nil
}

// Quiesce blocks until every page currently in the commit ring has been
// flushed, then refuses further collector writes from the caller's
// perspective (the engine layer stops issuing new collect handles); the
// worker itself keeps running until Stop.
func (w *Worker) Quiesce(ctx context.Context) error {
	return w.submit(ctx, command{op: opQuiesce})
}

func (w *Worker) doQuiesce() error {
	w.quiesced = true
	for w.cfg.Ring.CommittedPages() > 0 {
		batch := w.cfg.Ring.Drain(w.cfg.FlushBatchSize)
		if len(batch) == 0 {
			break
		}
		if err := w.doWritePages(batch); err != nil {
			return err
		}
	}
	return nil
}

// Quiesced reports whether Quiesce has completed at least once.
func (w *Worker) Quiesced() bool { return w.quiesced }

func (w *Worker) reserveFD() bool {
	if w.cfg.FDBudget == nil {
		return true
	}
	return w.cfg.FDBudget.Reserve(1)
}

func (w *Worker) releaseFD() {
	if w.cfg.FDBudget == nil {
		return
	}
	w.cfg.FDBudget.Release(1)
}

func (w *Worker) observeIOError(op, metric string, err error) {
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.IncIOError()
	}
	if w.cfg.Observer != nil {
		w.cfg.Observer.ObserveIOError()
	}
	if w.cfg.Logger != nil {
		w.cfg.Logger.PageIOError(op, metric, err)
	}
}

var errNothingToEvict = errors.New("worker: no evictable page")
var errFDExhausted = errors.New("worker: fd budget exhausted")

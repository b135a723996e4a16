// Package tsengine is a bounded page-cache time-series storage core: an
// in-memory cache over a disk-resident datafile+journal corpus for
// high-cardinality numeric metric time series, with one background
// worker goroutine per engine instance. Collect and query callers reach
// the engine through the handle types returned by CollectInit/QueryInit.
package tsengine

import (
	"context"
	"sync/atomic"

	"github.com/tsengine/tsengine/internal/cache"
	"github.com/tsengine/tsengine/internal/codec"
	"github.com/tsengine/tsengine/internal/collect"
	"github.com/tsengine/tsengine/internal/commitlog"
	"github.com/tsengine/tsengine/internal/constants"
	"github.com/tsengine/tsengine/internal/logging"
	"github.com/tsengine/tsengine/internal/metricid"
	"github.com/tsengine/tsengine/internal/page"
	"github.com/tsengine/tsengine/internal/pageindex"
	"github.com/tsengine/tsengine/internal/query"
	"github.com/tsengine/tsengine/internal/worker"
)

// Config mirrors the teacher's DeviceParams/DefaultParams shape: plain
// fields, no functional options.
type Config struct {
	PageCacheMB                       int
	DiskQuotaMB                       int
	MultiDBDiskQuotaMB                int
	DropMetricsUnderPageCachePressure bool
	PageSize                          int
	FDBudgetPerInstance               int
	MachineGUID                       string
}

// DefaultConfig returns sensible defaults, matching spec.md §2's values.
func DefaultConfig() Config {
	return Config{
		PageCacheMB:                       constants.DefaultPageCacheMB,
		DiskQuotaMB:                       constants.DefaultDiskQuotaMB,
		MultiDBDiskQuotaMB:                constants.DefaultMultiDBDiskQuotaMB,
		DropMetricsUnderPageCachePressure: constants.DefaultDropUnderPressure,
		PageSize:                          constants.PageSize,
		FDBudgetPerInstance:               constants.DefaultFDBudgetPerInstance,
	}
}

// Options holds constructor-time dependencies that aren't tuning knobs:
// the external codec, and optional logging/observability hooks.
type Options struct {
	// Context governs the worker's lifetime; if nil, context.Background().
	Context context.Context

	// Codec is the external datafile/journal implementation. Required.
	Codec codec.Codec

	// Logger receives worker and lifecycle diagnostics. If nil,
	// logging.Default() is used.
	Logger worker.Logger

	// Observer receives metrics events in addition to the built-in
	// Metrics counters. If nil, NoOpObserver is used.
	Observer Observer

	// Global aggregates over_half_dirty/flushing_pressure/IO/filesystem
	// error counts across every engine instance in the process, per
	// spec.md §6. Optional.
	Global *GlobalMetrics
}

// Engine is one running instance of the page cache: a global metric
// index, one commit ring, one admission controller, one background
// worker, and the statistics/observer wiring spec.md §4.8 describes.
type Engine struct {
	cfg Config

	global    *pageindex.GlobalIndex
	ring      *commitlog.Ring
	admission *cache.Admission
	fdBudget  *codec.FDBudget
	worker    *worker.Worker
	metrics   *Metrics
	observer  Observer
	resolver  *metricid.Resolver
	logger    worker.Logger

	quiesced atomic.Bool
	exited   bool
}

// Init creates and starts an engine instance: allocates the page cache's
// admission controller from cfg.PageCacheMB, reserves cfg.FDBudgetPerInstance
// file descriptors against an RLIMIT_NOFILE/4 ceiling (spec.md §4.8), and
// launches the single background worker. Each engine constructs its own
// FDBudget, so the ceiling bounds this instance's reservation only;
// reservations held by other engines in the process are not counted.
// Returns a *Error{Kind: KindResourceExhausted} if the FD budget cannot be
// reserved.
func Init(cfg Config, opts Options) (*Engine, error) {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Codec == nil {
		return nil, NewError("Init", KindInitFailed, "Options.Codec is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	global := NewGlobalMetrics()
	if opts.Global != nil {
		global = opts.Global
	}
	metrics := NewMetrics(global)

	observer := Observer(NoOpObserver{})
	if opts.Observer != nil {
		observer = opts.Observer
	}

	fdBudget, err := codec.NewFDBudget()
	if err != nil {
		return nil, WrapError("Init", err)
	}
	budget := cfg.FDBudgetPerInstance
	if budget <= 0 {
		budget = constants.DefaultFDBudgetPerInstance
	}
	if !fdBudget.Reserve(budget) {
		return nil, NewError("Init", KindResourceExhausted, "FD budget exhausted")
	}
	metrics.SetReservedFDs(int64(fdBudget.Reserved()))

	maxPages := constants.MaxPages(cfg.PageCacheMB, cfg.PageSize)
	admission := cache.NewAdmission(maxPages)
	ring := commitlog.NewRing()

	w := worker.New(worker.Config{
		Codec:     opts.Codec,
		FDBudget:  fdBudget,
		Ring:      ring,
		Admission: admission,
		Metrics:   metrics,
		Observer:  observer,
		Logger:    opts.Logger,
	})
	if err := w.Start(opts.Context); err != nil {
		fdBudget.Release(budget)
		return nil, WrapError("Init", err)
	}

	return &Engine{
		cfg:       cfg,
		global:    pageindex.NewGlobalIndex(),
		ring:      ring,
		admission: admission,
		fdBudget:  fdBudget,
		worker:    w,
		metrics:   metrics,
		observer:  observer,
		resolver:  metricid.NewResolver(cfg.MachineGUID),
		logger:    opts.Logger,
	}, nil
}

// ResolveMetric maps a (dim_id, chart_id) pair to its multihost metric
// id. If the global index already holds an entry under the dimension's
// legacy id, that entry is relocated to the multihost id rather than
// left behind as a duplicate (spec.md §8 scenario 5).
func (e *Engine) ResolveMetric(dimID, chartID string) metricid.ID {
	legacy := metricid.Legacy(dimID, chartID)
	multihost := e.resolver.Resolve(dimID, chartID)
	if legacy != multihost {
		if _, ok := e.global.Get(legacy); ok {
			e.global.Rekey(legacy, multihost)
		}
	}
	return multihost
}

// CollectInit starts a collect handle for metric, per spec.md §4.4.
// Panics if a collector is already active for this metric (mirrored from
// collect.Init's own contract). Returns a *Error{Kind: KindShutdown} if
// the engine has begun quiescing (spec.md §4.8): no new collect handles
// are handed out once Quiesce has been called.
func (e *Engine) CollectInit(metric metricid.ID) (*collect.Handle, error) {
	if e.quiesced.Load() {
		return nil, NewError("CollectInit", KindShutdown, "engine is quiescing, refusing new collect handles")
	}

	mi := e.global.GetOrCreate(metric)
	h := collect.Init(mi, e.ring, e.admission, e.metrics)
	h.SetQuiescedCheck(e.quiesced.Load)
	h.SetLogger(e.logger)
	if e.cfg.DropMetricsUnderPageCachePressure {
		h.SetDropHook(func() bool {
			ok, _ := e.worker.DropOldestDirty(context.Background())
			return ok
		})
	}
	return h, nil
}

// QueryInit starts a query handle over [startSec, endSec] for metric, per
// spec.md §4.5. Returns a handle that is immediately finished if the
// metric has no pages in range. The handle loads any non-resident page it
// encounters through the engine's single worker.
func (e *Engine) QueryInit(ctx context.Context, metric metricid.ID, startSec, endSec int64) *query.Handle {
	mi, ok := e.global.Get(metric)
	if !ok {
		mi = pageindex.NewMetricIndex(metric)
	}
	h := query.Init(mi, startSec, endSec)
	h.SetLoader(func(d *page.Descriptor) error {
		return e.worker.LoadPage(ctx, d)
	})
	return h
}

// VariableStepBoundaries reports the update_every regions covering
// [from, to] (microseconds) for metric, per spec.md §4.5.
func (e *Engine) VariableStepBoundaries(metric metricid.ID, from, to int64) ([]query.Region, int64) {
	mi, ok := e.global.Get(metric)
	if !ok {
		return nil, 0
	}
	return query.VariableStepBoundaries(mi, from, to)
}

// Metrics returns the engine's statistics counters.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Quiesce rejects new commits — CollectInit refuses to hand out further
// handles and any collector already running has its next page rollover
// refused with collect.ErrQuiescing, while its currently open page may
// still be completed — then flushes every dirty page currently in the
// commit ring and blocks until the flush completes (spec.md §4.8).
func (e *Engine) Quiesce(ctx context.Context) error {
	e.quiesced.Store(true)
	if err := e.worker.Quiesce(ctx); err != nil {
		return WrapError("Quiesce", err)
	}
	return nil
}

// Exit stops the worker and releases the instance's FD budget
// reservation. Exit does not itself call Quiesce; callers that need a
// clean flush should Quiesce first. A page whose containing page is
// still open (not yet rolled over) when Exit is called is not persisted
// by Exit — that is the documented "partial last page on crash" gap
// spec.md §9 leaves to the host process's own shutdown ordering.
func (e *Engine) Exit() error {
	if e.exited {
		return nil
	}
	e.worker.Stop()
	budget := e.cfg.FDBudgetPerInstance
	if budget <= 0 {
		budget = constants.DefaultFDBudgetPerInstance
	}
	e.fdBudget.Release(budget)
	e.exited = true
	return nil
}


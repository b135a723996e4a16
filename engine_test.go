package tsengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tsengine/tsengine/internal/codec/mem"
	"github.com/tsengine/tsengine/internal/collect"
	"github.com/tsengine/tsengine/internal/metricid"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Init(DefaultConfig(), Options{Codec: mem.New()})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { e.Exit() })
	return e
}

func TestInitRequiresCodec(t *testing.T) {
	_, err := Init(DefaultConfig(), Options{})
	if err == nil {
		t.Fatal("expected an error when Options.Codec is nil")
	}
}

func TestCollectThenQueryRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	metric := e.ResolveMetric("dim", "chart")

	h, err := e.CollectInit(metric)
	if err != nil {
		t.Fatalf("collect init: %v", err)
	}
	for i := int64(0); i < 5; i++ {
		if _, ok, err := h.Append(1_000_000+i*1_000_000, uint32(i+1), 0); !ok || err != nil {
			t.Fatalf("append %d: ok=%v err=%v", i, ok, err)
		}
	}
	h.Finalize()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := e.QueryInit(ctx, metric, 0, 10)
	defer q.Finalize()

	var got []uint32
	for !q.IsFinished() {
		s, _ := q.Next()
		if s == EmptySample {
			break
		}
		got = append(got, s)
	}
	if q.Err() != nil {
		t.Fatalf("query error: %v", q.Err())
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 samples, got %d (%v)", len(got), got)
	}
}

func TestQueryInitOnUnknownMetricIsImmediatelyFinished(t *testing.T) {
	e := newTestEngine(t)
	metric := e.ResolveMetric("nope", "nope")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := e.QueryInit(ctx, metric, 0, 10)
	if !q.IsFinished() {
		t.Fatal("expected a query over an unknown metric to be immediately finished")
	}
}

func TestVariableStepBoundariesUnknownMetric(t *testing.T) {
	e := newTestEngine(t)
	metric := e.ResolveMetric("nope2", "nope2")

	regions, maxInterval := e.VariableStepBoundaries(metric, 0, 10)
	if regions != nil {
		t.Fatalf("expected nil regions for unknown metric, got %v", regions)
	}
	if maxInterval != 0 {
		t.Fatalf("expected max interval 0, got %d", maxInterval)
	}
}

func TestQuiesceThenExit(t *testing.T) {
	e := newTestEngine(t)
	metric := e.ResolveMetric("dim2", "chart2")

	h, err := e.CollectInit(metric)
	if err != nil {
		t.Fatalf("collect init: %v", err)
	}
	h.Append(1_000_000, 1, 0)
	h.Finalize()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Quiesce(ctx); err != nil {
		t.Fatalf("quiesce: %v", err)
	}
	if err := e.Exit(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	// Exit is idempotent.
	if err := e.Exit(); err != nil {
		t.Fatalf("second exit: %v", err)
	}
}

// Scenario 5 of spec.md §8: a dimension seen under its legacy id gets
// its existing index entry relocated to the multihost id on first
// ResolveMetric, rather than left behind as an orphan.
func TestResolveMetricRewritesLegacyEntry(t *testing.T) {
	e := newTestEngine(t)
	legacy := metricid.Legacy("disk.io", "system.disk")

	mi := e.global.GetOrCreate(legacy)
	h := collect.Init(mi, e.ring, e.admission, e.metrics)
	h.Append(1_000_000, 7, 0)
	h.Finalize()

	multihost := e.ResolveMetric("disk.io", "system.disk")
	if multihost == legacy {
		t.Fatal("expected multihost id to differ from the legacy id")
	}
	if _, ok := e.global.Get(legacy); ok {
		t.Fatal("expected the legacy-keyed entry to be gone after rewrite")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q := e.QueryInit(ctx, multihost, 0, 10)
	defer q.Finalize()

	s, _ := q.Next()
	if s != 7 {
		t.Fatalf("expected the rewritten index to still hold sample 7, got %d", s)
	}
}

// A page evicted from memory (CanEvict after flush + LRU selection) is
// transparently reloaded through the worker the next time a query
// crosses it (spec.md §4.5/§4.6).
func TestQueryReloadsEvictedPage(t *testing.T) {
	e := newTestEngine(t)
	metric := e.ResolveMetric("mem.used", "system.mem")

	h, err := e.CollectInit(metric)
	if err != nil {
		t.Fatalf("collect init: %v", err)
	}
	h.Append(1_000_000, 42, 0)
	h.Finalize()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Quiesce(ctx); err != nil {
		t.Fatalf("quiesce: %v", err)
	}

	mi, ok := e.global.Get(metric)
	if !ok {
		t.Fatal("expected a metric index entry after collecting")
	}
	d, ok := mi.LookupExact(1_000_000)
	if !ok {
		t.Fatal("expected to find the committed page by its start time")
	}
	if !d.CanEvict() {
		t.Fatal("expected the flushed page to be evictable")
	}
	e.admission.Touch(d)
	if _, ok := e.admission.EvictOldest(); !ok {
		t.Fatal("expected eviction to succeed")
	}
	if d.Buffer() != nil {
		t.Fatal("expected the descriptor's buffer to be released after eviction")
	}

	q := e.QueryInit(ctx, metric, 0, 10)
	defer q.Finalize()

	s, _ := q.Next()
	if q.Err() != nil {
		t.Fatalf("unexpected query error: %v", q.Err())
	}
	if s != 42 {
		t.Fatalf("expected sample 42 reloaded through the worker, got %d", s)
	}
}

// Quiesce rejects new commits (spec.md §4.8): no further collect handles
// are handed out once quiescing has begun.
func TestCollectInitRejectedAfterQuiesce(t *testing.T) {
	e := newTestEngine(t)
	metric := e.ResolveMetric("disk.util", "system.disk")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Quiesce(ctx); err != nil {
		t.Fatalf("quiesce: %v", err)
	}

	if _, err := e.CollectInit(metric); !IsKind(err, KindShutdown) {
		t.Fatalf("expected a KindShutdown error after quiesce, got %v", err)
	}
}

// A collector already running when Quiesce begins may still finish its
// currently open page, but its next rollover to a new page is refused
// (spec.md §4.8: "collectors already running complete but new pages
// fail").
func TestAppendRefusesNewPageOnceQuiescing(t *testing.T) {
	e := newTestEngine(t)
	metric := e.ResolveMetric("net.out", "system.net")

	h, err := e.CollectInit(metric)
	if err != nil {
		t.Fatalf("collect init: %v", err)
	}

	maxSamples := PageSize / SampleSize
	for i := 0; i < maxSamples; i++ {
		ts := int64(i+1) * 1_000_000
		if _, ok, err := h.Append(ts, uint32(i+1), 0); !ok || err != nil {
			t.Fatalf("append %d: ok=%v err=%v", i, ok, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Quiesce(ctx); err != nil {
		t.Fatalf("quiesce: %v", err)
	}

	// The current page is full; this append must roll to a new page,
	// which quiescing now refuses.
	_, ok, err := h.Append(int64(maxSamples+1)*1_000_000, 99, 0)
	if ok || !errors.Is(err, collect.ErrQuiescing) {
		t.Fatalf("expected ErrQuiescing on new-page rollover after quiesce, got ok=%v err=%v", ok, err)
	}
}

func TestExitReleasesFDBudget(t *testing.T) {
	e := newTestEngine(t)
	before := e.fdBudget.Reserved()
	if err := e.Exit(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	after := e.fdBudget.Reserved()
	if after != before-e.cfg.FDBudgetPerInstance {
		t.Fatalf("expected FD budget released on exit: before=%d after=%d", before, after)
	}
}

package query

import (
	"testing"

	"github.com/tsengine/tsengine/internal/cache"
	"github.com/tsengine/tsengine/internal/collect"
	"github.com/tsengine/tsengine/internal/commitlog"
	"github.com/tsengine/tsengine/internal/metricid"
	"github.com/tsengine/tsengine/internal/pageindex"
	"github.com/tsengine/tsengine/internal/stats"
)

func collectPoints(t *testing.T, mi *pageindex.MetricIndex, points []int64) {
	t.Helper()
	ring := commitlog.NewRing()
	admission := cache.NewAdmission(8)
	metrics := stats.NewMetrics(nil)
	h := collect.Init(mi, ring, admission, metrics)
	for i, ts := range points {
		if _, ok, err := h.Append(ts, uint32(i+1), 0); !ok || err != nil {
			t.Fatalf("append %d failed: ok=%v err=%v", i, ok, err)
		}
	}
	h.Finalize()
}

func TestQuerySinglePageSequential(t *testing.T) {
	m := metricid.Legacy("dim", "chart")
	mi := pageindex.NewMetricIndex(m)
	collectPoints(t, mi, []int64{1_000_000, 2_000_000, 3_000_000})

	q := Init(mi, 0, 10)
	defer q.Finalize()

	var got []uint32
	for !q.IsFinished() {
		s, _ := q.Next()
		if s == EmptySample {
			break
		}
		got = append(got, s)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d (%v)", len(got), got)
	}
	for i, v := range got {
		if v != uint32(i+1) {
			t.Fatalf("sample %d: expected %d, got %d", i, i+1, v)
		}
	}
}

func TestQueryEmptyMetricIsImmediatelyFinished(t *testing.T) {
	m := metricid.Legacy("dim2", "chart2")
	mi := pageindex.NewMetricIndex(m)

	q := Init(mi, 0, 10)
	if !q.IsFinished() {
		t.Fatal("expected query over empty metric to be finished immediately")
	}
	s, _ := q.Next()
	if s != EmptySample {
		t.Fatalf("expected EmptySample, got %d", s)
	}
}

func TestQueryMultiPageSpan(t *testing.T) {
	m := metricid.Legacy("dim3", "chart3")
	mi := pageindex.NewMetricIndex(m)

	ring := commitlog.NewRing()
	admission := cache.NewAdmission(8)
	metrics := stats.NewMetrics(nil)
	h := collect.Init(mi, ring, admission, metrics)
	h.Append(1_000_000, 1, 0)
	h.Append(2_000_000, 2, 0)
	h.Finalize()

	h2 := collect.Init(mi, ring, admission, metrics)
	h2.Append(3_000_000, 3, 0)
	h2.Append(4_000_000, 4, 0)
	h2.Finalize()

	q := Init(mi, 0, 10)
	defer q.Finalize()

	var got []uint32
	for {
		s, _ := q.Next()
		if s == EmptySample {
			break
		}
		got = append(got, s)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 samples across both pages, got %d (%v)", len(got), got)
	}
}

func TestQueryRangeExcludesOutOfWindowPages(t *testing.T) {
	m := metricid.Legacy("dim4", "chart4")
	mi := pageindex.NewMetricIndex(m)
	collectPoints(t, mi, []int64{1_000_000, 2_000_000, 3_000_000})

	q := Init(mi, 100, 200)
	if !q.IsFinished() {
		t.Fatal("expected query window with no overlapping pages to be finished")
	}
}

func TestVariableStepBoundariesSinglePageRegion(t *testing.T) {
	m := metricid.Legacy("dim5", "chart5")
	mi := pageindex.NewMetricIndex(m)
	collectPoints(t, mi, []int64{1_000_000, 2_000_000, 3_000_000, 4_000_000})

	regions, maxInterval := VariableStepBoundaries(mi, 0, 10_000_000)
	if len(regions) != 1 {
		t.Fatalf("expected 1 region, got %d", len(regions))
	}
	if regions[0].UpdateEvery != 1 {
		t.Fatalf("expected update_every=1s, got %d", regions[0].UpdateEvery)
	}
	if maxInterval != 1 {
		t.Fatalf("expected max interval 1s, got %d", maxInterval)
	}
}

func TestVariableStepBoundariesEmptyIndex(t *testing.T) {
	m := metricid.Legacy("dim6", "chart6")
	mi := pageindex.NewMetricIndex(m)

	regions, maxInterval := VariableStepBoundaries(mi, 0, 10)
	if regions != nil {
		t.Fatalf("expected nil regions for empty index, got %v", regions)
	}
	if maxInterval != 0 {
		t.Fatalf("expected max interval 0, got %d", maxInterval)
	}
}

func TestVariableStepBoundariesDetectsStepChange(t *testing.T) {
	m := metricid.Legacy("dim7", "chart7")
	mi := pageindex.NewMetricIndex(m)

	ring := commitlog.NewRing()
	admission := cache.NewAdmission(8)
	metrics := stats.NewMetrics(nil)

	h := collect.Init(mi, ring, admission, metrics)
	h.Append(1_000_000, 1, 0)
	h.Append(2_000_000, 2, 0)
	h.Append(3_000_000, 3, 0)
	h.Finalize()

	h2 := collect.Init(mi, ring, admission, metrics)
	h2.Append(8_000_000, 4, 0)
	h2.Append(13_000_000, 5, 0)
	h2.Append(18_000_000, 6, 0)
	h2.Finalize()

	regions, maxInterval := VariableStepBoundaries(mi, 0, 20_000_000)
	if len(regions) != 2 {
		t.Fatalf("expected 2 regions across the step change, got %d (%+v)", len(regions), regions)
	}
	if regions[0].UpdateEvery != 1 {
		t.Fatalf("expected first region update_every=1s, got %d", regions[0].UpdateEvery)
	}
	if regions[1].UpdateEvery != 5 {
		t.Fatalf("expected second region update_every=5s, got %d", regions[1].UpdateEvery)
	}
	if maxInterval != 5 {
		t.Fatalf("expected max interval 5s, got %d", maxInterval)
	}
}

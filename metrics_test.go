package tsengine

import "testing"

func TestMetricsReexport(t *testing.T) {
	global := NewGlobalMetrics()
	m := NewMetrics(global)
	m.IncCacheHits()

	var obs Observer = NewMetricsObserver(m)
	obs.ObserveCacheMiss()

	exp := m.Export()
	if len(exp) != 37 {
		t.Fatalf("expected 37 exported fields, got %d", len(exp))
	}
}

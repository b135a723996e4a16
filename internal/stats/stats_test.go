package stats

import "testing"

func TestMetricsExportOrderAndLength(t *testing.T) {
	m := NewMetrics(nil)
	exp := m.Export()
	if len(exp) != 37 {
		t.Fatalf("expected 37 exported fields, got %d", len(exp))
	}
	for i, v := range exp {
		if v != 0 {
			t.Errorf("expected field %d to start at zero, got %d", i, v)
		}
	}
}

func TestMetricsCacheCounters(t *testing.T) {
	m := NewMetrics(nil)
	m.IncCacheHits()
	m.IncCacheHits()
	m.IncCacheMisses()
	m.IncEvictions()
	m.IncBackfills()
	m.IncCacheInsertions()
	m.IncCacheDeletions()

	exp := m.Export()
	if exp[statCacheHits] != 2 {
		t.Errorf("expected 2 cache hits, got %d", exp[statCacheHits])
	}
	if exp[statCacheMisses] != 1 {
		t.Errorf("expected 1 cache miss, got %d", exp[statCacheMisses])
	}
	if exp[statEvictions] != 1 {
		t.Errorf("expected 1 eviction, got %d", exp[statEvictions])
	}
	if exp[statBackfills] != 1 {
		t.Errorf("expected 1 backfill, got %d", exp[statBackfills])
	}
	if exp[statCacheInsertions] != 1 || exp[statCacheDeletions] != 1 {
		t.Errorf("expected 1 insertion and 1 deletion, got %d/%d", exp[statCacheInsertions], exp[statCacheDeletions])
	}
}

func TestMetricsIOCounters(t *testing.T) {
	m := NewMetrics(nil)
	m.AddIOWrite(4096)
	m.AddIOWrite(4096)
	m.AddIORead(8192)
	m.AddWriteExtent(1 << 20)
	m.AddReadExtent(2 << 20)

	exp := m.Export()
	if exp[statIOWriteBytes] != 8192 || exp[statIOWriteRequests] != 2 {
		t.Errorf("unexpected write stats: bytes=%d requests=%d", exp[statIOWriteBytes], exp[statIOWriteRequests])
	}
	if exp[statIOReadBytes] != 8192 || exp[statIOReadRequests] != 1 {
		t.Errorf("unexpected read stats: bytes=%d requests=%d", exp[statIOReadBytes], exp[statIOReadRequests])
	}
	if exp[statWriteExtentBytes] != 1<<20 || exp[statWriteExtentCount] != 1 {
		t.Errorf("unexpected write extent stats")
	}
	if exp[statReadExtentBytes] != 2<<20 || exp[statReadExtentCount] != 1 {
		t.Errorf("unexpected read extent stats")
	}
}

func TestMetricsCompressDecompressBytes(t *testing.T) {
	m := NewMetrics(nil)
	m.AddCompressBytes(4096, 512)
	m.AddDecompressBytes(512, 4096)

	exp := m.Export()
	if exp[statPreCompressBytes] != 4096 || exp[statPostCompressBytes] != 512 {
		t.Errorf("unexpected compress stats")
	}
	if exp[statPreDecompressBytes] != 512 || exp[statPostDecompressBytes] != 4096 {
		t.Errorf("unexpected decompress stats")
	}
}

func TestMetricsGlobalMirroring(t *testing.T) {
	global := NewGlobalMetrics()
	a := NewMetrics(global)
	b := NewMetrics(global)

	a.IncIOError()
	b.IncIOError()
	a.IncFilesystemError()

	if global.IOErrors() != 2 {
		t.Errorf("expected 2 global IO errors, got %d", global.IOErrors())
	}
	if global.FilesystemErrors() != 1 {
		t.Errorf("expected 1 global filesystem error, got %d", global.FilesystemErrors())
	}

	expA := a.Export()
	if expA[statGlobalIOErrors] != 2 {
		t.Errorf("expected instance a's view of global IO errors to be 2, got %d", expA[statGlobalIOErrors])
	}

	if a.Export()[statIOErrors] != 1 {
		t.Errorf("expected instance a's own IO error count to stay 1, got %d", a.Export()[statIOErrors])
	}
}

func TestMetricsOverHalfDirtyAndFlushingPressure(t *testing.T) {
	global := NewGlobalMetrics()
	a := NewMetrics(global)
	c := NewMetrics(global)

	a.IncOverHalfDirtyEvents()
	c.IncOverHalfDirtyEvents()
	a.IncFlushingPressureDeletions()

	if global.OverHalfDirtyEvents() != 2 {
		t.Errorf("expected 2 global over-half-dirty events, got %d", global.OverHalfDirtyEvents())
	}
	if global.FlushingPressureDeletions() != 1 {
		t.Errorf("expected 1 global flushing pressure deletion, got %d", global.FlushingPressureDeletions())
	}
	if a.Export()[statOverHalfDirtyEvents] != 1 {
		t.Errorf("expected instance a's own over-half-dirty count to be 1, got %d", a.Export()[statOverHalfDirtyEvents])
	}
}

func TestMetricsObserverForwarding(t *testing.T) {
	m := NewMetrics(nil)
	obs := NewMetricsObserver(m)

	obs.ObserveCacheHit()
	obs.ObserveCacheMiss()
	obs.ObserveEviction()
	obs.ObserveBackfill()
	obs.ObserveIOError()
	obs.ObserveFilesystemError()
	obs.ObserveFlushingPressureDeletion()

	exp := m.Export()
	if exp[statCacheHits] != 1 || exp[statCacheMisses] != 1 {
		t.Errorf("observer did not forward cache hit/miss correctly")
	}
	if exp[statEvictions] != 1 || exp[statBackfills] != 1 {
		t.Errorf("observer did not forward eviction/backfill correctly")
	}
	if exp[statIOErrors] != 1 || exp[statFilesystemErrors] != 1 {
		t.Errorf("observer did not forward IO/filesystem error correctly")
	}
	if exp[statFlushingPressureDeletions] != 1 {
		t.Errorf("observer did not forward flushing pressure deletion correctly")
	}
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	var obs Observer = NoOpObserver{}
	obs.ObserveCacheHit()
	obs.ObserveCacheMiss()
	obs.ObserveEviction()
	obs.ObserveBackfill()
	obs.ObserveIOError()
	obs.ObserveFilesystemError()
	obs.ObserveFlushingPressureDeletion()
}

func TestMetricsSetters(t *testing.T) {
	m := NewMetrics(nil)
	m.SetPopulatedPages(10)
	m.SetCommittedPages(3)
	m.SetPageCacheDescriptors(42)
	m.SetReservedFDs(16)

	if m.PopulatedPages() != 10 {
		t.Errorf("expected 10 populated pages, got %d", m.PopulatedPages())
	}
	if m.CommittedPages() != 3 {
		t.Errorf("expected 3 committed pages, got %d", m.CommittedPages())
	}
	exp := m.Export()
	if exp[statPageCacheDescriptors] != 42 {
		t.Errorf("expected 42 descriptors, got %d", exp[statPageCacheDescriptors])
	}
	if exp[statReservedFDs] != 16 {
		t.Errorf("expected 16 reserved FDs, got %d", exp[statReservedFDs])
	}
}

func TestMetricsProducerConsumerCounters(t *testing.T) {
	m := NewMetrics(nil)
	m.IncActiveProducers()
	m.IncActiveProducers()
	m.DecActiveProducers()
	m.IncActiveConsumers()
	m.IncTotalDescriptors()
	m.IncTotalDescriptors()
	m.DecTotalDescriptors()

	exp := m.Export()
	if exp[statActiveProducers] != 1 {
		t.Errorf("expected 1 active producer, got %d", exp[statActiveProducers])
	}
	if exp[statActiveConsumers] != 1 {
		t.Errorf("expected 1 active consumer, got %d", exp[statActiveConsumers])
	}
	if exp[statTotalDescriptors] != 1 {
		t.Errorf("expected 1 total descriptor, got %d", exp[statTotalDescriptors])
	}
}

func TestMetricsDatafileJournalfileCounters(t *testing.T) {
	m := NewMetrics(nil)
	m.IncDatafileCreations()
	m.IncDatafileDeletions()
	m.IncJournalfileCreations()
	m.IncJournalfileCreations()
	m.IncJournalfileDeletions()

	exp := m.Export()
	if exp[statDatafileCreations] != 1 || exp[statDatafileDeletions] != 1 {
		t.Errorf("unexpected datafile counters")
	}
	if exp[statJournalfileCreations] != 2 || exp[statJournalfileDeletions] != 1 {
		t.Errorf("unexpected journalfile counters")
	}
}

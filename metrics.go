package tsengine

import "github.com/tsengine/tsengine/internal/stats"

// Re-export the statistics types for callers of the public API; the
// implementation lives in internal/stats so internal packages (collect,
// query, worker) can depend on it without importing this root package.
type (
	Metrics         = stats.Metrics
	GlobalMetrics   = stats.GlobalMetrics
	Observer        = stats.Observer
	NoOpObserver    = stats.NoOpObserver
	MetricsObserver = stats.MetricsObserver
)

var (
	NewMetrics         = stats.NewMetrics
	NewGlobalMetrics   = stats.NewGlobalMetrics
	NewMetricsObserver = stats.NewMetricsObserver
)

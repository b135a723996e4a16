// Package mem provides an in-memory codec.Codec implementation, used by
// tests and by hosts that want the engine's cache semantics without a
// real datafile/journal on disk. Pages are kept per metric, keyed by
// start time, in a map split across sharded locks.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/tsengine/tsengine/internal/codec"
	"github.com/tsengine/tsengine/internal/metricid"
)

// shardCount controls how many locks guard the per-metric page map,
// trading contention against memory for parallel collectors/flushes
// across distinct metrics.
const shardCount = 64

type storedPage struct {
	start, end int64
	bytes      []byte
}

// Codec is an in-memory implementation of codec.Codec. It never returns
// IoFailure; it exists to exercise the engine's cache logic in isolation
// from a real storage layer.
type Codec struct {
	shards [shardCount]struct {
		mu    sync.RWMutex
		pages map[metricid.ID][]storedPage
	}
}

// New creates an empty in-memory codec.
func New() *Codec {
	c := &Codec{}
	for i := range c.shards {
		c.shards[i].pages = make(map[metricid.ID][]storedPage)
	}
	return c
}

func (c *Codec) shardFor(id metricid.ID) *struct {
	mu    sync.RWMutex
	pages map[metricid.ID][]storedPage
} {
	var h byte
	for _, b := range id {
		h ^= b
	}
	return &c.shards[int(h)%shardCount]
}

// WritePages stores each request's bytes, keyed by (metric, start/end).
// A later write for the same (metric, start) replaces the prior entry.
func (c *Codec) WritePages(ctx context.Context, batch []codec.WriteRequest) ([]codec.WriteResult, error) {
	results := make([]codec.WriteResult, len(batch))
	for i, req := range batch {
		shard := c.shardFor(req.Metric)
		shard.mu.Lock()
		pages := shard.pages[req.Metric]
		replaced := false
		for j, p := range pages {
			if p.start == req.StartTime {
				pages[j] = storedPage{start: req.StartTime, end: req.EndTime, bytes: append([]byte(nil), req.Bytes...)}
				replaced = true
				break
			}
		}
		if !replaced {
			pages = append(pages, storedPage{start: req.StartTime, end: req.EndTime, bytes: append([]byte(nil), req.Bytes...)})
			sort.Slice(pages, func(a, b int) bool { return pages[a].start < pages[b].start })
		}
		shard.pages[req.Metric] = pages
		shard.mu.Unlock()

		results[i] = codec.WriteResult{
			Metric:      req.Metric,
			StartTime:   req.StartTime,
			IOBytes:     int64(len(req.Bytes)),
			ExtentBytes: int64(len(req.Bytes)),
		}
	}
	return results, nil
}

// ReadPage returns the bytes of the stored page whose start/end range
// exactly covers [startTime, endTime].
func (c *Codec) ReadPage(ctx context.Context, metric metricid.ID, startTime, endTime int64) ([]byte, error) {
	shard := c.shardFor(metric)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	for _, p := range shard.pages[metric] {
		if p.start == startTime && p.end == endTime {
			out := make([]byte, len(p.bytes))
			copy(out, p.bytes)
			return out, nil
		}
	}
	return nil, codec.ErrNotFound
}

// RangeInfo returns PageInfo records for every stored page of metric
// overlapping [from, to], ascending by start time.
func (c *Codec) RangeInfo(ctx context.Context, metric metricid.ID, from, to int64) ([]codec.PageInfo, error) {
	shard := c.shardFor(metric)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	var out []codec.PageInfo
	for _, p := range shard.pages[metric] {
		if p.end < from || p.start > to {
			continue
		}
		out = append(out, codec.PageInfo{StartTime: p.start, EndTime: p.end})
	}
	return out, nil
}

// Close releases the codec's storage.
func (c *Codec) Close() error {
	for i := range c.shards {
		c.shards[i].mu.Lock()
		c.shards[i].pages = nil
		c.shards[i].mu.Unlock()
	}
	return nil
}

var _ codec.Codec = (*Codec)(nil)

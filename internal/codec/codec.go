// Package codec defines the contract between the page cache engine and
// the external datafile/journal codec (spec.md §6). The core never
// defines wire or file formats; it only calls through this interface.
package codec

import (
	"context"
	"errors"

	"github.com/tsengine/tsengine/internal/metricid"
)

// ErrNotFound is returned by ReadPage when no page covers the requested
// range.
var ErrNotFound = errors.New("codec: page not found")

// WriteRequest is one page queued for flush: the descriptor's identity,
// its committed bytes, and enough metadata to reconstruct the descriptor
// on reload.
type WriteRequest struct {
	Metric    metricid.ID
	StartTime int64
	EndTime   int64
	Bytes     []byte
}

// WriteResult reports the outcome of flushing one WriteRequest.
type WriteResult struct {
	Metric       metricid.ID
	StartTime    int64
	Err          error
	IOBytes      int64
	ExtentBytes  int64
	PreCompress  int64
	PostCompress int64
}

// PageInfo is one entry of a range_info iteration: enough to reconstruct
// a descriptor without loading its bytes.
type PageInfo struct {
	StartTime int64
	EndTime   int64
}

// Codec is the external storage contract of spec.md §6. Implementations
// decide compression and extent packing; the core only sees bytes in and
// bytes/PageInfo out.
type Codec interface {
	// WritePages accepts an ordered batch of pages and returns one
	// WriteResult per request, in the same order. The core clears DIRTY
	// and removes a page from the commit ring only for entries whose
	// Err is nil.
	WritePages(ctx context.Context, batch []WriteRequest) ([]WriteResult, error)

	// ReadPage returns the bytes of the page covering [startTime,
	// endTime] for metric, or ErrNotFound.
	ReadPage(ctx context.Context, metric metricid.ID, startTime, endTime int64) ([]byte, error)

	// RangeInfo returns page-info records for metric overlapping [from,
	// to], ascending by StartTime. Used to support oldest_time_in_range
	// and preload against data this engine instance did not itself
	// populate in memory.
	RangeInfo(ctx context.Context, metric metricid.ID, from, to int64) ([]PageInfo, error)

	// Close releases any resources held by the codec.
	Close() error
}

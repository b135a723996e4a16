package page

import (
	"sync"

	"github.com/tsengine/tsengine/internal/constants"
)

// bufferPool recycles page-sized byte slices across the collect (new
// page) and worker (evict/reload) paths, adapted from the source
// codebase's size-bucketed I/O buffer pool to this package's single
// fixed page size: every Buffer.Data here is PAGE_SIZE bytes, so one
// sync.Pool bucket suffices instead of the source's power-of-2 ladder.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, constants.PageSize)
		return &b
	},
}

// getBuffer returns a zeroed, pool-backed byte slice of the configured
// page size. Callers that accept a custom size (tests using non-default
// page sizes) bypass the pool and allocate directly.
func getBuffer(size int) []byte {
	if size != constants.PageSize {
		return make([]byte, size)
	}
	buf := *(bufferPool.Get().(*[]byte))
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// putBuffer returns buf to the pool if it matches the pooled size.
// Buffers of any other length (non-default page sizes) are left for the
// garbage collector.
func putBuffer(buf []byte) {
	if cap(buf) != constants.PageSize {
		return
	}
	buf = buf[:constants.PageSize]
	bufferPool.Put(&buf)
}

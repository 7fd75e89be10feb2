package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool is a multi-tiered byte slice pool for different size classes
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets atomic.Uint64
	puts atomic.Uint64
}

// Request reads are bounded to a single 1 KiB read
var defaultSizes = []int{
	1024,
	4096,
}

// NewBytePool creates a new byte pool with standard size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// GetBuffer returns a buffer of at least size bytes, sliced to size
func (bp *BytePool) GetBuffer(size int) *[]byte {
	bp.gets.Add(1)
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			buf := bp.pools[i].Get().(*[]byte)
			*buf = (*buf)[:size]
			return buf
		}
	}

	buf := make([]byte, size)
	return &buf
}

// PutBuffer returns a buffer to the pool. Buffers that did not come from a
// tier are left to the GC.
func (bp *BytePool) PutBuffer(buf *[]byte) {
	if buf == nil {
		return
	}

	capacity := cap(*buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			*buf = (*buf)[:capacity]
			bp.pools[i].Put(buf)
			bp.puts.Add(1)
			return
		}
	}
}

// BytePoolStats contains pool statistics
type BytePoolStats struct {
	Gets uint64 `json:"gets"`
	Puts uint64 `json:"puts"`
}

// Stats returns pool statistics
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		Gets: bp.gets.Load(),
		Puts: bp.puts.Load(),
	}
}

package buffer

import (
	"sync"
	"sync/atomic"
)

// DefaultChunkSize is the chunk size used when none is configured.
const DefaultChunkSize = 64 * 1024

// ChunkPool hands out fixed-size byte slices for streaming transfers.
type ChunkPool struct {
	size  int
	pool  sync.Pool
	gets  atomic.Uint64
	puts  atomic.Uint64
	fresh atomic.Uint64
}

// PoolStats describes pool usage.
type PoolStats struct {
	ChunkSize   int    `json:"chunk_size"`
	Gets        uint64 `json:"gets"`
	Puts        uint64 `json:"puts"`
	Allocations uint64 `json:"allocations"`
}

// NewChunkPool creates a pool of size-byte chunks.
func NewChunkPool(size int) *ChunkPool {
	if size <= 0 {
		size = DefaultChunkSize
	}
	p := &ChunkPool{size: size}
	p.pool.New = func() interface{} {
		p.fresh.Add(1)
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size returns the chunk size.
func (p *ChunkPool) Size() int {
	return p.size
}

// Get returns a chunk of full length.
func (p *ChunkPool) Get() []byte {
	p.gets.Add(1)
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put returns a chunk to the pool. Chunks of a foreign capacity are dropped.
func (p *ChunkPool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	p.puts.Add(1)
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

// GetStats returns current pool statistics.
func (p *ChunkPool) GetStats() PoolStats {
	return PoolStats{
		ChunkSize:   p.size,
		Gets:        p.gets.Load(),
		Puts:        p.puts.Load(),
		Allocations: p.fresh.Load(),
	}
}

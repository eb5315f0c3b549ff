package storage

import (
	"sync/atomic"

	"github.com/malbeclabs/silo/pkg/metrics"
)

// MemPool tracks the bytes a reader or writer holds. Pools are per-component;
// the aggregate across all live pools feeds the memory_pool_bytes_total gauge.
type MemPool struct {
	bytes atomic.Int64
}

func NewMemPool() *MemPool {
	return &MemPool{}
}

func (p *MemPool) Grow(n int64) {
	p.bytes.Add(n)
	metrics.MemoryPoolBytesTotal.Add(float64(n))
}

func (p *MemPool) Bytes() int64 {
	return p.bytes.Load()
}

// Release returns all tracked bytes to the aggregate gauge.
func (p *MemPool) Release() {
	n := p.bytes.Swap(0)
	if n != 0 {
		metrics.MemoryPoolBytesTotal.Sub(float64(n))
	}
}

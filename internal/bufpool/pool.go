// Package bufpool provides size-bucketed byte-slice reuse plus a
// "skip N bytes then append up to M" streaming helper (Window) that
// serves a read(offset, length) window from a stream. No other package
// in this module imports it: the crossfs content filters and the etcfs
// override engine work on whole in-memory buffers.
package bufpool

import (
	"sync"
)

// bucket sizes span small records of a few hundred bytes up to 1 MiB
// reads.
var bucketSizes = []int{
	512,
	4096,
	16384,
	65536,
	262144,
	1048576,
}

// Pool is a size-bucketed sync.Pool wrapper for byte slices.
type Pool struct {
	pools map[int]*sync.Pool
	sizes []int
}

// New returns a Pool with the default bucket sizes.
func New() *Pool {
	p := &Pool{
		pools: make(map[int]*sync.Pool, len(bucketSizes)),
		sizes: bucketSizes,
	}
	for _, size := range bucketSizes {
		size := size
		p.pools[size] = &sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		}
	}
	return p
}

// Get returns a byte slice of length size, drawn from the smallest
// bucket that can hold it, or allocated directly if size exceeds every
// bucket.
func (p *Pool) Get(size int) []byte {
	for _, bucketSize := range p.sizes {
		if bucketSize >= size {
			buf := p.pools[bucketSize].Get().([]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to its bucket for reuse. Slices not originally drawn
// from a bucket (including direct overflow allocations) are dropped.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	capacity := cap(buf)
	if pool, ok := p.pools[capacity]; ok {
		pool.Put(buf[:capacity])
	}
}

// Default is a process-wide shared pool.
var Default = New()

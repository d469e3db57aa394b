// Package mempool pools short-lived byte buffers by size class.
package mempool

import "sync"

// BucketSizes are the capacities of the pooled size classes.
var BucketSizes = [5]int{256, 1 << 10, 4 << 10, 16 << 10, 64 << 10}

// Pool hands out buffers from the smallest class that fits. Larger
// requests are allocated directly and never pooled.
type Pool struct {
	pools [len(BucketSizes)]sync.Pool
}

func NewPool() *Pool {
	p := &Pool{}
	for i := range p.pools {
		size := BucketSizes[i]
		p.pools[i].New = func() any {
			buf := make([]byte, 0, size)
			return &buf
		}
	}
	return p
}

// Get returns an empty slice with capacity of at least n.
func (p *Pool) Get(n int) []byte {
	i := bucket(n)
	if i < 0 {
		return make([]byte, 0, n)
	}
	return (*p.pools[i].Get().(*[]byte))[:0]
}

// Put recycles buf. The caller must not use buf afterwards.
func (p *Pool) Put(buf []byte) {
	i := bucket(cap(buf))
	// Only exact class capacities go back, so Get never returns a buffer
	// smaller than its class.
	if i < 0 || cap(buf) != BucketSizes[i] {
		return
	}
	buf = buf[:0]
	p.pools[i].Put(&buf)
}

func bucket(n int) int {
	for i, size := range BucketSizes {
		if n <= size {
			return i
		}
	}
	return -1
}

// Default is shared by table readers for compressed block reads.
var Default = NewPool()

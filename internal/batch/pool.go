package batch

import "sync"

// maxPooledSize is the largest batch returned to the pool. Larger buffers
// are left to the garbage collector.
const maxPooledSize = 1 << 20

var pool = sync.Pool{
	New: func() any { return New() },
}

// Get returns an empty batch from the shared pool.
func Get() *WriteBatch {
	wb := pool.Get().(*WriteBatch)
	wb.Clear()
	return wb
}

// Put returns wb to the shared pool. wb must not be used afterwards.
func Put(wb *WriteBatch) {
	if wb == nil || cap(wb.data) > maxPooledSize {
		return
	}
	pool.Put(wb)
}

// Package cache provides a reference-counted LRU cache.
//
// Entries are pinned while a caller holds a Handle. Eviction unlinks an
// entry immediately but defers the OnEvict callback until the last handle
// is released, so a value is never torn down under an active reader.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Handle pins a cache entry. Release it exactly once.
type Handle[K comparable, V any] struct {
	key     K
	value   V
	refs    int
	evicted bool
	elem    *list.Element
}

func (h *Handle[K, V]) Value() V { return h.value }
func (h *Handle[K, V]) Key() K   { return h.key }

// LRU holds up to capacity entries.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	table    map[K]*Handle[K, V]
	lru      *list.List
	onEvict  func(K, V)

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewLRU returns a cache holding at most capacity unpinned entries.
// onEvict may be nil.
func NewLRU[K comparable, V any](capacity int, onEvict func(K, V)) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		table:    make(map[K]*Handle[K, V]),
		lru:      list.New(),
		onEvict:  onEvict,
	}
}

// Lookup returns a pinned handle or nil.
func (c *LRU[K, V]) Lookup(key K) *Handle[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.table[key]
	if !ok {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	h.refs++
	c.lru.MoveToFront(h.elem)
	return h
}

// Insert adds value under key and returns it pinned. When key is already
// present the existing entry wins and the new value is handed to onEvict.
func (c *LRU[K, V]) Insert(key K, value V) *Handle[K, V] {
	var dropped []*Handle[K, V]
	c.mu.Lock()
	if h, ok := c.table[key]; ok {
		h.refs++
		c.lru.MoveToFront(h.elem)
		c.mu.Unlock()
		if c.onEvict != nil {
			c.onEvict(key, value)
		}
		return h
	}

	h := &Handle[K, V]{key: key, value: value, refs: 1}
	h.elem = c.lru.PushFront(h)
	c.table[key] = h
	for c.lru.Len() > c.capacity {
		victim := c.lru.Back().Value.(*Handle[K, V])
		if victim == h {
			break
		}
		if d := c.unlinkLocked(victim); d != nil {
			dropped = append(dropped, d)
		}
	}
	c.mu.Unlock()

	c.finalize(dropped)
	return h
}

// Release unpins h.
func (c *LRU[K, V]) Release(h *Handle[K, V]) {
	if h == nil {
		return
	}
	c.mu.Lock()
	h.refs--
	done := h.evicted && h.refs == 0
	c.mu.Unlock()
	if done {
		c.finalize([]*Handle[K, V]{h})
	}
}

// Erase removes key. Pinned entries are finalized on their last Release.
func (c *LRU[K, V]) Erase(key K) {
	c.mu.Lock()
	var dropped *Handle[K, V]
	if h, ok := c.table[key]; ok {
		dropped = c.unlinkLocked(h)
	}
	c.mu.Unlock()
	if dropped != nil {
		c.finalize([]*Handle[K, V]{dropped})
	}
}

// Purge erases every entry.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	var dropped []*Handle[K, V]
	for _, h := range c.table {
		if d := c.unlinkLocked(h); d != nil {
			dropped = append(dropped, d)
		}
	}
	c.mu.Unlock()
	c.finalize(dropped)
}

func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// Stats returns the hit and miss counts of Lookup.
func (c *LRU[K, V]) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// unlinkLocked removes h from the index and returns it when nobody pins it.
func (c *LRU[K, V]) unlinkLocked(h *Handle[K, V]) *Handle[K, V] {
	c.lru.Remove(h.elem)
	delete(c.table, h.key)
	h.evicted = true
	if h.refs == 0 {
		return h
	}
	return nil
}

func (c *LRU[K, V]) finalize(hs []*Handle[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, h := range hs {
		c.onEvict(h.key, h.value)
	}
}

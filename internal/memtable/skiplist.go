// Package memtable holds recent writes in memory, ordered by internal key.
//
// The skiplist allows any number of concurrent readers alongside a single
// writer. Writers must be serialized by the caller. Nodes are never
// removed; a memtable is dropped as a whole once it has been flushed.
package memtable

import (
	"math/rand/v2"
	"sync/atomic"
)

const (
	maxHeight = 12
	branching = 4
)

type node struct {
	key   []byte
	value []byte
	next  []atomic.Pointer[node]
}

func newNode(key, value []byte, height int) *node {
	return &node{key: key, value: value, next: make([]atomic.Pointer[node], height)}
}

// skiplist orders nodes with cmp. Duplicate keys are rejected.
type skiplist struct {
	head   *node
	height atomic.Int32
	cmp    func(a, b []byte) int
	rng    *rand.Rand
	count  atomic.Int64
}

func newSkiplist(cmp func(a, b []byte) int) *skiplist {
	s := &skiplist{
		head: newNode(nil, nil, maxHeight),
		cmp:  cmp,
		rng:  rand.New(rand.NewPCG(0x5eed, 0xdecade)),
	}
	s.height.Store(1)
	return s
}

// insert links a node for key. It reports false when key already exists.
func (s *skiplist) insert(key, value []byte) bool {
	var prev [maxHeight]*node
	if x := s.findGreaterOrEqual(key, &prev); x != nil && s.cmp(key, x.key) == 0 {
		return false
	}

	h := s.randomHeight()
	if cur := int(s.height.Load()); h > cur {
		for i := cur; i < h; i++ {
			prev[i] = s.head
		}
		// Readers that see the new height before the links find nil at the
		// new levels in head and simply drop down.
		s.height.Store(int32(h))
	}

	n := newNode(key, value, h)
	for i := 0; i < h; i++ {
		n.next[i].Store(prev[i].next[i].Load())
		prev[i].next[i].Store(n)
	}
	s.count.Add(1)
	return true
}

func (s *skiplist) findGreaterOrEqual(key []byte, prev *[maxHeight]*node) *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.next[level].Load()
		if next != nil && s.cmp(key, next.key) > 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

func (s *skiplist) randomHeight() int {
	h := 1
	for h < maxHeight && s.rng.IntN(branching) == 0 {
		h++
	}
	return h
}

func (s *skiplist) first() *node {
	return s.head.next[0].Load()
}

// Package iterator merges sorted internal-key iterators.
package iterator

import (
	"container/heap"
	"errors"

	"github.com/aalhour/rocklet/internal/dbformat"
)

// Iterator is a forward iterator over internal keys. Key and Value are
// valid until the next positioning call.
type Iterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	SeekToFirst()
	// Seek positions at the first entry with key >= target.
	Seek(target []byte)
	Next()
	Error() error
	Close() error
}

// MergingIterator merges sorted children with a min-heap. Children listed
// earlier win ties, so callers pass the newest source first.
type MergingIterator struct {
	children []Iterator
	cmp      func(a, b []byte) int
	h        iterHeap
	current  int // index into children, -1 if invalid
	err      error
}

// NewMergingIterator orders entries with dbformat.Compare.
func NewMergingIterator(children ...Iterator) *MergingIterator {
	mi := &MergingIterator{
		children: children,
		cmp:      dbformat.Compare,
		current:  -1,
	}
	mi.h = iterHeap{items: make([]heapItem, 0, len(children)), cmp: mi.cmp}
	return mi
}

func (mi *MergingIterator) Valid() bool {
	return mi.err == nil && mi.current >= 0
}

func (mi *MergingIterator) Key() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Key()
}

func (mi *MergingIterator) Value() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Value()
}

func (mi *MergingIterator) SeekToFirst() {
	mi.rebuild(func(it Iterator) { it.SeekToFirst() })
}

func (mi *MergingIterator) Seek(target []byte) {
	mi.rebuild(func(it Iterator) { it.Seek(target) })
}

func (mi *MergingIterator) rebuild(position func(Iterator)) {
	mi.err = nil
	mi.h.items = mi.h.items[:0]
	for i, child := range mi.children {
		position(child)
		if err := child.Error(); err != nil {
			mi.err = err
			mi.current = -1
			return
		}
		if child.Valid() {
			mi.h.items = append(mi.h.items, heapItem{index: i, key: child.Key()})
		}
	}
	heap.Init(&mi.h)
	mi.findSmallest()
}

func (mi *MergingIterator) Next() {
	if !mi.Valid() {
		return
	}
	child := mi.children[mi.current]
	child.Next()
	if err := child.Error(); err != nil {
		mi.err = err
		mi.current = -1
		return
	}
	if child.Valid() {
		mi.h.items[0].key = child.Key()
		heap.Fix(&mi.h, 0)
	} else {
		heap.Pop(&mi.h)
	}
	mi.findSmallest()
}

func (mi *MergingIterator) Error() error {
	return mi.err
}

// Close closes every child.
func (mi *MergingIterator) Close() error {
	var errs []error
	for _, child := range mi.children {
		if err := child.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	mi.current = -1
	return errors.Join(errs...)
}

func (mi *MergingIterator) findSmallest() {
	if mi.h.Len() == 0 {
		mi.current = -1
		return
	}
	mi.current = mi.h.items[0].index
}

type heapItem struct {
	index int
	key   []byte
}

type iterHeap struct {
	items []heapItem
	cmp   func(a, b []byte) int
}

func (h *iterHeap) Len() int { return len(h.items) }

func (h *iterHeap) Less(i, j int) bool {
	if c := h.cmp(h.items[i].key, h.items[j].key); c != 0 {
		return c < 0
	}
	return h.items[i].index < h.items[j].index
}

func (h *iterHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *iterHeap) Push(x any) {
	h.items = append(h.items, x.(heapItem))
}

func (h *iterHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

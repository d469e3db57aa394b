// Package block implements the prefix-compressed sorted blocks that make up
// a table file.
//
// Block layout:
//
//	entry*  restart[num_restarts] (fixed32 each)  num_restarts (fixed32)
//	entry = shared (varint) | unshared (varint) | value_len (varint) | key[shared:] | value
//
// Every restartInterval entries the key is stored in full and its offset
// is recorded as a restart point, which makes binary search possible.
package block

import (
	"github.com/aalhour/rocklet/internal/encoding"
)

// DefaultRestartInterval is the number of entries between restart points.
const DefaultRestartInterval = 16

// Builder accumulates entries for one block. Keys must be added in
// increasing order.
type Builder struct {
	buf             []byte
	restarts        []uint32
	counter         int
	restartInterval int
	lastKey         []byte
	entries         int
}

func NewBuilder(restartInterval int) *Builder {
	if restartInterval < 1 {
		restartInterval = 1
	}
	return &Builder{
		restartInterval: restartInterval,
		restarts:        []uint32{0},
	}
}

// Reset clears the builder so it can be reused after Finish.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.restarts = b.restarts[:1]
	b.counter = 0
	b.lastKey = b.lastKey[:0]
	b.entries = 0
}

func (b *Builder) Add(key, value []byte) {
	shared := 0
	if b.counter < b.restartInterval {
		shared = sharedPrefixLength(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.counter = 0
	}

	b.buf = encoding.AppendVarint32(b.buf, uint32(shared))
	b.buf = encoding.AppendVarint32(b.buf, uint32(len(key)-shared))
	b.buf = encoding.AppendVarint32(b.buf, uint32(len(value)))
	b.buf = append(b.buf, key[shared:]...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
	b.entries++
}

// EstimatedSize is the size Finish would produce.
func (b *Builder) EstimatedSize() int {
	return len(b.buf) + 4*len(b.restarts) + 4
}

func (b *Builder) Empty() bool     { return b.entries == 0 }
func (b *Builder) Entries() int    { return b.entries }
func (b *Builder) LastKey() []byte { return b.lastKey }

// Finish appends the restart array and returns the block contents. The
// slice is owned by the builder until Reset.
func (b *Builder) Finish() []byte {
	for _, r := range b.restarts {
		b.buf = encoding.AppendFixed32(b.buf, r)
	}
	b.buf = encoding.AppendFixed32(b.buf, uint32(len(b.restarts)))
	return b.buf
}

func sharedPrefixLength(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

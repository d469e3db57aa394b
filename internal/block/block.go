package block

import (
	"errors"
	"sort"

	"github.com/aalhour/rocklet/internal/encoding"
)

// ErrBadBlock is returned for blocks whose structure cannot be decoded.
var ErrBadBlock = errors.New("block: bad block contents")

// Compare orders the keys stored in a block.
type Compare func(a, b []byte) int

// Block is a decoded, immutable block. It aliases the bytes it was built from.
type Block struct {
	data        []byte
	restarts    int // offset of the restart array
	numRestarts int
}

func NewBlock(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, ErrBadBlock
	}
	n := int(encoding.DecodeFixed32(data[len(data)-4:]))
	if n == 0 || n > (len(data)-4)/4 {
		return nil, ErrBadBlock
	}
	return &Block{
		data:        data,
		restarts:    len(data) - 4 - 4*n,
		numRestarts: n,
	}, nil
}

func (b *Block) Size() int { return len(b.data) }

func (b *Block) restartPoint(i int) int {
	return int(encoding.DecodeFixed32(b.data[b.restarts+4*i:]))
}

// NewIterator returns an unpositioned iterator ordered by cmp.
func (b *Block) NewIterator(cmp Compare) *Iterator {
	return &Iterator{block: b, cmp: cmp}
}

// Iterator walks a block forward.
type Iterator struct {
	block *Block
	cmp   Compare

	next  int // offset of the entry after the current one
	key   []byte
	value []byte
	valid bool
	err   error
}

func (it *Iterator) Valid() bool   { return it.valid }
func (it *Iterator) Key() []byte   { return it.key }
func (it *Iterator) Value() []byte { return it.value }
func (it *Iterator) Error() error  { return it.err }

func (it *Iterator) SeekToFirst() {
	it.seekToRestart(0)
	it.Next()
}

func (it *Iterator) Next() {
	if it.err != nil || it.next >= it.block.restarts {
		it.valid = false
		return
	}
	it.parseEntry()
}

// Seek positions at the first entry with key >= target.
func (it *Iterator) Seek(target []byte) {
	if it.block.restarts == 0 {
		it.valid = false
		return
	}
	// Last restart point whose key is < target.
	i := sort.Search(it.block.numRestarts, func(i int) bool {
		it.seekToRestart(i)
		it.parseEntry()
		return it.err != nil || it.cmp(it.key, target) >= 0
	})
	if it.err != nil {
		it.valid = false
		return
	}
	if i > 0 {
		i--
	}
	it.seekToRestart(i)
	for it.Next(); it.valid; it.Next() {
		if it.cmp(it.key, target) >= 0 {
			return
		}
	}
}

func (it *Iterator) seekToRestart(i int) {
	it.key = it.key[:0]
	it.value = nil
	it.valid = false
	it.next = it.block.restartPoint(i)
}

func (it *Iterator) parseEntry() {
	d := encoding.NewDecoder(it.block.data[it.next:it.block.restarts])
	shared := int(d.Varint32())
	unshared := int(d.Varint32())
	valueLen := int(d.Varint32())
	keyDelta := d.Bytes(unshared)
	value := d.Bytes(valueLen)
	if d.Err() != nil || shared > len(it.key) {
		it.err = ErrBadBlock
		it.valid = false
		return
	}
	it.key = append(it.key[:shared], keyDelta...)
	it.value = value
	it.next = it.block.restarts - d.Remaining()
	it.valid = true
}

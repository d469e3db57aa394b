// Package filter implements the per-table Bloom filter over user keys.
//
// The filter is cache-local: every bit set for a key lands in the same
// 64-byte line, picked by the low half of the key's xxh3 hash. The high
// half drives the k bit positions within the line.
//
// Layout:
//
//	data[0:len-5]  filter bits, a whole number of 64-byte lines
//	data[len-5]    format marker (0xFF)
//	data[len-4]    layout marker (0x00, cache-local)
//	data[len-3]    bits set per key (k), 0 for an always-false filter
//	data[len-2]    reserved
//	data[len-1]    reserved
package filter

import (
	"errors"
	"fmt"

	"github.com/aalhour/rocklet/internal/checksum"
)

const (
	CacheLineSize = 64
	CacheLineBits = CacheLineSize * 8

	// MetadataLen is the number of trailing metadata bytes.
	MetadataLen = 5

	formatMarker = byte(0xFF)
	layoutMarker = byte(0x00)
)

// ErrBadFilter is returned for filter data this package did not write.
var ErrBadFilter = errors.New("filter: unrecognized filter block")

// Builder collects key hashes and lays out the filter on Finish.
type Builder struct {
	bitsPerKey int
	hashes     []uint64
}

// NewBuilder returns a builder using bitsPerKey bits per key; 10 gives
// a false positive rate of about 1%.
func NewBuilder(bitsPerKey int) *Builder {
	return &Builder{
		bitsPerKey: max(bitsPerKey, 1),
		hashes:     make([]uint64, 0, 256),
	}
}

func (b *Builder) AddKey(key []byte) {
	b.hashes = append(b.hashes, checksum.XXH3(key))
}

func (b *Builder) NumKeys() int { return len(b.hashes) }

// EstimatedSize is the size Finish would return now.
func (b *Builder) EstimatedSize() int {
	if len(b.hashes) == 0 {
		return MetadataLen
	}
	return space(len(b.hashes), b.bitsPerKey)
}

// Finish returns the filter block and resets the builder.
func (b *Builder) Finish() []byte {
	if len(b.hashes) == 0 {
		return []byte{formatMarker, layoutMarker, 0, 0, 0}
	}

	data := make([]byte, space(len(b.hashes), b.bitsPerKey))
	bitsLen := uint32(len(data) - MetadataLen)
	k := numHashes(b.bitsPerKey * 1000)
	for _, h := range b.hashes {
		line := cacheLine(h, bitsLen, data)
		setBits(uint32(h>>32), k, line)
	}

	meta := data[bitsLen:]
	meta[0] = formatMarker
	meta[1] = layoutMarker
	meta[2] = byte(k)

	b.hashes = b.hashes[:0]
	return data
}

// Reader answers membership queries against a filter block.
type Reader struct {
	data    []byte
	bitsLen uint32
	k       int
}

// NewReader validates the metadata of data. The Reader aliases data.
func NewReader(data []byte) (*Reader, error) {
	if len(data) < MetadataLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadFilter, len(data))
	}
	bitsLen := len(data) - MetadataLen
	meta := data[bitsLen:]
	if meta[0] != formatMarker || meta[1] != layoutMarker {
		return nil, fmt.Errorf("%w: markers %#x %#x", ErrBadFilter, meta[0], meta[1])
	}
	if bitsLen%CacheLineSize != 0 {
		return nil, fmt.Errorf("%w: %d filter bytes is not a whole number of lines", ErrBadFilter, bitsLen)
	}
	return &Reader{data: data, bitsLen: uint32(bitsLen), k: int(meta[2])}, nil
}

// MayContain reports false only when key was definitely not added.
func (r *Reader) MayContain(key []byte) bool {
	if r.bitsLen == 0 || r.k == 0 {
		return false
	}
	h := checksum.XXH3(key)
	return checkBits(uint32(h>>32), r.k, cacheLine(h, r.bitsLen, r.data))
}

func space(numKeys, bitsPerKey int) int {
	lines := max((numKeys*bitsPerKey+CacheLineBits-1)/CacheLineBits, 1)
	return lines*CacheLineSize + MetadataLen
}

// numHashes picks k, the bits set per key, that minimizes the false
// positive rate of a cache-local filter at the given millibits per key.
func numHashes(millibitsPerKey int) int {
	switch {
	case millibitsPerKey <= 2080:
		return 1
	case millibitsPerKey <= 3580:
		return 2
	case millibitsPerKey <= 5100:
		return 3
	case millibitsPerKey <= 6640:
		return 4
	case millibitsPerKey <= 8300:
		return 5
	case millibitsPerKey <= 10070:
		return 6
	case millibitsPerKey <= 11720:
		return 7
	case millibitsPerKey <= 14001:
		return 8
	case millibitsPerKey <= 16050:
		return 9
	case millibitsPerKey <= 18300:
		return 10
	case millibitsPerKey <= 22001:
		return 11
	case millibitsPerKey <= 25501:
		return 12
	case millibitsPerKey > 50000:
		return 24
	default:
		return (millibitsPerKey-1)/2000 - 1
	}
}

func cacheLine(h uint64, bitsLen uint32, data []byte) []byte {
	lines := bitsLen / CacheLineSize
	// Multiply-shift maps the low hash half onto [0, lines).
	off := uint32((uint64(uint32(h))*uint64(lines))>>32) * CacheLineSize
	return data[off : off+CacheLineSize]
}

func setBits(h uint32, k int, line []byte) {
	for range k {
		bit := h >> (32 - 9)
		line[bit>>3] |= 1 << (bit & 7)
		h *= 0x9e3779b9
	}
}

func checkBits(h uint32, k int, line []byte) bool {
	for range k {
		bit := h >> (32 - 9)
		if line[bit>>3]&(1<<(bit&7)) == 0 {
			return false
		}
		h *= 0x9e3779b9
	}
	return true
}

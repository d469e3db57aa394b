// Package encoding provides the fixed-width and varint primitives shared by
// the on-disk formats. Multi-byte integers are little-endian; varints use
// 7-bit groups with the high bit as continuation.
package encoding

import (
	"encoding/binary"
	"errors"
)

const (
	MaxVarint32Length = 5
	MaxVarint64Length = binary.MaxVarintLen64
)

var (
	ErrBufferTooSmall    = errors.New("encoding: buffer too small")
	ErrVarintOverflow    = errors.New("encoding: varint overflow")
	ErrVarintTermination = errors.New("encoding: varint not terminated")
)

func EncodeFixed32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }
func EncodeFixed64(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }
func DecodeFixed16(src []byte) uint16    { return binary.LittleEndian.Uint16(src) }
func DecodeFixed32(src []byte) uint32    { return binary.LittleEndian.Uint32(src) }
func DecodeFixed64(src []byte) uint64    { return binary.LittleEndian.Uint64(src) }

func AppendFixed32(dst []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(dst, v) }
func AppendFixed64(dst []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(dst, v) }

func AppendVarint32(dst []byte, v uint32) []byte { return binary.AppendUvarint(dst, uint64(v)) }
func AppendVarint64(dst []byte, v uint64) []byte { return binary.AppendUvarint(dst, v) }

// DecodeVarint32 returns the value and the number of bytes consumed.
func DecodeVarint32(src []byte) (uint32, int, error) {
	v, n, err := decodeVarint(src, 32)
	return uint32(v), n, err
}

// DecodeVarint64 returns the value and the number of bytes consumed.
func DecodeVarint64(src []byte) (uint64, int, error) {
	return decodeVarint(src, 64)
}

func decodeVarint(src []byte, bits uint) (uint64, int, error) {
	var result uint64
	for shift, i := uint(0), 0; shift < bits; shift, i = shift+7, i+1 {
		if i >= len(src) {
			return 0, 0, ErrVarintTermination
		}
		b := src[i]
		if b < 0x80 {
			return result | uint64(b)<<shift, i + 1, nil
		}
		result |= uint64(b&0x7f) << shift
	}
	return 0, 0, ErrVarintOverflow
}

// VarintLength returns the encoded size of v.
func VarintLength(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendLengthPrefixedSlice appends [varint32 len][bytes].
func AppendLengthPrefixedSlice(dst, value []byte) []byte {
	dst = AppendVarint32(dst, uint32(len(value)))
	return append(dst, value...)
}

// DecodeLengthPrefixedSlice returns a sub-slice of src (no copy).
func DecodeLengthPrefixedSlice(src []byte) ([]byte, int, error) {
	length, n, err := DecodeVarint32(src)
	if err != nil {
		return nil, 0, err
	}
	end := n + int(length)
	if end > len(src) || end < n {
		return nil, 0, ErrBufferTooSmall
	}
	return src[n:end], end, nil
}

// Decoder reads a sequence of fields from a byte slice. The first failure
// is sticky: later reads return zero values and Err reports the failure.
type Decoder struct {
	data []byte
	err  error
}

func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

func (d *Decoder) Remaining() int { return len(d.data) }
func (d *Decoder) Err() error     { return d.err }

func (d *Decoder) Fixed32() uint32 {
	b := d.Bytes(4)
	if b == nil {
		return 0
	}
	return DecodeFixed32(b)
}

func (d *Decoder) Fixed64() uint64 {
	b := d.Bytes(8)
	if b == nil {
		return 0
	}
	return DecodeFixed64(b)
}

func (d *Decoder) Varint32() uint32 {
	v := d.Varint64()
	if v > 1<<32-1 {
		d.fail(ErrVarintOverflow)
		return 0
	}
	return uint32(v)
}

func (d *Decoder) Varint64() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := DecodeVarint64(d.data)
	if err != nil {
		d.fail(err)
		return 0
	}
	d.data = d.data[n:]
	return v
}

func (d *Decoder) LengthPrefixed() []byte {
	if d.err != nil {
		return nil
	}
	v, n, err := DecodeLengthPrefixedSlice(d.data)
	if err != nil {
		d.fail(err)
		return nil
	}
	d.data = d.data[n:]
	return v
}

// Bytes returns the next n bytes without copying.
func (d *Decoder) Bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.data) < n {
		d.fail(ErrBufferTooSmall)
		return nil
	}
	v := d.data[:n:n]
	d.data = d.data[n:]
	return v
}

func (d *Decoder) Byte() byte {
	b := d.Bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
	d.data = nil
}

// Package dbformat defines the internal key format shared by the memtable,
// tables and the manifest.
//
// An internal key is the user key followed by an 8-byte little-endian
// trailer packing (sequence << 8 | value type). Internal keys order by user
// key ascending, then by trailer descending, so the newest version of a
// user key sorts first.
package dbformat

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aalhour/rocklet/internal/encoding"
)

// SequenceNumber totally orders every write in the database lifetime.
type SequenceNumber uint64

// MaxSequenceNumber is the largest sequence that fits in 56 bits.
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

// NumInternalBytes is the size of the trailer.
const NumInternalBytes = 8

// ValueType tags a record as a value or a tombstone.
type ValueType uint8

const (
	TypeDeletion ValueType = 0x0
	TypeValue    ValueType = 0x1
)

// ValueTypeForSeek is the largest type, so a seek key built with it sorts
// before every entry with the same user key and sequence.
const ValueTypeForSeek = TypeValue

var (
	ErrKeyTooSmall      = errors.New("dbformat: internal key too small")
	ErrInvalidValueType = errors.New("dbformat: invalid value type")
)

func (t ValueType) String() string {
	switch t {
	case TypeDeletion:
		return "DEL"
	case TypeValue:
		return "PUT"
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

func PackSequenceAndType(seq SequenceNumber, t ValueType) uint64 {
	return uint64(seq)<<8 | uint64(t)
}

func UnpackSequenceAndType(packed uint64) (SequenceNumber, ValueType) {
	return SequenceNumber(packed >> 8), ValueType(packed & 0xff)
}

// ParsedInternalKey is the decoded form of an internal key. UserKey aliases
// the buffer it was parsed from.
type ParsedInternalKey struct {
	UserKey  []byte
	Sequence SequenceNumber
	Type     ValueType
}

func (p ParsedInternalKey) String() string {
	return fmt.Sprintf("%q@%d:%s", p.UserKey, p.Sequence, p.Type)
}

// AppendInternalKey appends the encoded key to dst.
func AppendInternalKey(dst, userKey []byte, seq SequenceNumber, t ValueType) []byte {
	dst = append(dst, userKey...)
	return encoding.AppendFixed64(dst, PackSequenceAndType(seq, t))
}

// ParseInternalKey decodes data without copying.
func ParseInternalKey(data []byte) (ParsedInternalKey, error) {
	n := len(data)
	if n < NumInternalBytes {
		return ParsedInternalKey{}, ErrKeyTooSmall
	}
	seq, t := UnpackSequenceAndType(encoding.DecodeFixed64(data[n-NumInternalBytes:]))
	p := ParsedInternalKey{UserKey: data[:n-NumInternalBytes], Sequence: seq, Type: t}
	if t > TypeValue {
		return p, ErrInvalidValueType
	}
	return p, nil
}

func ExtractUserKey(ikey []byte) []byte {
	if len(ikey) < NumInternalBytes {
		return nil
	}
	return ikey[:len(ikey)-NumInternalBytes]
}

func ExtractTrailer(ikey []byte) uint64 {
	if len(ikey) < NumInternalBytes {
		return 0
	}
	return encoding.DecodeFixed64(ikey[len(ikey)-NumInternalBytes:])
}

func ExtractSequenceNumber(ikey []byte) SequenceNumber {
	return SequenceNumber(ExtractTrailer(ikey) >> 8)
}

func ExtractValueType(ikey []byte) ValueType {
	return ValueType(ExtractTrailer(ikey) & 0xff)
}

// InternalKey is an encoded internal key.
type InternalKey []byte

func NewInternalKey(userKey []byte, seq SequenceNumber, t ValueType) InternalKey {
	return AppendInternalKey(make([]byte, 0, len(userKey)+NumInternalBytes), userKey, seq, t)
}

// NewLookupKey returns the smallest internal key for userKey visible at seq.
func NewLookupKey(userKey []byte, seq SequenceNumber) InternalKey {
	return NewInternalKey(userKey, seq, ValueTypeForSeek)
}

func (k InternalKey) UserKey() []byte          { return ExtractUserKey(k) }
func (k InternalKey) Sequence() SequenceNumber { return ExtractSequenceNumber(k) }
func (k InternalKey) Type() ValueType          { return ExtractValueType(k) }
func (k InternalKey) String() string {
	p, err := ParseInternalKey(k)
	if err != nil {
		return fmt.Sprintf("<bad key %x>", []byte(k))
	}
	return p.String()
}

// Compare orders internal keys: user key ascending, then trailer descending.
func Compare(a, b []byte) int {
	if c := bytes.Compare(ExtractUserKey(a), ExtractUserKey(b)); c != 0 {
		return c
	}
	ta, tb := ExtractTrailer(a), ExtractTrailer(b)
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	}
	return 0
}

// Package wal implements the append-only record log used for the
// write-ahead log and for MANIFEST files.
//
// A log is a sequence of 32 KiB blocks. A logical record is split into
// one or more physical fragments, none of which crosses a block boundary:
//
//	+----------+---------+------+---------+
//	| CRC (4B) | Len(2B) | Type | Payload |
//	+----------+---------+------+---------+
//
// CRC is the masked CRC32C of Type + Payload. A block tail too short for a
// header is zero-filled.
package wal

const (
	BlockSize  = 32768
	HeaderSize = 7
)

// RecordType is the fragment type stored in each header.
type RecordType uint8

const (
	// ZeroType marks zero-filled space (block padding or preallocation).
	ZeroType RecordType = 0

	FullType   RecordType = 1
	FirstType  RecordType = 2
	MiddleType RecordType = 3
	LastType   RecordType = 4
)

func (t RecordType) String() string {
	switch t {
	case ZeroType:
		return "zero"
	case FullType:
		return "full"
	case FirstType:
		return "first"
	case MiddleType:
		return "middle"
	case LastType:
		return "last"
	}
	return "unknown"
}

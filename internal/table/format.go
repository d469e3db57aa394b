// Package table reads and writes sorted table files.
//
// A table file is a sequence of blocks followed by a fixed-size footer:
//
//	[data block 1][trailer] ... [data block N][trailer]
//	[filter block][trailer]
//	[index block][trailer]
//	[stats block][trailer]
//	[footer]
//
// Each trailer is one compression type byte and the masked CRC32C of the
// stored block bytes plus that type byte. The index block maps the last
// internal key of each data block to its handle. The optional filter block
// is a Bloom filter over the table's user keys.
package table

import (
	"errors"
	"fmt"

	"github.com/aalhour/rocklet/internal/block"
	"github.com/aalhour/rocklet/internal/checksum"
	"github.com/aalhour/rocklet/internal/encoding"
)

const (
	// Magic is the last eight bytes of every table file.
	Magic uint64 = 0x726f636b6c657431 // "rocklet1"

	// FormatVersion is the only layout this package writes or reads.
	FormatVersion = 1

	handlesLength = 3 * block.MaxHandleEncodedLength

	// FooterSize is the fixed size of the footer:
	//	index, stats and filter handles (zero padded) | file xxh3 (8) |
	//	format version (1) | footer xxh3 (8) | magic (8)
	FooterSize = handlesLength + 8 + 1 + 8 + 8
)

// ErrCorruptTable is returned when a table file fails structural or
// checksum validation.
var ErrCorruptTable = errors.New("table: corrupt table")

// Footer is the decoded trailer of a table file.
type Footer struct {
	IndexHandle block.Handle
	StatsHandle block.Handle
	// FilterHandle is zero when the table has no filter block.
	FilterHandle block.Handle
	FileChecksum uint64
	Version      uint8
}

func (f *Footer) encode() []byte {
	buf := make([]byte, 0, FooterSize)
	buf = f.IndexHandle.EncodeTo(buf)
	buf = f.StatsHandle.EncodeTo(buf)
	buf = f.FilterHandle.EncodeTo(buf)
	buf = buf[:handlesLength]
	buf = encoding.AppendFixed64(buf, f.FileChecksum)
	buf = append(buf, f.Version)
	buf = encoding.AppendFixed64(buf, checksum.XXH3(buf))
	return encoding.AppendFixed64(buf, Magic)
}

func decodeFooter(buf []byte) (Footer, error) {
	if len(buf) != FooterSize {
		return Footer{}, fmt.Errorf("%w: footer is %d bytes", ErrCorruptTable, len(buf))
	}
	if m := encoding.DecodeFixed64(buf[FooterSize-8:]); m != Magic {
		return Footer{}, fmt.Errorf("%w: bad magic %#x", ErrCorruptTable, m)
	}
	body := buf[:handlesLength+9]
	if want := encoding.DecodeFixed64(buf[handlesLength+9:]); checksum.XXH3(body) != want {
		return Footer{}, fmt.Errorf("%w: footer checksum mismatch", ErrCorruptTable)
	}

	var f Footer
	var n int
	var err error
	if f.IndexHandle, n, err = block.DecodeHandle(buf); err != nil {
		return Footer{}, fmt.Errorf("%w: %w", ErrCorruptTable, err)
	}
	rest := buf[n:handlesLength]
	if f.StatsHandle, n, err = block.DecodeHandle(rest); err != nil {
		return Footer{}, fmt.Errorf("%w: %w", ErrCorruptTable, err)
	}
	if f.FilterHandle, _, err = block.DecodeHandle(rest[n:]); err != nil {
		return Footer{}, fmt.Errorf("%w: %w", ErrCorruptTable, err)
	}
	f.FileChecksum = encoding.DecodeFixed64(buf[handlesLength:])
	f.Version = buf[handlesLength+8]
	if f.Version != FormatVersion {
		return Footer{}, fmt.Errorf("%w: unsupported format version %d", ErrCorruptTable, f.Version)
	}
	return f, nil
}

// blockChecksum covers the stored block bytes and the compression type.
func blockChecksum(data []byte, typ byte) uint32 {
	crc := checksum.Extend(checksum.Value(data), []byte{typ})
	return checksum.Mask(crc)
}

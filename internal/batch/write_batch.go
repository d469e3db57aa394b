// Package batch implements the WriteBatch format for atomic writes.
//
// A batch is also the payload of a WAL record:
//
//	Header (12 bytes):
//	  - 8 bytes: sequence number of the first record (little-endian uint64)
//	  - 4 bytes: count (little-endian uint32)
//	Records (repeated):
//	  - 1 byte: tag (dbformat.ValueType)
//	  - length-prefixed key
//	  - for puts: length-prefixed value
//
// Record i is assigned sequence number Sequence()+i.
package batch

import (
	"errors"
	"fmt"

	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/encoding"
)

// HeaderSize is the size in bytes of the WriteBatch header (8 bytes sequence + 4 bytes count).
const HeaderSize = 12

var (
	// ErrCorrupted indicates a malformed WriteBatch.
	ErrCorrupted = errors.New("batch: corrupted write batch")

	// ErrTooSmall indicates the batch is smaller than the header.
	ErrTooSmall = errors.New("batch: too small")
)

// WriteBatch is a collection of writes applied atomically.
type WriteBatch struct {
	data []byte
}

func New() *WriteBatch {
	return &WriteBatch{data: make([]byte, HeaderSize)}
}

// NewFromData wraps an encoded batch, for example a replayed WAL record.
// The batch aliases data.
func NewFromData(data []byte) (*WriteBatch, error) {
	if len(data) < HeaderSize {
		return nil, ErrTooSmall
	}
	return &WriteBatch{data: data}, nil
}

// Clear resets the batch to empty state.
func (wb *WriteBatch) Clear() {
	wb.data = wb.data[:HeaderSize]
	clear(wb.data)
}

// Data returns the encoded batch.
func (wb *WriteBatch) Data() []byte { return wb.data }

func (wb *WriteBatch) Clone() *WriteBatch {
	return &WriteBatch{data: append([]byte(nil), wb.data...)}
}

// Size returns the size of the batch data in bytes.
func (wb *WriteBatch) Size() int { return len(wb.data) }

func (wb *WriteBatch) Count() uint32 {
	return encoding.DecodeFixed32(wb.data[8:12])
}

func (wb *WriteBatch) Empty() bool { return wb.Count() == 0 }

func (wb *WriteBatch) setCount(n uint32) {
	encoding.EncodeFixed32(wb.data[8:12], n)
}

func (wb *WriteBatch) Sequence() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(encoding.DecodeFixed64(wb.data[0:8]))
}

// SetSequence stamps the sequence number of the first record.
func (wb *WriteBatch) SetSequence(seq dbformat.SequenceNumber) {
	encoding.EncodeFixed64(wb.data[0:8], uint64(seq))
}

// LastSequence is the sequence number of the last record once stamped.
func (wb *WriteBatch) LastSequence() dbformat.SequenceNumber {
	if wb.Count() == 0 {
		return wb.Sequence()
	}
	return wb.Sequence() + dbformat.SequenceNumber(wb.Count()) - 1
}

func (wb *WriteBatch) Put(key, value []byte) {
	wb.data = append(wb.data, byte(dbformat.TypeValue))
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, value)
	wb.setCount(wb.Count() + 1)
}

func (wb *WriteBatch) Delete(key []byte) {
	wb.data = append(wb.data, byte(dbformat.TypeDeletion))
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.setCount(wb.Count() + 1)
}

// Append copies the records of src to the end of wb.
func (wb *WriteBatch) Append(src *WriteBatch) {
	wb.data = append(wb.data, src.data[HeaderSize:]...)
	wb.setCount(wb.Count() + src.Count())
}

// Handler receives each record of a batch. Slices alias the batch.
type Handler interface {
	Put(seq dbformat.SequenceNumber, key, value []byte) error
	Delete(seq dbformat.SequenceNumber, key []byte) error
}

// Iterate calls h for each record in order. A record count that disagrees
// with the header is reported as corruption.
func (wb *WriteBatch) Iterate(h Handler) error {
	if len(wb.data) < HeaderSize {
		return ErrTooSmall
	}
	seq := wb.Sequence()
	want := wb.Count()
	var found uint32

	d := encoding.NewDecoder(wb.data[HeaderSize:])
	for d.Remaining() > 0 {
		tag := dbformat.ValueType(d.Byte())
		key := d.LengthPrefixed()
		var err error
		switch tag {
		case dbformat.TypeValue:
			value := d.LengthPrefixed()
			if d.Err() != nil {
				break
			}
			err = h.Put(seq, key, value)
		case dbformat.TypeDeletion:
			if d.Err() != nil {
				break
			}
			err = h.Delete(seq, key)
		default:
			return fmt.Errorf("%w: unknown tag %d", ErrCorrupted, tag)
		}
		if d.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCorrupted, d.Err())
		}
		if err != nil {
			return err
		}
		seq++
		found++
	}
	if found != want {
		return fmt.Errorf("%w: header count %d, found %d records", ErrCorrupted, want, found)
	}
	return nil
}

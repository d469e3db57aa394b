package wal

import (
	"io"

	"github.com/aalhour/rocklet/internal/checksum"
	"github.com/aalhour/rocklet/internal/encoding"
)

// Writer appends records to a log. It is not safe for concurrent use.
type Writer struct {
	dest        io.Writer
	logNumber   uint64
	blockOffset int
	size        int64
	buf         []byte
	typeCRC     [LastType + 1]uint32
}

// NewWriter creates a writer positioned at the start of an empty log.
func NewWriter(dest io.Writer, logNumber uint64) *Writer {
	w := &Writer{dest: dest, logNumber: logNumber}
	for t := ZeroType; t <= LastType; t++ {
		w.typeCRC[t] = checksum.Value([]byte{byte(t)})
	}
	return w
}

// AddRecord fragments data across blocks and issues a single write to the
// destination. It returns the number of bytes written including headers
// and padding. An empty record is stored as one zero-length FULL fragment.
func (w *Writer) AddRecord(data []byte) (int, error) {
	w.buf = w.buf[:0]
	begin := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			w.buf = append(w.buf, make([]byte, leftover)...)
			w.blockOffset = 0
		}

		avail := BlockSize - w.blockOffset - HeaderSize
		n := min(len(data), avail)
		end := n == len(data)

		var t RecordType
		switch {
		case begin && end:
			t = FullType
		case begin:
			t = FirstType
		case end:
			t = LastType
		default:
			t = MiddleType
		}
		w.appendFragment(t, data[:n])

		data = data[n:]
		begin = false
		if end {
			break
		}
	}

	n, err := w.dest.Write(w.buf)
	w.size += int64(n)
	return n, err
}

func (w *Writer) appendFragment(t RecordType, payload []byte) {
	var hdr [HeaderSize]byte
	crc := checksum.Mask(checksum.Extend(w.typeCRC[t], payload))
	encoding.EncodeFixed32(hdr[0:4], crc)
	hdr[4] = byte(len(payload))
	hdr[5] = byte(len(payload) >> 8)
	hdr[6] = byte(t)

	w.buf = append(w.buf, hdr[:]...)
	w.buf = append(w.buf, payload...)
	w.blockOffset += HeaderSize + len(payload)
}

// Sync flushes the destination to stable storage when it supports Sync.
func (w *Writer) Sync() error {
	if s, ok := w.dest.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

// Close closes the destination when it supports Close.
func (w *Writer) Close() error {
	if c, ok := w.dest.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (w *Writer) LogNumber() uint64 { return w.logNumber }

// Size is the number of bytes written so far.
func (w *Writer) Size() int64 { return w.size }

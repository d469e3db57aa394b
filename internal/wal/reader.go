package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/aalhour/rocklet/internal/checksum"
	"github.com/aalhour/rocklet/internal/encoding"
)

var (
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	ErrBadRecordLength  = errors.New("wal: bad record length")
	ErrUnexpectedType   = errors.New("wal: unexpected fragment type")

	// ErrLogCorruption is returned by Replay when damaged data is followed
	// by intact records, meaning records in the middle of the log are lost.
	ErrLogCorruption = errors.New("wal: log corruption")
)

// Reporter is told about dropped bytes. Implementations may collect the
// errors or decide that any corruption is fatal.
type Reporter interface {
	Corruption(bytes int, err error)
}

// Reader reads logical records written by Writer. Damaged fragments are
// reported and skipped; a record that is cut off by the end of the source
// is treated as a torn tail and is not reported.
type Reader struct {
	src       io.Reader
	reporter  Reporter
	logNumber uint64

	block  []byte
	buffer []byte
	eof    bool

	// offset of the end of the last block read, relative to the log start
	endOfBuffer int64

	scratch []byte
}

func NewReader(src io.Reader, reporter Reporter, logNumber uint64) *Reader {
	return &Reader{
		src:       src,
		reporter:  reporter,
		logNumber: logNumber,
		block:     make([]byte, BlockSize),
	}
}

// ReadRecord returns the next logical record, or io.EOF. The returned
// slice is only valid until the next call.
func (r *Reader) ReadRecord() ([]byte, error) {
	inFragmented := false
	r.scratch = r.scratch[:0]

	for {
		t, fragment, err := r.readPhysical()
		if err != nil {
			// A partially written multi-fragment record at EOF is a torn tail.
			return nil, err
		}

		switch t {
		case FullType:
			if inFragmented {
				r.report(len(r.scratch), fmt.Errorf("%w: full inside fragmented record", ErrUnexpectedType))
			}
			return fragment, nil

		case FirstType:
			if inFragmented {
				r.report(len(r.scratch), fmt.Errorf("%w: first inside fragmented record", ErrUnexpectedType))
			}
			r.scratch = append(r.scratch[:0], fragment...)
			inFragmented = true

		case MiddleType:
			if !inFragmented {
				r.report(len(fragment), fmt.Errorf("%w: middle without first", ErrUnexpectedType))
				continue
			}
			r.scratch = append(r.scratch, fragment...)

		case LastType:
			if !inFragmented {
				r.report(len(fragment), fmt.Errorf("%w: last without first", ErrUnexpectedType))
				continue
			}
			return append(r.scratch, fragment...), nil

		default:
			r.report(len(fragment)+len(r.scratch), fmt.Errorf("%w: %d", ErrUnexpectedType, t))
			inFragmented = false
			r.scratch = r.scratch[:0]
		}
	}
}

func (r *Reader) readPhysical() (RecordType, []byte, error) {
	for {
		if len(r.buffer) < HeaderSize {
			if r.eof {
				// Trailing bytes shorter than a header come from a torn write.
				r.buffer = nil
				return 0, nil, io.EOF
			}
			n, err := io.ReadFull(r.src, r.block)
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				r.eof = true
			default:
				return 0, nil, err
			}
			r.buffer = r.block[:n]
			r.endOfBuffer += int64(n)
			continue
		}

		hdr := r.buffer[:HeaderSize]
		length := int(encoding.DecodeFixed16(hdr[4:6]))
		t := RecordType(hdr[6])

		if HeaderSize+length > len(r.buffer) {
			drop := len(r.buffer)
			r.buffer = nil
			if r.eof {
				return 0, nil, io.EOF
			}
			r.report(drop, ErrBadRecordLength)
			continue
		}

		if t == ZeroType && length == 0 {
			// Zero padding runs to the end of the block.
			r.buffer = nil
			continue
		}

		payload := r.buffer[HeaderSize : HeaderSize+length]
		want := checksum.Unmask(encoding.DecodeFixed32(hdr[0:4]))
		if got := checksum.Extend(checksum.Value(hdr[6:7]), payload); got != want {
			// The length may be what got damaged, so the rest of the block
			// cannot be trusted either.
			drop := len(r.buffer)
			r.buffer = nil
			r.report(drop, ErrChecksumMismatch)
			continue
		}

		r.buffer = r.buffer[HeaderSize+length:]
		return t, payload, nil
	}
}

func (r *Reader) report(n int, err error) {
	if r.reporter != nil {
		r.reporter.Corruption(n, err)
	}
}

// Offset returns the log position just past the data consumed so far.
func (r *Reader) Offset() int64 {
	return r.endOfBuffer - int64(len(r.buffer))
}

// ReplayStats summarizes a Replay call.
type ReplayStats struct {
	Records      int
	DroppedBytes int
	// TornTail is set when damaged bytes were found after the last intact
	// record and were discarded.
	TornTail bool
}

type replayReporter struct {
	pending []error
	dropped int
}

func (rr *replayReporter) Corruption(n int, err error) {
	rr.pending = append(rr.pending, err)
	rr.dropped += n
}

// Replay feeds every record of the log to fn in order. Damage that is
// followed by at least one intact record fails with ErrLogCorruption;
// damage with nothing intact after it is a torn tail and is dropped.
func Replay(src io.Reader, logNumber uint64, fn func(record []byte) error) (ReplayStats, error) {
	rep := &replayReporter{}
	r := NewReader(src, rep, logNumber)

	var stats ReplayStats
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}
		if len(rep.pending) > 0 {
			return stats, fmt.Errorf("%w: log %d: %d bytes dropped before offset %d: %w",
				ErrLogCorruption, logNumber, rep.dropped, r.Offset(), errors.Join(rep.pending...))
		}
		if err := fn(rec); err != nil {
			return stats, err
		}
		stats.Records++
	}

	stats.DroppedBytes = rep.dropped
	stats.TornTail = len(rep.pending) > 0
	return stats, nil
}

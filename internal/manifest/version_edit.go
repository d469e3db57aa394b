package manifest

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/encoding"
)

// Errors returned during VersionEdit decoding.
var (
	ErrUnexpectedEndOfInput = errors.New("manifest: unexpected end of input")
	ErrInvalidFileMetadata  = errors.New("manifest: invalid file metadata")
	ErrUnknownRequiredTag   = errors.New("manifest: unknown required tag")
)

// NumLevels is the number of levels in the tree.
const NumLevels = 7

// FileMetaData describes one table file in a Version.
type FileMetaData struct {
	Number      uint64
	Size        uint64
	Smallest    dbformat.InternalKey
	Largest     dbformat.InternalKey
	SmallestSeq dbformat.SequenceNumber
	LargestSeq  dbformat.SequenceNumber

	// beingCompacted is runtime state, never encoded. Pickers read it
	// while a compaction sets it, so it is atomic.
	beingCompacted atomic.Bool
}

func (f *FileMetaData) BeingCompacted() bool { return f.beingCompacted.Load() }

func (f *FileMetaData) SetBeingCompacted(v bool) { f.beingCompacted.Store(v) }

// Clone copies the persisted fields of f. The copy is not being compacted.
func (f *FileMetaData) Clone() *FileMetaData {
	return &FileMetaData{
		Number:      f.Number,
		Size:        f.Size,
		Smallest:    f.Smallest,
		Largest:     f.Largest,
		SmallestSeq: f.SmallestSeq,
		LargestSeq:  f.LargestSeq,
	}
}

func (f *FileMetaData) String() string {
	return fmt.Sprintf("#%d %dB [%s .. %s] seq=[%d,%d]",
		f.Number, f.Size, f.Smallest, f.Largest, f.SmallestSeq, f.LargestSeq)
}

type DeletedFileEntry struct {
	Level      int
	FileNumber uint64
}

type NewFileEntry struct {
	Level int
	Meta  *FileMetaData
}

// VersionEdit is one MANIFEST record: a delta against the previous state.
type VersionEdit struct {
	DBID    string
	HasDBID bool

	Comparator    string
	HasComparator bool

	// LogNumber is the oldest WAL that still holds unflushed data.
	LogNumber    uint64
	HasLogNumber bool

	NextFileNumber    uint64
	HasNextFileNumber bool

	LastSequence    dbformat.SequenceNumber
	HasLastSequence bool

	DeletedFiles []DeletedFileEntry
	NewFiles     []NewFileEntry
}

func NewVersionEdit() *VersionEdit {
	return &VersionEdit{}
}

func (ve *VersionEdit) Clear() {
	*ve = VersionEdit{}
}

func (ve *VersionEdit) SetDBID(id string) {
	ve.DBID = id
	ve.HasDBID = true
}

func (ve *VersionEdit) SetComparatorName(name string) {
	ve.Comparator = name
	ve.HasComparator = true
}

func (ve *VersionEdit) SetLogNumber(num uint64) {
	ve.LogNumber = num
	ve.HasLogNumber = true
}

func (ve *VersionEdit) SetNextFileNumber(num uint64) {
	ve.NextFileNumber = num
	ve.HasNextFileNumber = true
}

func (ve *VersionEdit) SetLastSequence(seq dbformat.SequenceNumber) {
	ve.LastSequence = seq
	ve.HasLastSequence = true
}

func (ve *VersionEdit) DeleteFile(level int, fileNumber uint64) {
	ve.DeletedFiles = append(ve.DeletedFiles, DeletedFileEntry{Level: level, FileNumber: fileNumber})
}

func (ve *VersionEdit) AddFile(level int, meta *FileMetaData) {
	ve.NewFiles = append(ve.NewFiles, NewFileEntry{Level: level, Meta: meta})
}

// EncodeTo appends the encoded edit to dst.
func (ve *VersionEdit) EncodeTo(dst []byte) []byte {
	if ve.HasComparator {
		dst = encoding.AppendVarint32(dst, uint32(TagComparator))
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(ve.Comparator))
	}
	if ve.HasLogNumber {
		dst = encoding.AppendVarint32(dst, uint32(TagLogNumber))
		dst = encoding.AppendVarint64(dst, ve.LogNumber)
	}
	if ve.HasNextFileNumber {
		dst = encoding.AppendVarint32(dst, uint32(TagNextFileNumber))
		dst = encoding.AppendVarint64(dst, ve.NextFileNumber)
	}
	if ve.HasLastSequence {
		dst = encoding.AppendVarint32(dst, uint32(TagLastSequence))
		dst = encoding.AppendVarint64(dst, uint64(ve.LastSequence))
	}
	for _, df := range ve.DeletedFiles {
		dst = encoding.AppendVarint32(dst, uint32(TagDeletedFile))
		dst = encoding.AppendVarint32(dst, uint32(df.Level))
		dst = encoding.AppendVarint64(dst, df.FileNumber)
	}
	for _, nf := range ve.NewFiles {
		m := nf.Meta
		dst = encoding.AppendVarint32(dst, uint32(TagNewFile))
		dst = encoding.AppendVarint32(dst, uint32(nf.Level))
		dst = encoding.AppendVarint64(dst, m.Number)
		dst = encoding.AppendVarint64(dst, m.Size)
		dst = encoding.AppendLengthPrefixedSlice(dst, m.Smallest)
		dst = encoding.AppendLengthPrefixedSlice(dst, m.Largest)
		dst = encoding.AppendVarint64(dst, uint64(m.SmallestSeq))
		dst = encoding.AppendVarint64(dst, uint64(m.LargestSeq))
	}
	if ve.HasDBID {
		dst = encoding.AppendVarint32(dst, uint32(TagDBID))
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(ve.DBID))
	}
	return dst
}

// DecodeFrom replaces ve with the edit encoded in data.
func (ve *VersionEdit) DecodeFrom(data []byte) error {
	ve.Clear()
	d := encoding.NewDecoder(data)
	for d.Remaining() > 0 {
		tag := Tag(d.Varint32())
		if d.Err() != nil {
			break
		}
		switch tag {
		case TagComparator:
			ve.SetComparatorName(string(d.LengthPrefixed()))
		case TagLogNumber:
			ve.SetLogNumber(d.Varint64())
		case TagNextFileNumber:
			ve.SetNextFileNumber(d.Varint64())
		case TagLastSequence:
			ve.SetLastSequence(dbformat.SequenceNumber(d.Varint64()))
		case TagDeletedFile:
			level := int(d.Varint32())
			num := d.Varint64()
			if d.Err() == nil && level >= NumLevels {
				return fmt.Errorf("%w: level %d", ErrInvalidFileMetadata, level)
			}
			ve.DeleteFile(level, num)
		case TagNewFile:
			level := int(d.Varint32())
			m := &FileMetaData{
				Number:   d.Varint64(),
				Size:     d.Varint64(),
				Smallest: dbformat.InternalKey(copyBytes(d.LengthPrefixed())),
				Largest:  dbformat.InternalKey(copyBytes(d.LengthPrefixed())),
			}
			m.SmallestSeq = dbformat.SequenceNumber(d.Varint64())
			m.LargestSeq = dbformat.SequenceNumber(d.Varint64())
			if d.Err() != nil {
				break
			}
			if level >= NumLevels || len(m.Smallest) < dbformat.NumInternalBytes ||
				len(m.Largest) < dbformat.NumInternalBytes {
				return fmt.Errorf("%w: file #%d at level %d", ErrInvalidFileMetadata, m.Number, level)
			}
			ve.AddFile(level, m)
		case TagDBID:
			ve.SetDBID(string(d.LengthPrefixed()))
		default:
			if !tag.IsSafeToIgnore() {
				return fmt.Errorf("%w: %d", ErrUnknownRequiredTag, tag)
			}
			d.LengthPrefixed()
		}
	}
	if err := d.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpectedEndOfInput, err)
	}
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// DebugString renders the edit for tools and logs.
func (ve *VersionEdit) DebugString() string {
	var sb strings.Builder
	sb.WriteString("VersionEdit {")
	if ve.HasDBID {
		fmt.Fprintf(&sb, "\n  DBID: %s", ve.DBID)
	}
	if ve.HasComparator {
		fmt.Fprintf(&sb, "\n  Comparator: %s", ve.Comparator)
	}
	if ve.HasLogNumber {
		fmt.Fprintf(&sb, "\n  LogNumber: %d", ve.LogNumber)
	}
	if ve.HasNextFileNumber {
		fmt.Fprintf(&sb, "\n  NextFileNumber: %d", ve.NextFileNumber)
	}
	if ve.HasLastSequence {
		fmt.Fprintf(&sb, "\n  LastSequence: %d", ve.LastSequence)
	}
	for _, df := range ve.DeletedFiles {
		fmt.Fprintf(&sb, "\n  DeleteFile: L%d #%d", df.Level, df.FileNumber)
	}
	for _, nf := range ve.NewFiles {
		fmt.Fprintf(&sb, "\n  AddFile: L%d %s", nf.Level, nf.Meta)
	}
	sb.WriteString("\n}")
	return sb.String()
}

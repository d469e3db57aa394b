package table

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/aalhour/rocklet/internal/block"
	"github.com/aalhour/rocklet/internal/checksum"
	"github.com/aalhour/rocklet/internal/compression"
	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/encoding"
	"github.com/aalhour/rocklet/internal/filter"
)

var (
	errBuilderClosed = errors.New("table: builder already finished or abandoned")
	errKeyOrder      = errors.New("table: keys added out of order")
)

// BuilderOptions controls the layout of a new table.
type BuilderOptions struct {
	// BlockSize is the uncompressed size at which a data block is cut.
	BlockSize int
	// RestartInterval is the number of keys between restart points.
	RestartInterval int
	Compression     compression.Type
	// FilterBitsPerKey sizes the Bloom filter over user keys. Zero writes
	// no filter block.
	FilterBitsPerKey int
}

// DefaultBuilderOptions returns 4KiB uncompressed blocks.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		BlockSize:        4096,
		RestartInterval:  block.DefaultRestartInterval,
		Compression:      compression.None,
		FilterBitsPerKey: 10,
	}
}

// Builder writes a table file from internal keys added in increasing order.
// The caller owns the underlying file: Builder neither syncs nor closes it.
type Builder struct {
	w      io.Writer
	opts   BuilderOptions
	hasher *checksum.FileHasher

	data   *block.Builder
	index  *block.Builder
	filter *filter.Builder

	pendingIndex  bool
	pendingHandle block.Handle
	lastKey       []byte
	handleBuf     []byte

	offset uint64
	props  Properties

	closed bool
	err    error
}

func NewBuilder(w io.Writer, opts BuilderOptions) *Builder {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4096
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = block.DefaultRestartInterval
	}
	b := &Builder{
		w:      w,
		opts:   opts,
		hasher: checksum.NewFileHasher(),
		data:   block.NewBuilder(opts.RestartInterval),
		index:  block.NewBuilder(1),
		props: Properties{
			Compression: opts.Compression,
			SmallestSeq: dbformat.MaxSequenceNumber,
		},
	}
	if opts.FilterBitsPerKey > 0 {
		b.filter = filter.NewBuilder(opts.FilterBitsPerKey)
	}
	return b
}

// Add appends an internal key. Keys must be strictly increasing in
// internal key order.
func (b *Builder) Add(ikey, value []byte) error {
	if b.closed {
		return errBuilderClosed
	}
	if b.err != nil {
		return b.err
	}
	pk, err := dbformat.ParseInternalKey(ikey)
	if err != nil {
		return err
	}
	if b.props.NumEntries > 0 && dbformat.Compare(b.lastKey, ikey) >= 0 {
		return fmt.Errorf("%w: %s after %s", errKeyOrder, pk, dbformat.InternalKey(b.lastKey))
	}

	if b.pendingIndex {
		b.addIndexEntry()
	}
	if b.filter != nil && (b.props.NumEntries == 0 || !bytes.Equal(dbformat.ExtractUserKey(b.lastKey), pk.UserKey)) {
		b.filter.AddKey(pk.UserKey)
	}

	b.data.Add(ikey, value)
	b.lastKey = append(b.lastKey[:0], ikey...)

	b.props.NumEntries++
	if pk.Type == dbformat.TypeDeletion {
		b.props.NumDeletions++
	}
	b.props.RawKeySize += uint64(len(ikey))
	b.props.RawValueSize += uint64(len(value))
	b.props.SmallestSeq = min(b.props.SmallestSeq, pk.Sequence)
	b.props.LargestSeq = max(b.props.LargestSeq, pk.Sequence)

	if b.data.EstimatedSize() >= b.opts.BlockSize {
		b.flushDataBlock()
	}
	return b.err
}

func (b *Builder) addIndexEntry() {
	b.handleBuf = b.pendingHandle.EncodeTo(b.handleBuf[:0])
	b.index.Add(b.lastKey, b.handleBuf)
	b.pendingIndex = false
}

func (b *Builder) flushDataBlock() {
	if b.data.Empty() {
		return
	}
	h, err := b.writeBlock(b.data.Finish(), b.opts.Compression)
	if err != nil {
		b.err = err
		return
	}
	b.data.Reset()
	b.props.NumDataBlocks++
	b.props.DataSize += h.Size + block.TrailerSize
	b.pendingHandle = h
	b.pendingIndex = true
}

func (b *Builder) writeBlock(raw []byte, ct compression.Type) (block.Handle, error) {
	payload, compressed, err := compression.Compress(ct, raw)
	if err != nil {
		return block.Handle{}, err
	}
	if !compressed {
		payload = raw
		ct = compression.None
	}

	h := block.Handle{Offset: b.offset, Size: uint64(len(payload))}
	if err := b.write(payload); err != nil {
		return block.Handle{}, err
	}
	var trailer [block.TrailerSize]byte
	trailer[0] = byte(ct)
	encoding.EncodeFixed32(trailer[1:], blockChecksum(payload, trailer[0]))
	if err := b.write(trailer[:]); err != nil {
		return block.Handle{}, err
	}
	return h, nil
}

func (b *Builder) write(p []byte) error {
	n, err := b.w.Write(p)
	b.offset += uint64(n)
	if err != nil {
		return err
	}
	_, _ = b.hasher.Write(p)
	return nil
}

// Finish writes the remaining data block, the filter, the index, the
// stats block and the footer.
func (b *Builder) Finish() error {
	if b.closed {
		return errBuilderClosed
	}
	if b.err != nil {
		return b.err
	}
	b.closed = true

	b.flushDataBlock()
	if b.err != nil {
		return b.err
	}
	if b.pendingIndex {
		b.addIndexEntry()
	}

	var footer Footer
	var err error
	if b.filter != nil {
		if footer.FilterHandle, err = b.writeBlock(b.filter.Finish(), compression.None); err != nil {
			b.err = err
			return err
		}
		b.props.FilterSize = footer.FilterHandle.Size + block.TrailerSize
	}
	indexData := b.index.Finish()
	if footer.IndexHandle, err = b.writeBlock(indexData, compression.None); err != nil {
		b.err = err
		return err
	}
	b.props.IndexSize = footer.IndexHandle.Size + block.TrailerSize
	if b.props.NumEntries == 0 {
		b.props.SmallestSeq = 0
	}
	if footer.StatsHandle, err = b.writeBlock(b.props.encode(), compression.None); err != nil {
		b.err = err
		return err
	}

	footer.FileChecksum = b.hasher.Sum64()
	footer.Version = FormatVersion
	if err := b.write(footer.encode()); err != nil {
		b.err = err
		return err
	}
	return nil
}

// Abandon stops the build. The partial file should be removed by the caller.
func (b *Builder) Abandon() {
	b.closed = true
}

// FileSize is the number of bytes written so far; after Finish it is the
// size of the table file.
func (b *Builder) FileSize() uint64   { return b.offset }
func (b *Builder) NumEntries() uint64 { return b.props.NumEntries }

// EstimatedFileSize includes the data block still being built.
func (b *Builder) EstimatedFileSize() uint64 {
	return b.offset + uint64(b.data.EstimatedSize())
}

func (b *Builder) Properties() Properties { return b.props }

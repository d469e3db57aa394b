package table

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zhangyunhao116/skipmap"

	"github.com/aalhour/rocklet/internal/block"
	"github.com/aalhour/rocklet/internal/checksum"
	"github.com/aalhour/rocklet/internal/compression"
	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/encoding"
	"github.com/aalhour/rocklet/internal/filter"
	"github.com/aalhour/rocklet/internal/mempool"
)

// File is the read side of a table file.
type File interface {
	io.ReaderAt
	io.Closer
}

type ReaderOptions struct {
	// VerifyFileChecksum hashes the whole file on open and compares it
	// with the checksum recorded in the footer.
	VerifyFileChecksum bool
}

// Reader serves point lookups and scans over one immutable table file.
// Data blocks are loaded on first use and kept for the reader's lifetime.
// A Reader is safe for concurrent use.
type Reader struct {
	file   File
	size   int64
	footer Footer
	index  *block.Block
	filter *filter.Reader
	props  Properties

	blocks *skipmap.OrderedMap[uint64, *block.Block]
}

// Open validates the footer of file and loads its index and stats blocks.
// On success the Reader owns file.
func Open(file File, size int64, opts ReaderOptions) (*Reader, error) {
	if size < FooterSize {
		return nil, fmt.Errorf("%w: file too short (%d bytes)", ErrCorruptTable, size)
	}
	buf := make([]byte, FooterSize)
	if _, err := file.ReadAt(buf, size-FooterSize); err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}
	footer, err := decodeFooter(buf)
	if err != nil {
		return nil, err
	}

	if opts.VerifyFileChecksum {
		sum, err := checksum.XXH3Reader(io.NewSectionReader(file, 0, size-FooterSize), size-FooterSize)
		if err != nil {
			return nil, fmt.Errorf("hash table file: %w", err)
		}
		if sum != footer.FileChecksum {
			return nil, fmt.Errorf("%w: file checksum %#x, footer has %#x", ErrCorruptTable, sum, footer.FileChecksum)
		}
	}

	r := &Reader{
		file:   file,
		size:   size,
		footer: footer,
		blocks: skipmap.New[uint64, *block.Block](),
	}
	indexData, err := r.readBlock(footer.IndexHandle)
	if err != nil {
		return nil, fmt.Errorf("index block: %w", err)
	}
	if r.index, err = block.NewBlock(indexData); err != nil {
		return nil, fmt.Errorf("%w: index block: %w", ErrCorruptTable, err)
	}
	statsData, err := r.readBlock(footer.StatsHandle)
	if err != nil {
		return nil, fmt.Errorf("stats block: %w", err)
	}
	if r.props, err = decodeProperties(statsData); err != nil {
		return nil, fmt.Errorf("%w: stats block: %w", ErrCorruptTable, err)
	}
	if footer.FilterHandle.Size > 0 {
		filterData, err := r.readBlock(footer.FilterHandle)
		if err != nil {
			return nil, fmt.Errorf("filter block: %w", err)
		}
		if r.filter, err = filter.NewReader(filterData); err != nil {
			return nil, fmt.Errorf("%w: filter block: %w", ErrCorruptTable, err)
		}
	}
	return r, nil
}

// readBlock reads, verifies and decompresses the block at h.
func (r *Reader) readBlock(h block.Handle) ([]byte, error) {
	limit := uint64(r.size - FooterSize)
	if h.Offset > limit || h.Size > limit-h.Offset || limit-h.Offset-h.Size < block.TrailerSize {
		return nil, fmt.Errorf("%w: block %s out of bounds", ErrCorruptTable, h)
	}
	n := int(h.Size + block.TrailerSize)
	// Blocks of a compressed table only live until they are decompressed,
	// so their read buffers are recycled.
	var buf []byte
	pooled := r.props.Compression != compression.None
	if pooled {
		buf = mempool.Default.Get(n)[:n]
		defer mempool.Default.Put(buf)
	} else {
		buf = make([]byte, n)
	}
	if _, err := r.file.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, fmt.Errorf("read block %s: %w", h, err)
	}
	data, trailer := buf[:h.Size], buf[h.Size:]
	if want := encoding.DecodeFixed32(trailer[1:]); blockChecksum(data, trailer[0]) != want {
		return nil, fmt.Errorf("%w: block %s checksum mismatch", ErrCorruptTable, h)
	}
	ct := compression.Type(trailer[0])
	if ct == compression.None {
		if pooled {
			// Stored raw because compressing it did not pay off.
			return bytes.Clone(data), nil
		}
		return data, nil
	}
	if !ct.IsSupported() {
		return nil, fmt.Errorf("%w: block %s has unknown compression %d", ErrCorruptTable, h, trailer[0])
	}
	raw, err := compression.Decompress(ct, data)
	if err != nil {
		return nil, fmt.Errorf("%w: block %s: %w", ErrCorruptTable, h, err)
	}
	return raw, nil
}

func (r *Reader) dataBlock(h block.Handle) (*block.Block, error) {
	if b, ok := r.blocks.Load(h.Offset); ok {
		return b, nil
	}
	data, err := r.readBlock(h)
	if err != nil {
		return nil, err
	}
	b, err := block.NewBlock(data)
	if err != nil {
		return nil, fmt.Errorf("%w: data block %s: %w", ErrCorruptTable, h, err)
	}
	b, _ = r.blocks.LoadOrStore(h.Offset, b)
	return b, nil
}

// Get returns the first entry whose internal key is >= ikey. found is
// false when every key in the table sorts before ikey, or when the filter
// rules out ikey's user key. The returned slices alias cached block data
// and must not be modified.
func (r *Reader) Get(ikey []byte) (key, value []byte, found bool, err error) {
	if r.filter != nil && !r.filter.MayContain(dbformat.ExtractUserKey(ikey)) {
		return nil, nil, false, nil
	}
	idx := r.index.NewIterator(dbformat.Compare)
	idx.Seek(ikey)
	if !idx.Valid() {
		if err := idx.Error(); err != nil {
			return nil, nil, false, fmt.Errorf("%w: index: %w", ErrCorruptTable, err)
		}
		return nil, nil, false, nil
	}
	h, _, err := block.DecodeHandle(idx.Value())
	if err != nil {
		return nil, nil, false, fmt.Errorf("%w: index entry: %w", ErrCorruptTable, err)
	}
	b, err := r.dataBlock(h)
	if err != nil {
		return nil, nil, false, err
	}
	it := b.NewIterator(dbformat.Compare)
	it.Seek(ikey)
	if !it.Valid() {
		if err := it.Error(); err != nil {
			return nil, nil, false, fmt.Errorf("%w: data block %s: %w", ErrCorruptTable, h, err)
		}
		return nil, nil, false, nil
	}
	return it.Key(), it.Value(), true, nil
}

// NewIterator returns an iterator over every entry in the table.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, index: r.index.NewIterator(dbformat.Compare)}
}

func (r *Reader) Properties() Properties { return r.props }
func (r *Reader) Footer() Footer         { return r.footer }
func (r *Reader) Size() int64            { return r.size }

// HasFilter reports whether the table carries a filter block.
func (r *Reader) HasFilter() bool { return r.filter != nil }

// CachedBlocks is the number of data blocks currently held in memory.
func (r *Reader) CachedBlocks() int { return r.blocks.Len() }

func (r *Reader) Close() error {
	return r.file.Close()
}

// Iterator walks a table in internal key order. It is not safe for
// concurrent use.
type Iterator struct {
	r     *Reader
	index *block.Iterator
	data  *block.Iterator
	err   error
}

func (it *Iterator) Valid() bool {
	return it.err == nil && it.data != nil && it.data.Valid()
}

func (it *Iterator) Key() []byte   { return it.data.Key() }
func (it *Iterator) Value() []byte { return it.data.Value() }

func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if err := it.index.Error(); err != nil {
		return fmt.Errorf("%w: index: %w", ErrCorruptTable, err)
	}
	if it.data != nil {
		if err := it.data.Error(); err != nil {
			return fmt.Errorf("%w: data block: %w", ErrCorruptTable, err)
		}
	}
	return nil
}

func (it *Iterator) Close() error { return nil }

func (it *Iterator) SeekToFirst() {
	it.index.SeekToFirst()
	it.loadBlock()
	if it.data != nil {
		it.data.SeekToFirst()
	}
	it.skipEmptyBlocks()
}

func (it *Iterator) Seek(target []byte) {
	it.index.Seek(target)
	it.loadBlock()
	if it.data != nil {
		it.data.Seek(target)
	}
	it.skipEmptyBlocks()
}

func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.data.Next()
	it.skipEmptyBlocks()
}

func (it *Iterator) loadBlock() {
	it.data = nil
	if it.err != nil || !it.index.Valid() {
		return
	}
	h, _, err := block.DecodeHandle(it.index.Value())
	if err != nil {
		it.err = fmt.Errorf("%w: index entry: %w", ErrCorruptTable, err)
		return
	}
	b, err := it.r.dataBlock(h)
	if err != nil {
		it.err = err
		return
	}
	it.data = b.NewIterator(dbformat.Compare)
}

// skipEmptyBlocks advances to the next block while the current one is
// exhausted.
func (it *Iterator) skipEmptyBlocks() {
	for it.data != nil && !it.data.Valid() {
		if it.data.Error() != nil {
			return
		}
		it.index.Next()
		it.loadBlock()
		if it.data != nil {
			it.data.SeekToFirst()
		}
	}
}

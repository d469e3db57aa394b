package table

import (
	"bytes"
	"fmt"

	"github.com/aalhour/rocklet/internal/block"
	"github.com/aalhour/rocklet/internal/compression"
	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/encoding"
)

// Properties are the per-table statistics stored in the stats block.
type Properties struct {
	NumEntries    uint64
	NumDeletions  uint64
	NumDataBlocks uint64
	RawKeySize    uint64
	RawValueSize  uint64
	DataSize      uint64
	IndexSize     uint64
	FilterSize    uint64
	Compression   compression.Type
	SmallestSeq   dbformat.SequenceNumber
	LargestSeq    dbformat.SequenceNumber
}

// Stats block keys. The block is sorted, so keep these in byte order.
const (
	propCompression   = "rocklet.compression"
	propDataSize      = "rocklet.data-size"
	propFilterSize    = "rocklet.filter-size"
	propIndexSize     = "rocklet.index-size"
	propLargestSeq    = "rocklet.largest-seq"
	propNumDataBlocks = "rocklet.num-data-blocks"
	propNumDeletions  = "rocklet.num-deletions"
	propNumEntries    = "rocklet.num-entries"
	propRawKeySize    = "rocklet.raw-key-size"
	propRawValueSize  = "rocklet.raw-value-size"
	propSmallestSeq   = "rocklet.smallest-seq"
)

func (p *Properties) fields() []struct {
	name string
	ptr  *uint64
} {
	return []struct {
		name string
		ptr  *uint64
	}{
		{propDataSize, &p.DataSize},
		{propFilterSize, &p.FilterSize},
		{propIndexSize, &p.IndexSize},
		{propLargestSeq, (*uint64)(&p.LargestSeq)},
		{propNumDataBlocks, &p.NumDataBlocks},
		{propNumDeletions, &p.NumDeletions},
		{propNumEntries, &p.NumEntries},
		{propRawKeySize, &p.RawKeySize},
		{propRawValueSize, &p.RawValueSize},
		{propSmallestSeq, (*uint64)(&p.SmallestSeq)},
	}
}

func (p *Properties) encode() []byte {
	b := block.NewBuilder(1)
	b.Add([]byte(propCompression), []byte{byte(p.Compression)})
	for _, f := range p.fields() {
		b.Add([]byte(f.name), encoding.AppendVarint64(nil, *f.ptr))
	}
	return b.Finish()
}

func decodeProperties(data []byte) (Properties, error) {
	var p Properties
	blk, err := block.NewBlock(data)
	if err != nil {
		return p, err
	}
	values := make(map[string][]byte)
	it := blk.NewIterator(bytes.Compare)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		values[string(it.Key())] = append([]byte(nil), it.Value()...)
	}
	if err := it.Error(); err != nil {
		return p, err
	}

	if v, ok := values[propCompression]; ok && len(v) == 1 {
		p.Compression = compression.Type(v[0])
	}
	for _, f := range p.fields() {
		v, ok := values[f.name]
		if !ok {
			continue
		}
		x, _, err := encoding.DecodeVarint64(v)
		if err != nil {
			return p, fmt.Errorf("property %s: %w", f.name, err)
		}
		*f.ptr = x
	}
	return p, nil
}

func (p Properties) String() string {
	return fmt.Sprintf("entries=%d deletions=%d blocks=%d raw=%d/%d data=%d index=%d filter=%d compression=%s seq=[%d,%d]",
		p.NumEntries, p.NumDeletions, p.NumDataBlocks, p.RawKeySize, p.RawValueSize,
		p.DataSize, p.IndexSize, p.FilterSize, p.Compression, p.SmallestSeq, p.LargestSeq)
}

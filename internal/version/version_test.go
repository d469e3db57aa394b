package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/manifest"
)

func meta(num uint64, smallest, largest string) *manifest.FileMetaData {
	return &manifest.FileMetaData{
		Number:      num,
		Size:        100 * num,
		Smallest:    dbformat.NewInternalKey([]byte(smallest), dbformat.SequenceNumber(num*10+1), dbformat.TypeValue),
		Largest:     dbformat.NewInternalKey([]byte(largest), dbformat.SequenceNumber(num*10), dbformat.TypeValue),
		SmallestSeq: dbformat.SequenceNumber(num * 10),
		LargestSeq:  dbformat.SequenceNumber(num*10 + 1),
	}
}

func buildVersion(t *testing.T, files map[int][]*manifest.FileMetaData) *Version {
	t.Helper()
	edit := manifest.NewVersionEdit()
	for level, fs := range files {
		for _, f := range fs {
			edit.AddFile(level, f)
		}
	}
	b := newBuilder(nil, nil)
	require.NoError(t, b.apply(edit))
	v, err := b.saveTo()
	require.NoError(t, err)
	return v
}

func numbers(files []*manifest.FileMetaData) []uint64 {
	var out []uint64
	for _, f := range files {
		out = append(out, f.Number)
	}
	return out
}

func TestBuilderOrdering(t *testing.T) {
	v := buildVersion(t, map[int][]*manifest.FileMetaData{
		0: {meta(3, "a", "z"), meta(7, "c", "d"), meta(5, "b", "k")},
		1: {meta(9, "m", "p"), meta(8, "a", "c"), meta(10, "q", "t")},
	})
	assert.Equal(t, []uint64{7, 5, 3}, numbers(v.Files(0)), "L0 newest first")
	assert.Equal(t, []uint64{8, 9, 10}, numbers(v.Files(1)), "L1 by smallest key")
	assert.Equal(t, 6, v.TotalFiles())
	assert.EqualValues(t, 2700, v.NumLevelBytes(1))
	assert.Equal(t, 1, v.DeepestNonEmptyLevel())
}

func TestBuilderRejectsOverlapBelowL0(t *testing.T) {
	edit := manifest.NewVersionEdit()
	edit.AddFile(2, meta(1, "a", "m"))
	edit.AddFile(2, meta(2, "k", "z"))
	b := newBuilder(nil, nil)
	require.NoError(t, b.apply(edit))
	_, err := b.saveTo()
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestBuilderAddThenDelete(t *testing.T) {
	base := buildVersion(t, map[int][]*manifest.FileMetaData{1: {meta(1, "a", "b")}})
	b := newBuilder(nil, base)

	e1 := manifest.NewVersionEdit()
	e1.AddFile(1, meta(2, "c", "d"))
	e2 := manifest.NewVersionEdit()
	e2.DeleteFile(1, 2)
	e2.DeleteFile(1, 1)
	e2.AddFile(2, meta(3, "a", "d"))
	require.NoError(t, b.apply(e1))
	require.NoError(t, b.apply(e2))

	v, err := b.saveTo()
	require.NoError(t, err)
	assert.Zero(t, v.NumFiles(1))
	assert.Equal(t, []uint64{3}, numbers(v.Files(2)))
}

func TestOverlappingInputs(t *testing.T) {
	v := buildVersion(t, map[int][]*manifest.FileMetaData{
		0: {meta(1, "a", "c"), meta(2, "b", "f"), meta(3, "e", "h"), meta(4, "x", "z")},
		1: {meta(5, "a", "d"), meta(6, "e", "g"), meta(7, "h", "k")},
	})

	// L0 widens [a, b] through the chain a-c, b-f, e-h.
	assert.ElementsMatch(t, []uint64{1, 2, 3}, numbers(v.OverlappingInputs(0, []byte("a"), []byte("b"))))
	assert.ElementsMatch(t, []uint64{4}, numbers(v.OverlappingInputs(0, []byte("y"), nil)))
	assert.Len(t, v.OverlappingInputs(0, nil, nil), 4)

	assert.Equal(t, []uint64{6, 7}, numbers(v.OverlappingInputs(1, []byte("f"), []byte("h"))))
	assert.Empty(t, v.OverlappingInputs(1, []byte("l"), []byte("m")))
	assert.Nil(t, v.OverlappingInputs(NumLevels, nil, nil))
}

func TestIsBaseLevelForKey(t *testing.T) {
	v := buildVersion(t, map[int][]*manifest.FileMetaData{
		1: {meta(1, "a", "f")},
		3: {meta(2, "m", "p")},
	})
	assert.False(t, v.IsBaseLevelForKey(0, []byte("c")))
	assert.True(t, v.IsBaseLevelForKey(1, []byte("c")))
	assert.False(t, v.IsBaseLevelForKey(1, []byte("n")))
	assert.True(t, v.IsBaseLevelForKey(3, []byte("n")))
	assert.True(t, v.IsBaseLevelForKey(0, []byte("h")))
}

// fakeTables serves Get from in-memory sorted entries per file.
type fakeTables map[uint64][][2][]byte

func (ft fakeTables) Get(fileNum uint64, ikey []byte) ([]byte, []byte, bool, error) {
	for _, e := range ft[fileNum] {
		if dbformat.Compare(e[0], ikey) >= 0 {
			return e[0], e[1], true, nil
		}
	}
	return nil, nil, false, nil
}

func entry(k string, seq uint64, t dbformat.ValueType, v string) [2][]byte {
	return [2][]byte{dbformat.NewInternalKey([]byte(k), dbformat.SequenceNumber(seq), t), []byte(v)}
}

func TestVersionGet(t *testing.T) {
	l0new := &manifest.FileMetaData{Number: 9,
		Smallest: dbformat.NewInternalKey([]byte("k"), 50, dbformat.TypeDeletion),
		Largest:  dbformat.NewInternalKey([]byte("k"), 50, dbformat.TypeDeletion)}
	l0old := &manifest.FileMetaData{Number: 8,
		Smallest: dbformat.NewInternalKey([]byte("k"), 40, dbformat.TypeValue),
		Largest:  dbformat.NewInternalKey([]byte("k"), 40, dbformat.TypeValue)}
	l1 := &manifest.FileMetaData{Number: 3,
		Smallest: dbformat.NewInternalKey([]byte("a"), 5, dbformat.TypeValue),
		Largest:  dbformat.NewInternalKey([]byte("k"), 10, dbformat.TypeValue)}
	v := buildVersion(t, map[int][]*manifest.FileMetaData{0: {l0old, l0new}, 1: {l1}})

	tables := fakeTables{
		9: {entry("k", 50, dbformat.TypeDeletion, "")},
		8: {entry("k", 40, dbformat.TypeValue, "v40")},
		3: {entry("a", 5, dbformat.TypeValue, "a5"), entry("k", 10, dbformat.TypeValue, "v10")},
	}

	tests := []struct {
		key       string
		seq       uint64
		wantFound bool
		wantDel   bool
		wantValue string
	}{
		{"k", 100, true, true, ""},
		{"k", 45, true, false, "v40"},
		{"k", 20, true, false, "v10"},
		{"k", 5, false, false, ""},
		{"a", 100, true, false, "a5"},
		{"b", 100, false, false, ""},
		{"z", 100, false, false, ""},
	}
	for _, tt := range tests {
		val, found, deleted, err := v.Get(tables, []byte(tt.key), dbformat.SequenceNumber(tt.seq))
		require.NoError(t, err)
		assert.Equal(t, tt.wantFound, found, "%s@%d", tt.key, tt.seq)
		assert.Equal(t, tt.wantDel, deleted, "%s@%d", tt.key, tt.seq)
		assert.Equal(t, tt.wantValue, string(val), "%s@%d", tt.key, tt.seq)
	}
}

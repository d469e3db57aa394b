package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/encoding"
)

func testFile(num uint64, smallest, largest string) *FileMetaData {
	return &FileMetaData{
		Number:      num,
		Size:        1000 + num,
		Smallest:    dbformat.NewInternalKey([]byte(smallest), 5, dbformat.TypeValue),
		Largest:     dbformat.NewInternalKey([]byte(largest), 3, dbformat.TypeDeletion),
		SmallestSeq: 3,
		LargestSeq:  5,
	}
}

func TestVersionEditRoundTrip(t *testing.T) {
	ve := NewVersionEdit()
	ve.SetDBID("2f1c")
	ve.SetComparatorName("rocklet.bytewise")
	ve.SetLogNumber(12)
	ve.SetNextFileNumber(20)
	ve.SetLastSequence(999)
	ve.DeleteFile(0, 7)
	ve.DeleteFile(1, 8)
	ve.AddFile(1, testFile(15, "a", "m"))
	ve.AddFile(2, testFile(16, "n", "z"))

	var got VersionEdit
	require.NoError(t, got.DecodeFrom(ve.EncodeTo(nil)))
	assert.Equal(t, ve, &got)
}

func TestVersionEditEmpty(t *testing.T) {
	var got VersionEdit
	require.NoError(t, got.DecodeFrom(nil))
	assert.Equal(t, VersionEdit{}, got)
}

func TestVersionEditDecodeErrors(t *testing.T) {
	ve := NewVersionEdit()
	ve.AddFile(0, testFile(4, "a", "b"))
	good := ve.EncodeTo(nil)

	var got VersionEdit
	for i := 1; i < len(good); i++ {
		assert.ErrorIs(t, got.DecodeFrom(good[:i]), ErrUnexpectedEndOfInput, "truncated to %d", i)
	}

	unknown := encoding.AppendVarint32(nil, 42)
	assert.ErrorIs(t, got.DecodeFrom(unknown), ErrUnknownRequiredTag)

	badLevel := NewVersionEdit()
	badLevel.AddFile(NumLevels, testFile(4, "a", "b"))
	assert.ErrorIs(t, got.DecodeFrom(badLevel.EncodeTo(nil)), ErrInvalidFileMetadata)
}

func TestVersionEditSkipsIgnorableTags(t *testing.T) {
	data := encoding.AppendVarint32(nil, uint32(TagSafeIgnoreMask|77))
	data = encoding.AppendLengthPrefixedSlice(data, []byte("future"))
	ve := NewVersionEdit()
	ve.SetLastSequence(5)
	data = ve.EncodeTo(data)

	var got VersionEdit
	require.NoError(t, got.DecodeFrom(data))
	assert.True(t, got.HasLastSequence)
	assert.EqualValues(t, 5, got.LastSequence)
}

func TestVersionEditDebugString(t *testing.T) {
	ve := NewVersionEdit()
	ve.SetLogNumber(4)
	ve.AddFile(0, testFile(9, "a", "b"))
	s := ve.DebugString()
	assert.Contains(t, s, "LogNumber: 4")
	assert.Contains(t, s, "AddFile: L0 #9")
}

func TestFileMetaDataClone(t *testing.T) {
	f := testFile(9, "b", "k")
	f.SetBeingCompacted(true)
	require.True(t, f.BeingCompacted())

	c := f.Clone()
	assert.False(t, c.BeingCompacted(), "a clone starts idle")
	assert.Equal(t, f.Number, c.Number)
	assert.Equal(t, f.Smallest, c.Smallest)
	assert.Equal(t, f.Largest, c.Largest)
	assert.Equal(t, f.LargestSeq, c.LargestSeq)

	f.SetBeingCompacted(false)
	assert.False(t, f.BeingCompacted())
}

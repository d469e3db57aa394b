package block

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildBlock(t *testing.T, n, restartInterval int) (*Block, [][]byte) {
	t.Helper()
	b := NewBuilder(restartInterval)
	var keys [][]byte
	for i := 0; i < n; i++ {
		k := fmt.Appendf(nil, "key-%04d", i*2)
		keys = append(keys, k)
		b.Add(k, fmt.Appendf(nil, "v%d", i))
	}
	want := b.EstimatedSize()
	data := b.Finish()
	assert.Equal(t, want, len(data))
	blk, err := NewBlock(append([]byte(nil), data...))
	require.NoError(t, err)
	return blk, keys
}

func TestBlockIterateAll(t *testing.T) {
	for _, interval := range []int{1, 2, 16} {
		t.Run(fmt.Sprintf("interval%d", interval), func(t *testing.T) {
			blk, keys := buildBlock(t, 100, interval)
			it := blk.NewIterator(bytes.Compare)
			i := 0
			for it.SeekToFirst(); it.Valid(); it.Next() {
				require.Less(t, i, len(keys))
				assert.Equal(t, keys[i], it.Key())
				assert.Equal(t, fmt.Sprintf("v%d", i), string(it.Value()))
				i++
			}
			require.NoError(t, it.Error())
			assert.Equal(t, len(keys), i)
		})
	}
}

func TestBlockSeek(t *testing.T) {
	blk, _ := buildBlock(t, 100, 16)
	it := blk.NewIterator(bytes.Compare)

	tests := []struct {
		target string
		want   string
	}{
		{"", "key-0000"},
		{"key-0000", "key-0000"},
		{"key-0001", "key-0002"},
		{"key-0063", "key-0064"},
		{"key-0198", "key-0198"},
		{"key-0199", ""},
		{"zzz", ""},
	}
	for _, tt := range tests {
		it.Seek([]byte(tt.target))
		if tt.want == "" {
			assert.False(t, it.Valid(), tt.target)
			continue
		}
		require.True(t, it.Valid(), tt.target)
		assert.Equal(t, tt.want, string(it.Key()), tt.target)
	}
}

func TestBlockPrefixCompressionShrinks(t *testing.T) {
	full := NewBuilder(1)
	delta := NewBuilder(16)
	for i := 0; i < 64; i++ {
		k := fmt.Appendf(nil, "a-long-common-prefix/%04d", i)
		full.Add(k, nil)
		delta.Add(k, nil)
	}
	assert.Less(t, len(delta.Finish()), len(full.Finish()))
}

func TestNewBlockRejectsGarbage(t *testing.T) {
	_, err := NewBlock([]byte{1, 2})
	assert.ErrorIs(t, err, ErrBadBlock)

	_, err = NewBlock([]byte{0xff, 0xff, 0xff, 0x0f})
	assert.ErrorIs(t, err, ErrBadBlock)
}

func TestBlockCorruptEntry(t *testing.T) {
	b := NewBuilder(16)
	b.Add([]byte("a"), []byte("1"))
	b.Add([]byte("b"), []byte("2"))
	data := append([]byte(nil), b.Finish()...)
	data[2] = 200 // value length runs past the entries

	blk, err := NewBlock(data)
	require.NoError(t, err)
	it := blk.NewIterator(bytes.Compare)
	it.SeekToFirst()
	assert.False(t, it.Valid())
	assert.ErrorIs(t, it.Error(), ErrBadBlock)
}

func TestHandleRoundTrip(t *testing.T) {
	h := Handle{Offset: 1 << 40, Size: 4096}
	enc := h.EncodeTo(nil)
	got, n, err := DecodeHandle(enc)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, len(enc), n)

	_, _, err = DecodeHandle(enc[:2])
	assert.Error(t, err)
}

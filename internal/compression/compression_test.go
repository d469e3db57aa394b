package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("key-000123:value-abcdefgh;"), 200)

	for _, typ := range []Type{None, Snappy, LZ4, Zstd} {
		t.Run(typ.String(), func(t *testing.T) {
			out, compressed, err := Compress(typ, data)
			require.NoError(t, err)
			if typ == None {
				assert.False(t, compressed)
				assert.Equal(t, data, out)
				return
			}
			require.True(t, compressed)
			assert.Less(t, len(out), len(data))

			got, err := Decompress(typ, out)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestIncompressibleStoredRaw(t *testing.T) {
	data := []byte("abc")
	for _, typ := range []Type{Snappy, LZ4, Zstd} {
		out, compressed, err := Compress(typ, data)
		require.NoError(t, err)
		assert.False(t, compressed, typ.String())
		assert.Equal(t, data, out)
	}
}

func TestDecompressCorrupt(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 100)
	for _, typ := range []Type{Snappy, LZ4, Zstd} {
		out, _, err := Compress(typ, data)
		require.NoError(t, err)

		_, err = Decompress(typ, out[:len(out)/2])
		assert.ErrorIs(t, err, ErrCorrupt, typ.String())
	}
}

func TestParseType(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Type
	}{
		{"none", None},
		{"", None},
		{"LZ4", LZ4},
		{"zstd", Zstd},
		{"snappy", Snappy},
	} {
		got, err := ParseType(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseType("brotli")
	assert.Error(t, err)

	var typ Type
	require.NoError(t, typ.UnmarshalText([]byte("zstd")))
	text, err := typ.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "zstd", string(text))
}

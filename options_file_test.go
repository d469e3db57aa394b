package rocklet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/rocklet/internal/vfs"
)

func TestOptionsFileWrittenOnOpen(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.Compression = CompressionZstd
	opts.MemtableByteLimit = 1 << 20
	opts.SyncWrites = true
	require.NoError(t, openTestDB(t, dir, opts).Close())

	path, err := LatestOptionsFile(vfs.Default(), dir)
	require.NoError(t, err)
	loaded, err := LoadOptionsFile(vfs.Default(), path)
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, loaded.Compression)
	assert.Equal(t, 1<<20, loaded.MemtableByteLimit)
	assert.True(t, loaded.SyncWrites)
	assert.Equal(t, opts.BlockSize, loaded.BlockSize)

	// Reopening replaces the file rather than adding one.
	require.NoError(t, openTestDB(t, dir, nil).Close())
	next, err := LatestOptionsFile(vfs.Default(), dir)
	require.NoError(t, err)
	assert.NotEqual(t, path, next)
	assert.NoFileExists(t, path)
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		check   func(t *testing.T, o *Options)
		wantErr bool
	}{
		{
			name: "partial file keeps defaults",
			yaml: "options_file_version: 1\noptions:\n  compression: lz4\n  block_size_bytes: 8192\n",
			check: func(t *testing.T, o *Options) {
				assert.Equal(t, CompressionLZ4, o.Compression)
				assert.Equal(t, 8192, o.BlockSize)
				assert.Equal(t, DefaultOptions().MemtableByteLimit, o.MemtableByteLimit)
				assert.True(t, o.CreateIfMissing)
			},
		},
		{
			name:    "unknown codec",
			yaml:    "options:\n  compression: brotli\n",
			wantErr: true,
		},
		{
			name:    "invalid value",
			yaml:    "options:\n  memtable_byte_limit: -1\n",
			wantErr: true,
		},
		{
			name:    "newer format",
			yaml:    "options_file_version: 2\noptions: {}\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := ParseOptions([]byte(tt.yaml))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidOptions)
				return
			}
			require.NoError(t, err)
			tt.check(t, o)
		})
	}
}

func TestLatestOptionsFileMissing(t *testing.T) {
	_, err := LatestOptionsFile(vfs.Default(), t.TempDir())
	assert.ErrorIs(t, err, errNoOptionsFile)
}

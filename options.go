package rocklet

// options.go implements database configuration options.

import (
	"fmt"

	"github.com/aalhour/rocklet/internal/compression"
	"github.com/aalhour/rocklet/internal/logging"
	"github.com/aalhour/rocklet/internal/vfs"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// CompressionType selects the codec applied to data blocks.
type CompressionType = compression.Type

const (
	CompressionNone   = compression.None
	CompressionSnappy = compression.Snappy
	CompressionLZ4    = compression.LZ4
	CompressionZstd   = compression.Zstd
)

// FS is the filesystem the database runs on.
type FS = vfs.FS

// Options controls the behavior of a database. Fields with yaml tags are
// persisted to the OPTIONS file on every open.
type Options struct {
	// CreateIfMissing creates the database when the directory holds none.
	CreateIfMissing bool `yaml:"create_if_missing"`
	// ErrorIfExists fails Open when a database already exists.
	ErrorIfExists bool `yaml:"error_if_exists"`

	// Compression is applied to data blocks of new tables.
	Compression CompressionType `yaml:"compression"`
	// MemtableByteLimit is the memtable size that triggers a flush.
	MemtableByteLimit int `yaml:"memtable_byte_limit"`
	// BlockSize is the uncompressed size at which data blocks are cut.
	BlockSize int `yaml:"block_size_bytes"`
	// BloomBitsPerKey sizes the per-table Bloom filter over user keys.
	// Zero disables filters for new tables.
	BloomBitsPerKey int `yaml:"bloom_bits_per_key"`
	// SyncWrites fsyncs the WAL after every write.
	SyncWrites bool `yaml:"sync_writes"`

	L0CompactionTrigger  int    `yaml:"l0_compaction_trigger"`
	MaxBytesForLevelBase uint64 `yaml:"max_bytes_for_level_base"`
	LevelMultiplier      uint64 `yaml:"level_multiplier"`
	// TargetFileSize is where compaction output tables are cut.
	TargetFileSize uint64 `yaml:"target_file_size"`

	// MaxOpenFiles bounds the table cache.
	MaxOpenFiles int `yaml:"max_open_files"`
	// MaxManifestFileSize rolls the MANIFEST over to a fresh snapshot.
	MaxManifestFileSize int64 `yaml:"max_manifest_file_size"`
	// VerifyFileChecksum hashes each table in full when it is opened.
	VerifyFileChecksum bool `yaml:"verify_file_checksum"`

	DisableAutoCompaction bool `yaml:"disable_auto_compaction"`

	// FS defaults to the OS filesystem.
	FS FS `yaml:"-"`
	// Logger defaults to a WARN level logger on stderr.
	Logger Logger `yaml:"-"`
}

// DefaultOptions returns the default options.
func DefaultOptions() *Options {
	return &Options{
		CreateIfMissing:      true,
		Compression:          CompressionNone,
		MemtableByteLimit:    4 << 20,
		BlockSize:            4 << 10,
		BloomBitsPerKey:      10,
		L0CompactionTrigger:  4,
		MaxBytesForLevelBase: 10 << 20,
		LevelMultiplier:      10,
		TargetFileSize:       2 << 20,
		MaxOpenFiles:         500,
		MaxManifestFileSize:  1 << 20,
		VerifyFileChecksum:   true,
	}
}

// Validate reports the first invalid field.
func (o *Options) Validate() error {
	switch {
	case !o.Compression.IsSupported():
		return fmt.Errorf("%w: unsupported compression %s", ErrInvalidOptions, o.Compression)
	case o.MemtableByteLimit <= 0:
		return fmt.Errorf("%w: memtable_byte_limit must be positive, got %d", ErrInvalidOptions, o.MemtableByteLimit)
	case o.BlockSize <= 0:
		return fmt.Errorf("%w: block_size_bytes must be positive, got %d", ErrInvalidOptions, o.BlockSize)
	case o.BloomBitsPerKey < 0:
		return fmt.Errorf("%w: bloom_bits_per_key must not be negative, got %d", ErrInvalidOptions, o.BloomBitsPerKey)
	case o.L0CompactionTrigger <= 0:
		return fmt.Errorf("%w: l0_compaction_trigger must be positive, got %d", ErrInvalidOptions, o.L0CompactionTrigger)
	case o.MaxBytesForLevelBase == 0:
		return fmt.Errorf("%w: max_bytes_for_level_base must be positive", ErrInvalidOptions)
	case o.LevelMultiplier < 2:
		return fmt.Errorf("%w: level_multiplier must be at least 2, got %d", ErrInvalidOptions, o.LevelMultiplier)
	case o.TargetFileSize == 0:
		return fmt.Errorf("%w: target_file_size must be positive", ErrInvalidOptions)
	case o.MaxOpenFiles < 1:
		return fmt.Errorf("%w: max_open_files must be positive, got %d", ErrInvalidOptions, o.MaxOpenFiles)
	case o.MaxManifestFileSize < 0:
		return fmt.Errorf("%w: max_manifest_file_size must not be negative", ErrInvalidOptions)
	}
	return nil
}

// WriteOptions controls a single write.
type WriteOptions struct {
	// Sync fsyncs the WAL before the write is acknowledged, in addition
	// to Options.SyncWrites.
	Sync bool
}

// DefaultWriteOptions returns the default write options.
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{}
}

// ReadOptions controls a single read or iterator.
type ReadOptions struct {
	// Snapshot pins reads to an earlier state. Nil reads the latest state.
	Snapshot *Snapshot
}

// DefaultReadOptions returns the default read options.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{}
}

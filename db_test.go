package rocklet

// db_test.go implements tests for the DB facade.

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/rocklet/internal/filename"
	"github.com/aalhour/rocklet/internal/logging"
	"github.com/aalhour/rocklet/internal/vfs"
)

func testOptions() *Options {
	opts := DefaultOptions()
	opts.Logger = logging.Discard
	return opts
}

func openTestDB(t *testing.T, dir string, opts *Options) *DB {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	db, err := Open(dir, opts)
	require.NoError(t, err)
	return db
}

func mustPut(t *testing.T, db *DB, key, value string) {
	t.Helper()
	require.NoError(t, db.Put(nil, []byte(key), []byte(value)))
}

func mustDelete(t *testing.T, db *DB, key string) {
	t.Helper()
	require.NoError(t, db.Delete(nil, []byte(key)))
}

func requireValue(t *testing.T, db *DB, key, want string) {
	t.Helper()
	got, err := db.Get(nil, []byte(key))
	require.NoError(t, err, "get %q", key)
	require.Equal(t, want, string(got), "get %q", key)
}

func requireNotFound(t *testing.T, db *DB, key string) {
	t.Helper()
	_, err := db.Get(nil, []byte(key))
	require.ErrorIs(t, err, ErrNotFound, "get %q", key)
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	defer db.Close()

	mustPut(t, db, "a", "1")
	mustPut(t, db, "b", "2")
	requireValue(t, db, "a", "1")
	requireValue(t, db, "b", "2")
	requireNotFound(t, db, "c")

	mustDelete(t, db, "a")
	requireNotFound(t, db, "a")
	requireValue(t, db, "b", "2")

	// Deleting an absent key is not an error.
	mustDelete(t, db, "never-written")
}

func TestTombstones(t *testing.T) {
	type op struct {
		del   bool
		value string
		flush bool // flush after the operation
	}
	tests := []struct {
		name string
		ops  []op
		want string // "" means absent
	}{
		{"put delete", []op{{value: "v1"}, {del: true}}, ""},
		{"put delete put", []op{{value: "v1"}, {del: true}, {value: "v2"}}, "v2"},
		{"delete in memtable shadows table", []op{{value: "v1", flush: true}, {del: true}}, ""},
		{"put after flushed delete", []op{{value: "v1", flush: true}, {del: true, flush: true}, {value: "v2"}}, "v2"},
		{"everything flushed", []op{{value: "v1", flush: true}, {del: true, flush: true}}, ""},
		{"overwrite across flushes", []op{{value: "v1", flush: true}, {value: "v2", flush: true}, {value: "v3"}}, "v3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t, t.TempDir(), nil)
			defer db.Close()

			for _, o := range tt.ops {
				if o.del {
					mustDelete(t, db, "k")
				} else {
					mustPut(t, db, "k", o.value)
				}
				if o.flush {
					require.NoError(t, db.Flush())
				}
			}
			if tt.want == "" {
				requireNotFound(t, db, "k")
			} else {
				requireValue(t, db, "k", tt.want)
			}

			require.NoError(t, db.CompactRange(nil, nil))
			if tt.want == "" {
				requireNotFound(t, db, "k")
			} else {
				requireValue(t, db, "k", tt.want)
			}
		})
	}
}

func TestWriteBatch(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	defer db.Close()

	mustPut(t, db, "gone", "x")

	b := NewWriteBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("gone"))
	b.Put([]byte("a"), []byte("3"))
	assert.Equal(t, 4, b.Count())

	before, _ := db.GetProperty(PropertyLastSequence)
	require.NoError(t, db.Write(nil, b))
	after, _ := db.GetProperty(PropertyLastSequence)

	requireValue(t, db, "a", "3")
	requireValue(t, db, "b", "2")
	requireNotFound(t, db, "gone")

	n0, _ := strconv.Atoi(before)
	n1, _ := strconv.Atoi(after)
	assert.Equal(t, 4, n1-n0, "each operation consumes one sequence number")

	b.Clear()
	assert.Equal(t, 0, b.Count())
	require.NoError(t, db.Write(nil, b))
	require.NoError(t, db.Write(nil, nil))
}

func TestGetReturnsCopy(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	defer db.Close()

	mustPut(t, db, "k", "value")
	require.NoError(t, db.Flush())
	v, err := db.Get(nil, []byte("k"))
	require.NoError(t, err)
	v[0] = 'X'
	requireValue(t, db, "k", "value")
}

func TestStates(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	assert.Equal(t, StateOpen, db.State())
	require.NoError(t, db.Close())
	assert.Equal(t, StateClosed, db.State())

	key := []byte("k")
	assert.ErrorIs(t, db.Put(nil, key, key), ErrInvalidState)
	assert.ErrorIs(t, db.Delete(nil, key), ErrInvalidState)
	assert.ErrorIs(t, db.Write(nil, NewWriteBatch()), ErrInvalidState)
	_, err := db.Get(nil, key)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, db.Flush(), ErrInvalidState)
	assert.ErrorIs(t, db.CompactRange(nil, nil), ErrInvalidState)
	assert.ErrorIs(t, db.SyncWAL(), ErrInvalidState)
	assert.Nil(t, db.GetSnapshot())
	_, ok := db.GetProperty(PropertyStats)
	assert.False(t, ok)

	it := db.NewIterator(nil, nil, nil)
	it.SeekToFirst()
	assert.False(t, it.Valid())
	assert.ErrorIs(t, it.Error(), ErrInvalidState)
	assert.NoError(t, it.Close())

	assert.ErrorIs(t, db.Close(), ErrInvalidState, "double close")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "opening", StateOpening.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "unknown(9)", State(9).String())
}

func TestOpenErrors(t *testing.T) {
	t.Run("missing without create", func(t *testing.T) {
		opts := testOptions()
		opts.CreateIfMissing = false
		_, err := Open(t.TempDir(), opts)
		assert.ErrorIs(t, err, ErrOpen)
		assert.ErrorIs(t, err, ErrDBNotFound)
	})

	t.Run("error if exists", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, openTestDB(t, dir, nil).Close())

		opts := testOptions()
		opts.ErrorIfExists = true
		_, err := Open(dir, opts)
		assert.ErrorIs(t, err, ErrOpen)
		assert.ErrorIs(t, err, ErrDBExists)
	})

	t.Run("locked", func(t *testing.T) {
		dir := t.TempDir()
		db := openTestDB(t, dir, nil)
		defer db.Close()

		_, err := Open(dir, testOptions())
		assert.ErrorIs(t, err, ErrOpen)
		assert.ErrorIs(t, err, ErrLocked)
	})

	t.Run("invalid options", func(t *testing.T) {
		opts := testOptions()
		opts.MemtableByteLimit = 0
		_, err := Open(t.TempDir(), opts)
		assert.ErrorIs(t, err, ErrOpen)
		assert.ErrorIs(t, err, ErrInvalidOptions)
	})
}

func TestMemtableSwitch(t *testing.T) {
	opts := testOptions()
	opts.MemtableByteLimit = 16 << 10
	opts.DisableAutoCompaction = true
	db := openTestDB(t, t.TempDir(), opts)
	defer db.Close()

	const n = 2000
	value := make([]byte, 100)
	for i := range n {
		require.NoError(t, db.Put(nil, fmt.Appendf(nil, "key%06d", i), value))
	}
	require.NoError(t, db.Flush())

	files, ok := db.GetProperty(PropertyNumFilesAtLevelPrefix + "0")
	require.True(t, ok)
	nfiles, err := strconv.Atoi(files)
	require.NoError(t, err)
	assert.Greater(t, nfiles, 1, "memtable should have been switched several times")

	for i := range n {
		_, err := db.Get(nil, fmt.Appendf(nil, "key%06d", i))
		require.NoError(t, err, "key%06d", i)
	}
}

func TestGetProperty(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	defer db.Close()

	mustPut(t, db, "a", "1")
	require.NoError(t, db.Flush())

	v, ok := db.GetProperty(PropertyNumFilesAtLevelPrefix + "0")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	v, ok = db.GetProperty(PropertyLastSequence)
	require.True(t, ok)
	assert.Equal(t, "1", v)

	s := db.GetSnapshot()
	v, _ = db.GetProperty(PropertyNumSnapshots)
	assert.Equal(t, "1", v)
	db.ReleaseSnapshot(s)
	v, _ = db.GetProperty(PropertyNumSnapshots)
	assert.Equal(t, "0", v)

	stats, ok := db.GetProperty(PropertyStats)
	require.True(t, ok)
	assert.Contains(t, stats, "L0")

	_, ok = db.GetProperty(PropertyNumFilesAtLevelPrefix + "42")
	assert.False(t, ok)
	_, ok = db.GetProperty("rocklet.no-such-property")
	assert.False(t, ok)
}

func TestIdentity(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, nil)
	id := db.Identity()
	require.NotEmpty(t, id)
	require.NoError(t, db.Close())

	db = openTestDB(t, dir, nil)
	defer db.Close()
	assert.Equal(t, id, db.Identity())
}

func TestFailedWALAppendStopsWrites(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	opts := testOptions()
	opts.FS = fs
	dir := t.TempDir()
	db := openTestDB(t, dir, opts)

	mustPut(t, db, "before", "1")

	fs.InjectWriteError("LOG-")
	err := db.Put(nil, []byte("lost"), []byte("x"))
	require.ErrorIs(t, err, ErrWrite)
	require.ErrorIs(t, err, vfs.ErrInjectedWriteError)
	fs.ClearErrors()

	// The failed append was never applied, and the write path stays down.
	requireNotFound(t, db, "lost")
	requireValue(t, db, "before", "1")
	assert.ErrorIs(t, db.Put(nil, []byte("after"), []byte("y")), ErrWrite)

	err = db.Close()
	require.ErrorIs(t, err, ErrClose)
	assert.Equal(t, StateClosed, db.State())

	db = openTestDB(t, dir, opts)
	defer db.Close()
	requireValue(t, db, "before", "1")
	requireNotFound(t, db, "lost")
	requireNotFound(t, db, "after")
}

func TestSyncWAL(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	opts := testOptions()
	opts.FS = fs
	db := openTestDB(t, t.TempDir(), opts)
	defer db.Close()

	mustPut(t, db, "k", "v")
	require.NoError(t, db.SyncWAL())

	fs.InjectSyncError("LOG-")
	err := db.SyncWAL()
	assert.True(t, errors.Is(err, ErrWrite) && errors.Is(err, vfs.ErrInjectedSyncError), "got %v", err)
	fs.ClearErrors()
}

func TestVerifyChecksums(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, nil)
	defer db.Close()

	for i := range 100 {
		mustPut(t, db, fmt.Sprintf("key%03d", i), "value")
	}
	require.NoError(t, db.Flush())
	require.NoError(t, db.VerifyChecksums())

	tables := tableNumbers(t, dir)
	require.Len(t, tables, 1)
	for num := range tables {
		path := filename.Table(dir, num)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[0] ^= 0xff
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}

	err := db.VerifyChecksums()
	assert.ErrorIs(t, err, ErrRead)
	assert.ErrorIs(t, err, ErrCorruptTable)
}

func TestTablesWithAndWithoutFilters(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.BloomBitsPerKey = 0
	opts.DisableAutoCompaction = true
	db := openTestDB(t, dir, opts)
	mustPut(t, db, "plain", "1")
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	opts.BloomBitsPerKey = 10
	db = openTestDB(t, dir, opts)
	defer db.Close()
	mustPut(t, db, "filtered", "2")
	require.NoError(t, db.Flush())
	require.Equal(t, 2, filesAtLevel(t, db, 0))

	requireValue(t, db, "plain", "1")
	requireValue(t, db, "filtered", "2")
	for i := range 100 {
		requireNotFound(t, db, fmt.Sprintf("absent%d", i))
	}

	require.NoError(t, db.CompactRange(nil, nil))
	requireValue(t, db, "plain", "1")
	requireValue(t, db, "filtered", "2")
}

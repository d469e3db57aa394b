package rocklet

import (
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/rocklet/internal/filename"
	"github.com/aalhour/rocklet/internal/version"
	"github.com/aalhour/rocklet/internal/vfs"
)

func filesAtLevel(t *testing.T, db *DB, level int) int {
	t.Helper()
	v, ok := db.GetProperty(PropertyNumFilesAtLevelPrefix + strconv.Itoa(level))
	require.True(t, ok)
	n, err := strconv.Atoi(v)
	require.NoError(t, err)
	return n
}

func tableNumbers(t *testing.T, dir string) map[uint64]bool {
	t.Helper()
	names, err := vfs.Default().ListDir(dir)
	require.NoError(t, err)
	nums := make(map[uint64]bool)
	for _, name := range names {
		if kind, num, ok := filename.Parse(name); ok && kind == filename.KindTable {
			nums[num] = true
		}
	}
	return nums
}

func TestCompactRangeIdempotent(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.DisableAutoCompaction = true
	db := openTestDB(t, dir, opts)
	defer db.Close()

	for round := range 3 {
		for i := range 50 {
			mustPut(t, db, fmt.Sprintf("key%03d", i), fmt.Sprintf("v%d", round))
		}
		mustDelete(t, db, fmt.Sprintf("key%03d", round))
		require.NoError(t, db.Flush())
	}
	assert.Equal(t, 3, filesAtLevel(t, db, 0))

	require.NoError(t, db.CompactRange(nil, nil))
	assert.Equal(t, 0, filesAtLevel(t, db, 0))
	assert.Equal(t, 1, filesAtLevel(t, db, 1))
	want := scan(t, db, nil, nil, nil)
	assert.Len(t, want, 49, "only the last round's delete is still live")
	tables := tableNumbers(t, dir)

	// A second pass over a fully compacted tree writes nothing.
	require.NoError(t, db.CompactRange(nil, nil))
	assert.Equal(t, tables, tableNumbers(t, dir))
	assert.Equal(t, want, scan(t, db, nil, nil, nil))
}

func TestCompactRangePushesToDeepestLevel(t *testing.T) {
	opts := testOptions()
	opts.DisableAutoCompaction = true
	db := openTestDB(t, t.TempDir(), opts)
	defer db.Close()

	mustPut(t, db, "a", "1")
	mustPut(t, db, "m", "1")
	require.NoError(t, db.CompactRange(nil, nil))
	require.Equal(t, 1, filesAtLevel(t, db, 1))

	mustPut(t, db, "m", "2")
	mustDelete(t, db, "a")
	require.NoError(t, db.CompactRange(nil, nil))

	for level := range version.NumLevels {
		if level != 1 {
			assert.Zero(t, filesAtLevel(t, db, level), "L%d", level)
		}
	}
	assert.Equal(t, []string{"m=2"}, scan(t, db, nil, nil, nil))
}

func TestCompactRangeSubset(t *testing.T) {
	opts := testOptions()
	opts.DisableAutoCompaction = true
	db := openTestDB(t, t.TempDir(), opts)
	defer db.Close()

	mustPut(t, db, "a", "1")
	require.NoError(t, db.Flush())
	mustPut(t, db, "z", "1")
	require.NoError(t, db.Flush())

	require.NoError(t, db.CompactRange([]byte("x"), nil))
	assert.Equal(t, 1, filesAtLevel(t, db, 0), "the table holding a is outside the range")
	assert.Equal(t, 1, filesAtLevel(t, db, 1))
	assert.Equal(t, []string{"a=1", "z=1"}, scan(t, db, nil, nil, nil))
}

func TestAutoCompactionReducesL0(t *testing.T) {
	opts := testOptions()
	opts.L0CompactionTrigger = 2
	db := openTestDB(t, t.TempDir(), opts)
	defer db.Close()

	for round := range 6 {
		for i := range 20 {
			mustPut(t, db, fmt.Sprintf("key%03d", i), fmt.Sprintf("v%d", round))
		}
		require.NoError(t, db.Flush())
	}

	assert.Eventually(t, func() bool {
		v, _ := db.GetProperty(PropertyNumFilesAtLevelPrefix + "0")
		n, err := strconv.Atoi(v)
		return err == nil && n < opts.L0CompactionTrigger
	}, 10*time.Second, 10*time.Millisecond)

	for i := range 20 {
		requireValue(t, db, fmt.Sprintf("key%03d", i), "v5")
	}
}

func TestCompactionWithCompression(t *testing.T) {
	for _, ct := range []CompressionType{CompressionNone, CompressionSnappy, CompressionLZ4, CompressionZstd} {
		t.Run(ct.String(), func(t *testing.T) {
			dir := t.TempDir()
			opts := testOptions()
			opts.Compression = ct
			opts.BlockSize = 512
			db := openTestDB(t, dir, opts)

			for i := range 500 {
				mustPut(t, db, fmt.Sprintf("key%05d", i), fmt.Sprintf("value-%05d-%s", i, "abcabcabcabcabcabc"))
			}
			require.NoError(t, db.CompactRange(nil, nil))
			require.NoError(t, db.Close())

			db = openTestDB(t, dir, opts)
			defer db.Close()
			for i := range 500 {
				requireValue(t, db, fmt.Sprintf("key%05d", i), fmt.Sprintf("value-%05d-%s", i, "abcabcabcabcabcabc"))
			}
		})
	}
}

// slowListFS delays directory listings, widening the window between the
// moment obsolete file removal takes the live set and the moment it lists
// the directory.
type slowListFS struct {
	vfs.FS
	delay time.Duration
}

func (fs slowListFS) ListDir(path string) ([]string, error) {
	time.Sleep(fs.delay)
	return fs.FS.ListDir(path)
}

func requireLiveTablesOnDisk(t *testing.T, db *DB, dir string) {
	t.Helper()
	v := db.vs.Current()
	defer v.Unref()
	for level := range version.NumLevels {
		for _, f := range v.Files(level) {
			require.FileExists(t, filename.Table(dir, f.Number), "L%d table #%d", level, f.Number)
		}
	}
}

func TestCompactRangeConcurrentWithFlushes(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.FS = slowListFS{FS: vfs.Default(), delay: 5 * time.Millisecond}
	opts.DisableAutoCompaction = true
	opts.MemtableByteLimit = 4 << 10
	opts.TargetFileSize = 4 << 10
	db := openTestDB(t, dir, opts)

	for i := range 1000 {
		mustPut(t, db, fmt.Sprintf("old%05d", i), fmt.Sprintf("value%05d", i))
	}
	require.NoError(t, db.Flush())

	// The writer fills memtables while the compaction runs, so flushes
	// and compaction outputs allocate table numbers concurrently.
	var wg sync.WaitGroup
	wg.Go(func() {
		for i := range 500 {
			if err := db.Put(nil, fmt.Appendf(nil, "new%05d", i), fmt.Appendf(nil, "value%05d", i)); err != nil {
				t.Errorf("put new%05d: %v", i, err)
				return
			}
		}
	})
	require.NoError(t, db.CompactRange(nil, nil))
	wg.Wait()
	require.NoError(t, db.Flush())

	requireLiveTablesOnDisk(t, db, dir)
	check := func(db *DB) {
		for i := range 1000 {
			requireValue(t, db, fmt.Sprintf("old%05d", i), fmt.Sprintf("value%05d", i))
		}
		for i := range 500 {
			requireValue(t, db, fmt.Sprintf("new%05d", i), fmt.Sprintf("value%05d", i))
		}
	}
	check(db)
	require.NoError(t, db.Close())

	db = openTestDB(t, dir, opts)
	defer db.Close()
	check(db)
}

func TestCloseLeavesOnlyLiveFiles(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.DisableAutoCompaction = true
	db := openTestDB(t, dir, opts)

	for round := range 3 {
		mustPut(t, db, fmt.Sprintf("k%d", round), "v")
		require.NoError(t, db.Flush())
	}
	require.NoError(t, db.CompactRange(nil, nil))
	mustPut(t, db, "tail", "v")
	require.NoError(t, db.Close())

	// One compacted table in L1 and the memtable flushed at close.
	assert.Len(t, tableNumbers(t, dir), 2)
	names, err := vfs.Default().ListDir(dir)
	require.NoError(t, err)
	for _, name := range names {
		kind, _, ok := filename.Parse(name)
		assert.False(t, ok && kind == filename.KindLog, "log %s survived a clean close", name)
	}

	db = openTestDB(t, dir, opts)
	defer db.Close()
	for round := range 3 {
		requireValue(t, db, fmt.Sprintf("k%d", round), "v")
	}
	requireValue(t, db, "tail", "v")
	assert.Len(t, tableNumbers(t, dir), 2)
}

func TestStatsDuringCompaction(t *testing.T) {
	opts := testOptions()
	opts.DisableAutoCompaction = true
	db := openTestDB(t, t.TempDir(), opts)
	defer db.Close()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, ok := db.GetProperty(PropertyStats); !ok {
				t.Error("stats property missing")
				return
			}
		}
	})
	for round := range 5 {
		for i := range 50 {
			mustPut(t, db, fmt.Sprintf("key%03d", i), fmt.Sprintf("v%d", round))
		}
		require.NoError(t, db.Flush())
		require.NoError(t, db.CompactRange(nil, nil))
	}
	close(done)
	wg.Wait()

	stats, ok := db.GetProperty(PropertyStats)
	require.True(t, ok)
	assert.Contains(t, stats, "L1")
	assert.Equal(t, 1, filesAtLevel(t, db, 1))
}

func TestWritesDuringAutoCompactionChain(t *testing.T) {
	opts := testOptions()
	opts.L0CompactionTrigger = 2
	opts.MemtableByteLimit = 4 << 10
	opts.TargetFileSize = 8 << 10
	opts.MaxBytesForLevelBase = 16 << 10
	opts.LevelMultiplier = 2
	db := openTestDB(t, t.TempDir(), opts)
	defer db.Close()

	// Small memtables and level targets keep a compaction chain running
	// while every put may need room in a fresh memtable.
	for i := range 3000 {
		mustPut(t, db, fmt.Sprintf("key%05d", i%1000), fmt.Sprintf("value%05d", i))
	}
	require.NoError(t, db.Flush())
	for i := range 1000 {
		requireValue(t, db, fmt.Sprintf("key%05d", i), fmt.Sprintf("value%05d", 2000+i))
	}
	assert.Eventually(t, func() bool {
		v, _ := db.GetProperty(PropertyNumFilesAtLevelPrefix + "0")
		n, err := strconv.Atoi(v)
		return err == nil && n < opts.L0CompactionTrigger
	}, 10*time.Second, 10*time.Millisecond)
}

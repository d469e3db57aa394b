package rocklet

// recovery_test.go implements tests for recovery.

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/rocklet/internal/batch"
	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/filename"
	"github.com/aalhour/rocklet/internal/vfs"
	"github.com/aalhour/rocklet/internal/wal"
)

// crash simulates a process kill: nothing written after this point
// reaches the disk, unsynced data is lost and the handle's resources are
// released.
func crash(t *testing.T, db *DB, fs *vfs.FaultInjectionFS) {
	t.Helper()
	fs.SetFilesystemActive(false)
	_ = db.Close()
	fs.SetFilesystemActive(true)
	require.NoError(t, fs.DropUnsyncedData())
	require.NoError(t, fs.DeleteUnsyncedFiles())
}

func crashOptions(fs *vfs.FaultInjectionFS) *Options {
	opts := testOptions()
	opts.FS = fs
	return opts
}

func TestReopenScenario(t *testing.T) {
	dir := t.TempDir()

	db := openTestDB(t, dir, nil)
	mustPut(t, db, "a", "1")
	mustPut(t, db, "b", "2")
	mustDelete(t, db, "a")
	require.NoError(t, db.Close())

	db = openTestDB(t, dir, nil)
	defer db.Close()
	requireNotFound(t, db, "a")
	requireValue(t, db, "b", "2")
}

func TestRecoverUnflushedWrites(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	dir := t.TempDir()

	db := openTestDB(t, dir, crashOptions(fs))
	for i := range 10 {
		mustPut(t, db, fmt.Sprintf("key%04d", i), fmt.Sprintf("value%04d", i))
	}
	mustPut(t, db, "key0003", "overwritten")
	mustDelete(t, db, "key0007")
	require.NoError(t, db.SyncWAL())
	crash(t, db, fs)

	db = openTestDB(t, dir, crashOptions(fs))
	defer db.Close()
	for i := range 10 {
		key := fmt.Sprintf("key%04d", i)
		switch i {
		case 3:
			requireValue(t, db, key, "overwritten")
		case 7:
			requireNotFound(t, db, key)
		default:
			requireValue(t, db, key, fmt.Sprintf("value%04d", i))
		}
	}

	// Writes continue with fresh sequence numbers.
	mustPut(t, db, "key0007", "back")
	requireValue(t, db, "key0007", "back")
}

func TestRecoverFlushedAndUnflushed(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	dir := t.TempDir()

	db := openTestDB(t, dir, crashOptions(fs))
	for i := range 10 {
		mustPut(t, db, fmt.Sprintf("key%04d", i), "flushed")
	}
	require.NoError(t, db.Flush())
	for i := 5; i < 15; i++ {
		mustPut(t, db, fmt.Sprintf("key%04d", i), "logged")
	}
	require.NoError(t, db.SyncWAL())
	crash(t, db, fs)

	db = openTestDB(t, dir, crashOptions(fs))
	defer db.Close()
	for i := range 15 {
		want := "logged"
		if i < 5 {
			want = "flushed"
		}
		requireValue(t, db, fmt.Sprintf("key%04d", i), want)
	}
}

func crashRecordCount(t *testing.T) int {
	if testing.Short() {
		return 1000
	}
	return 10000
}

func recordKey(i int) []byte   { return fmt.Appendf(nil, "record%08d", i) }
func recordValue(i int) []byte { return fmt.Appendf(nil, "value-%d-%0100d", i, i) }

func TestCrashRecoverySyncWrites(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	dir := t.TempDir()
	opts := crashOptions(fs)
	opts.SyncWrites = true
	opts.MemtableByteLimit = 64 << 10

	n := crashRecordCount(t)
	db := openTestDB(t, dir, opts)
	for i := range n {
		require.NoError(t, db.Put(nil, recordKey(i), recordValue(i)))
	}
	crash(t, db, fs)

	db = openTestDB(t, dir, opts)
	defer db.Close()
	for i := range n {
		v, err := db.Get(nil, recordKey(i))
		require.NoError(t, err, "record %d", i)
		require.Equal(t, recordValue(i), v, "record %d", i)
	}
}

func TestCrashRecoveryNoSync(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	dir := t.TempDir()
	opts := crashOptions(fs)
	opts.MemtableByteLimit = 64 << 10

	n := crashRecordCount(t)
	db := openTestDB(t, dir, opts)
	for i := range n {
		require.NoError(t, db.Put(nil, recordKey(i), recordValue(i)))
	}
	crash(t, db, fs)

	db = openTestDB(t, dir, opts)
	defer db.Close()

	// Recovered records form a prefix of the acknowledged writes.
	prefix := 0
	for prefix < n {
		v, err := db.Get(nil, recordKey(prefix))
		if err != nil {
			require.ErrorIs(t, err, ErrNotFound)
			break
		}
		require.Equal(t, recordValue(prefix), v)
		prefix++
	}
	for i := prefix; i < n; i++ {
		requireNotFound(t, db, string(recordKey(i)))
	}
	t.Logf("recovered %d of %d unsynced records", prefix, n)

	// Memtable switches sync the log they retire, so most of the data
	// survives.
	assert.Positive(t, prefix)
}

func TestRecoveryAfterRepeatedCrashes(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	dir := t.TempDir()
	opts := crashOptions(fs)
	opts.SyncWrites = true

	for round := range 5 {
		db := openTestDB(t, dir, opts)
		for r := range round {
			requireValue(t, db, fmt.Sprintf("round%d", r), fmt.Sprintf("v%d", r))
		}
		mustPut(t, db, fmt.Sprintf("round%d", round), fmt.Sprintf("v%d", round))
		crash(t, db, fs)
	}
}

func latestLog(t *testing.T, dir string) string {
	t.Helper()
	names, err := vfs.Default().ListDir(dir)
	require.NoError(t, err)
	var latest uint64
	for _, name := range names {
		if kind, num, ok := filename.Parse(name); ok && kind == filename.KindLog && num > latest {
			latest = num
		}
	}
	require.NotZero(t, latest, "no log in %s", dir)
	return filename.Log(dir, latest)
}

func TestMidLogCorruptionFailsOpen(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	dir := t.TempDir()

	// Enough data for several log blocks: damage drops the rest of its
	// block, and intact records must follow it.
	value := make([]byte, 1000)
	db := openTestDB(t, dir, crashOptions(fs))
	for i := range 100 {
		require.NoError(t, db.Put(nil, fmt.Appendf(nil, "key%04d", i), value))
	}
	require.NoError(t, db.SyncWAL())
	crash(t, db, fs)

	path := latestLog(t, dir)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 64<<10)
	data[12] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(dir, crashOptions(fs))
	require.ErrorIs(t, err, ErrOpen)
	require.ErrorIs(t, err, ErrLogCorruption)
}

func TestTornLogTailIsDropped(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	dir := t.TempDir()

	db := openTestDB(t, dir, crashOptions(fs))
	for i := range 100 {
		mustPut(t, db, fmt.Sprintf("key%04d", i), fmt.Sprintf("value%04d", i))
	}
	require.NoError(t, db.SyncWAL())
	crash(t, db, fs)

	// Cut the last record in half.
	path := latestLog(t, dir)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	db = openTestDB(t, dir, crashOptions(fs))
	defer db.Close()
	for i := range 99 {
		requireValue(t, db, fmt.Sprintf("key%04d", i), fmt.Sprintf("value%04d", i))
	}
	requireNotFound(t, db, "key0099")
}

// writeNewerLog adds a log numbered above every file in dir. It holds one
// batch putting key at seq, or nothing when key is empty.
func writeNewerLog(t *testing.T, dir string, seq uint64, key, value string) {
	t.Helper()
	names, err := vfs.Default().ListDir(dir)
	require.NoError(t, err)
	var num uint64
	for _, name := range names {
		if _, n, ok := filename.Parse(name); ok {
			num = max(num, n)
		}
	}
	num++

	f, err := os.Create(filename.Log(dir, num))
	require.NoError(t, err)
	w := wal.NewWriter(f, num)
	if key != "" {
		b := batch.New()
		b.Put([]byte(key), []byte(value))
		b.SetSequence(dbformat.SequenceNumber(seq))
		_, err = w.AddRecord(b.Data())
		require.NoError(t, err)
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
}

// crashWithLog leaves a database whose only log holds key0000..key0099,
// and returns that log's path.
func crashWithLog(t *testing.T, dir string) string {
	t.Helper()
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	db := openTestDB(t, dir, crashOptions(fs))
	for i := range 100 {
		mustPut(t, db, fmt.Sprintf("key%04d", i), fmt.Sprintf("value%04d", i))
	}
	require.NoError(t, db.SyncWAL())
	crash(t, db, fs)
	return latestLog(t, dir)
}

func cutTail(t *testing.T, path string, n int64) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-n))
}

func TestReplaySeveralLogs(t *testing.T) {
	dir := t.TempDir()
	crashWithLog(t, dir)
	writeNewerLog(t, dir, 1000, "later", "v")

	db := openTestDB(t, dir, nil)
	defer db.Close()
	requireValue(t, db, "key0099", "value0099")
	requireValue(t, db, "later", "v")
}

func TestTornTailOfRetiredLogFailsOpen(t *testing.T) {
	dir := t.TempDir()
	older := crashWithLog(t, dir)
	cutTail(t, older, 5)
	writeNewerLog(t, dir, 1000, "later", "v")

	_, err := Open(dir, testOptions())
	require.ErrorIs(t, err, ErrOpen)
	require.ErrorIs(t, err, ErrLogCorruption)
}

func TestTornTailBeforeEmptyLogIsDropped(t *testing.T) {
	dir := t.TempDir()
	older := crashWithLog(t, dir)
	cutTail(t, older, 5)
	// A log created by an open that crashed before recording it.
	writeNewerLog(t, dir, 0, "", "")

	db := openTestDB(t, dir, nil)
	defer db.Close()
	requireValue(t, db, "key0098", "value0098")
	requireNotFound(t, db, "key0099")
}

func TestOrphanTablesRemovedAtOpen(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, nil)
	mustPut(t, db, "k", "v")
	require.NoError(t, db.Close())

	orphan := filename.Table(dir, 999999)
	require.NoError(t, os.WriteFile(orphan, []byte("half-written"), 0o644))
	tmp := filepath.Join(dir, filename.Temp(filename.Current))
	require.NoError(t, os.WriteFile(tmp, []byte("junk"), 0o644))

	db = openTestDB(t, dir, nil)
	defer db.Close()
	requireValue(t, db, "k", "v")
	assert.NoFileExists(t, orphan)
	assert.NoFileExists(t, tmp)
}

func TestObsoleteFilesRemovedAfterFlush(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, nil)
	defer db.Close()

	for round := range 3 {
		mustPut(t, db, fmt.Sprintf("k%d", round), "v")
		require.NoError(t, db.Flush())
	}
	require.NoError(t, db.CompactRange(nil, nil))

	names, err := vfs.Default().ListDir(dir)
	require.NoError(t, err)
	counts := make(map[filename.Kind]int)
	for _, name := range names {
		if kind, _, ok := filename.Parse(name); ok {
			counts[kind]++
		}
	}
	assert.Equal(t, 1, counts[filename.KindLog], "only the active log remains")
	assert.Equal(t, 1, counts[filename.KindTable], "compaction inputs are removed")
	assert.Equal(t, 1, counts[filename.KindManifest])
	assert.Equal(t, 1, counts[filename.KindOptions])
}

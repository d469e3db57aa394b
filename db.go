package rocklet

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aalhour/rocklet/internal/batch"
	"github.com/aalhour/rocklet/internal/compaction"
	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/filename"
	"github.com/aalhour/rocklet/internal/logging"
	"github.com/aalhour/rocklet/internal/memtable"
	"github.com/aalhour/rocklet/internal/table"
	"github.com/aalhour/rocklet/internal/version"
	"github.com/aalhour/rocklet/internal/vfs"
	"github.com/aalhour/rocklet/internal/wal"
)

// State is the lifecycle state of a DB handle.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// DB is a handle to an open database. It is safe for concurrent use.
type DB struct {
	dir    string
	opts   *Options
	fs     vfs.FS
	logger logging.Logger

	state atomic.Int32
	lock  io.Closer

	vs     *version.VersionSet
	tables *table.Cache
	picker *compaction.LeveledPicker

	// writeMu serializes writers. It is held across the WAL append and the
	// memtable insert, and by Close for its whole duration.
	writeMu sync.Mutex
	// lastSeq is the newest sequence visible to readers.
	lastSeq atomic.Uint64

	// mu guards the fields below. Super versions are published under it.
	mu      sync.Mutex
	immCond *sync.Cond
	mem     *memtable.MemTable
	imm     *memtable.MemTable
	// immLogNum is the first log not needed once imm is flushed.
	immLogNum      uint64
	log            *wal.Writer
	bgErr          error
	pendingOutputs map[uint64]struct{}
	optionsNum     uint64

	sv        atomic.Pointer[superVersion]
	snapshots *snapshotList

	// compactMu serializes compactions, manual or automatic.
	compactMu sync.Mutex

	flushCh    chan struct{}
	compactCh  chan struct{}
	shutdownCh chan struct{}
	bgDone     chan struct{}
}

// Open opens the database in path, creating it when it does not exist and
// opts.CreateIfMissing is set. A nil opts uses DefaultOptions.
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	if o.FS == nil {
		o.FS = vfs.Default()
	}
	o.Logger = logging.OrDefault(o.Logger)

	db := &DB{
		dir:            filepath.Clean(path),
		opts:           &o,
		fs:             o.FS,
		logger:         o.Logger,
		pendingOutputs: make(map[uint64]struct{}),
		snapshots:      newSnapshotList(),
		picker: &compaction.LeveledPicker{
			L0Trigger:            o.L0CompactionTrigger,
			MaxBytesForLevelBase: o.MaxBytesForLevelBase,
			LevelMultiplier:      o.LevelMultiplier,
			TargetFileSize:       o.TargetFileSize,
		},
		flushCh:    make(chan struct{}, 1),
		compactCh:  make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
		bgDone:     make(chan struct{}),
	}
	db.immCond = sync.NewCond(&db.mu)
	db.state.Store(int32(StateOpening))
	// Fatalf on the DB's own logger stops writes.
	if dl, ok := db.logger.(*logging.DefaultLogger); ok && opts.Logger == nil {
		dl.SetFatalHandler(func(msg string) {
			db.setBackgroundError(fmt.Errorf("%w: %s", logging.ErrFatal, msg))
		})
	}

	if err := db.open(); err != nil {
		db.abortOpen()
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	go db.backgroundLoop()
	db.state.Store(int32(StateOpen))
	db.logger.Infof(logging.NSDB+"opened %s: last sequence %d, %s", db.dir, db.lastSeq.Load(), db.currentVersionSummary())
	db.maybeScheduleCompaction()
	return db, nil
}

func (db *DB) open() error {
	currentPath := filepath.Join(db.dir, filename.Current)
	exists := db.fs.Exists(currentPath)
	if !exists && !db.opts.CreateIfMissing {
		return fmt.Errorf("%w: %s", ErrDBNotFound, db.dir)
	}
	if err := db.fs.MkdirAll(db.dir, 0o755); err != nil {
		return err
	}
	lock, err := db.fs.Lock(filepath.Join(db.dir, filename.Lock))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLocked, err)
	}
	db.lock = lock

	exists = db.fs.Exists(currentPath)
	if exists && db.opts.ErrorIfExists {
		return fmt.Errorf("%w: %s", ErrDBExists, db.dir)
	}

	db.vs = version.New(version.Options{
		Dir:                 db.dir,
		FS:                  db.fs,
		MaxManifestFileSize: db.opts.MaxManifestFileSize,
		Logger:              db.logger,
	})
	db.tables = table.NewCache(db.fs, db.tablePath, db.opts.MaxOpenFiles,
		table.ReaderOptions{VerifyFileChecksum: db.opts.VerifyFileChecksum})

	if exists {
		err = db.recover()
	} else {
		err = db.create()
	}
	if err != nil {
		return err
	}

	db.optionsNum = db.vs.NewFileNumber()
	if err := WriteOptionsFile(db.fs, db.dir, db.optionsNum, db.opts); err != nil {
		return fmt.Errorf("write options file: %w", err)
	}
	if err := db.fs.SyncDir(db.dir); err != nil {
		return err
	}

	db.mu.Lock()
	db.installSuperVersionLocked()
	db.mu.Unlock()
	db.deleteObsoleteFiles(true)
	return nil
}

// abortOpen releases whatever a failed open acquired.
func (db *DB) abortOpen() {
	if db.log != nil {
		_ = db.log.Close()
	}
	if db.vs != nil {
		_ = db.vs.Close()
	}
	if db.tables != nil {
		db.tables.Close()
	}
	if db.lock != nil {
		_ = db.lock.Close()
	}
	db.state.Store(int32(StateClosed))
}

func (db *DB) tablePath(num uint64) string {
	return filename.Table(db.dir, num)
}

// State returns the lifecycle state of the handle.
func (db *DB) State() State {
	return State(db.state.Load())
}

func (db *DB) checkOpen() error {
	if s := db.State(); s != StateOpen {
		return fmt.Errorf("%w (state %s)", ErrInvalidState, s)
	}
	return nil
}

// Identity returns the unique ID assigned when the database was created.
func (db *DB) Identity() string {
	return db.vs.DBID()
}

// Put sets key to value.
func (db *DB) Put(wo *WriteOptions, key, value []byte) error {
	rep := batch.Get()
	defer batch.Put(rep)
	rep.Put(key, value)
	return db.write(wo, rep)
}

// Delete removes key. Deleting an absent key is not an error.
func (db *DB) Delete(wo *WriteOptions, key []byte) error {
	rep := batch.Get()
	defer batch.Put(rep)
	rep.Delete(key)
	return db.write(wo, rep)
}

// Write applies every operation of b atomically.
func (db *DB) Write(wo *WriteOptions, b *WriteBatch) error {
	if b == nil {
		return db.checkOpen()
	}
	return db.write(wo, b.rep)
}

func (db *DB) write(wo *WriteOptions, rep *batch.WriteBatch) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if rep.Empty() {
		return nil
	}
	if wo == nil {
		wo = DefaultWriteOptions()
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	// Close may have run while this writer waited.
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.makeRoomForWrite(false); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	last := db.lastSeq.Load()
	if last+uint64(rep.Count()) > uint64(dbformat.MaxSequenceNumber) {
		return fmt.Errorf("%w: sequence numbers exhausted", ErrWrite)
	}
	rep.SetSequence(dbformat.SequenceNumber(last + 1))

	_, err := db.log.AddRecord(rep.Data())
	if err == nil && (wo.Sync || db.opts.SyncWrites) {
		err = db.log.Sync()
	}
	if err != nil {
		// The log may hold a partial record now; no later write may follow it.
		db.setBackgroundError(fmt.Errorf("wal %d: %w", db.log.LogNumber(), err))
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := rep.Iterate(memtableInserter{mem: db.mem}); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	db.lastSeq.Store(uint64(rep.LastSequence()))
	return nil
}

func (db *DB) readSequence(ro *ReadOptions) dbformat.SequenceNumber {
	if ro != nil && ro.Snapshot != nil {
		return ro.Snapshot.key.seq
	}
	return dbformat.SequenceNumber(db.lastSeq.Load())
}

// Get returns the value of key, or ErrNotFound. The returned slice is
// owned by the caller.
func (db *DB) Get(ro *ReadOptions, key []byte) ([]byte, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	sv := db.acquireSuperVersion()
	if sv == nil {
		return nil, ErrInvalidState
	}
	defer sv.unref()
	// Read the sequence after pinning sv: any compaction installed before
	// the pin used a watermark at or below it.
	seq := db.readSequence(ro)

	for _, mem := range []*memtable.MemTable{sv.mem, sv.imm} {
		if mem == nil {
			continue
		}
		if value, found, deleted := mem.Get(key, seq); found {
			if deleted {
				return nil, ErrNotFound
			}
			return append([]byte(nil), value...), nil
		}
	}

	value, found, deleted, err := sv.current.Get(db.tables, key, seq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	if !found || deleted {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// GetSnapshot returns a snapshot of the current state. Release it with
// ReleaseSnapshot. It returns nil when the database is not open.
func (db *DB) GetSnapshot() *Snapshot {
	if db.checkOpen() != nil {
		return nil
	}
	return db.acquireSnapshot()
}

// acquireSnapshot registers the latest sequence. Registration happens
// under mu so that a compaction computing its watermark either sees the
// snapshot or ran before its sequence was visible.
func (db *DB) acquireSnapshot() *Snapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.snapshots.acquire(dbformat.SequenceNumber(db.lastSeq.Load()))
}

// ReleaseSnapshot releases s. Releasing twice is a no-op.
func (db *DB) ReleaseSnapshot(s *Snapshot) {
	db.snapshots.release(s)
}

// smallestSnapshot is the compaction watermark.
func (db *DB) smallestSnapshot() dbformat.SequenceNumber {
	db.mu.Lock()
	defer db.mu.Unlock()
	if seq, ok := db.snapshots.oldest(); ok {
		return seq
	}
	return dbformat.SequenceNumber(db.lastSeq.Load())
}

// SyncWAL makes every acknowledged write durable.
func (db *DB) SyncWAL() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.log.Sync(); err != nil {
		db.setBackgroundError(fmt.Errorf("sync wal %d: %w", db.log.LogNumber(), err))
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// VerifyChecksums reads every live table in full and checks its file
// checksum. It reports the first table that fails as ErrCorruptTable.
func (db *DB) VerifyChecksums() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	sv := db.acquireSuperVersion()
	if sv == nil {
		return ErrInvalidState
	}
	defer sv.unref()

	for level := range version.NumLevels {
		for _, f := range sv.current.Files(level) {
			props, err := db.tables.Verify(f.Number)
			if err != nil {
				return fmt.Errorf("%w: L%d: %w", ErrRead, level, err)
			}
			db.logger.Debugf(logging.NSDB+"verified table %d: %d entries", f.Number, props.NumEntries)
		}
	}
	return nil
}

// Close flushes the memtable, waits for background work and releases the
// database. Data that could not be flushed stays in the WAL and is
// recovered by the next Open; the failure is reported as ErrClose.
func (db *DB) Close() error {
	if !db.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return fmt.Errorf("%w (state %s)", ErrInvalidState, db.State())
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	close(db.shutdownCh)
	<-db.bgDone
	// A manual compaction may still be running.
	db.compactMu.Lock()
	defer db.compactMu.Unlock()

	var errs []error
	if err := db.flushForClose(); err != nil {
		errs = append(errs, err)
	}
	if err := db.log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wal: %w", err))
	}
	if sv := db.sv.Swap(nil); sv != nil {
		sv.unref()
	}
	if len(errs) == 0 {
		// Superseded logs and compaction inputs no reader pins.
		db.deleteObsoleteFiles(false)
	}
	if err := db.vs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close manifest: %w", err))
	}
	db.tables.Close()
	if err := db.lock.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	db.state.Store(int32(StateClosed))

	if len(errs) > 0 {
		err := fmt.Errorf("%w: %w", ErrClose, errors.Join(errs...))
		db.logger.Errorf(logging.NSDB+"%v", err)
		return err
	}
	db.logger.Infof(logging.NSDB+"closed %s", db.dir)
	return nil
}

// Property names understood by GetProperty.
const (
	PropertyNumFilesAtLevelPrefix = "rocklet.num-files-at-level"
	PropertyStats                 = "rocklet.stats"
	PropertyLastSequence          = "rocklet.last-sequence"
	PropertyNumSnapshots          = "rocklet.num-snapshots"
	PropertyCurSizeActiveMemTable = "rocklet.cur-size-active-mem-table"
	PropertyTotalTableSize        = "rocklet.total-sst-files-size"
)

// GetProperty returns the value of a database property.
func (db *DB) GetProperty(name string) (string, bool) {
	if db.checkOpen() != nil {
		return "", false
	}
	sv := db.acquireSuperVersion()
	if sv == nil {
		return "", false
	}
	defer sv.unref()
	v := sv.current

	switch {
	case strings.HasPrefix(name, PropertyNumFilesAtLevelPrefix):
		level, err := strconv.Atoi(strings.TrimPrefix(name, PropertyNumFilesAtLevelPrefix))
		if err != nil || level < 0 || level >= version.NumLevels {
			return "", false
		}
		return strconv.Itoa(v.NumFiles(level)), true
	case name == PropertyStats:
		return db.levelStats(sv), true
	case name == PropertyLastSequence:
		return strconv.FormatUint(db.lastSeq.Load(), 10), true
	case name == PropertyNumSnapshots:
		return strconv.Itoa(db.snapshots.len()), true
	case name == PropertyCurSizeActiveMemTable:
		return strconv.FormatInt(sv.mem.ApproximateMemoryUsage(), 10), true
	case name == PropertyTotalTableSize:
		var total uint64
		for level := range version.NumLevels {
			total += v.NumLevelBytes(level)
		}
		return strconv.FormatUint(total, 10), true
	}
	return "", false
}

func (db *DB) levelStats(sv *superVersion) string {
	v := sv.current
	var sb strings.Builder
	sb.WriteString("Level  Files  Size(B)  Score\n")
	sb.WriteString("---------------------------\n")
	for level := range version.NumLevels {
		n := v.NumFiles(level)
		if n == 0 {
			continue
		}
		score := 0.0
		if level < version.NumLevels-1 {
			score = db.picker.Score(v, level)
		}
		fmt.Fprintf(&sb, "L%-5d %-6d %-8d %.2f\n", level, n, v.NumLevelBytes(level), score)
	}
	fmt.Fprintf(&sb, "memtable entries: %d, sequence: %d, snapshots: %d\n",
		memCount(sv), db.lastSeq.Load(), db.snapshots.len())
	return sb.String()
}

func memCount(sv *superVersion) int64 {
	n := sv.mem.Count()
	if sv.imm != nil {
		n += sv.imm.Count()
	}
	return n
}

func (db *DB) currentVersionSummary() string {
	v := db.vs.Current()
	defer v.Unref()
	var parts []string
	for level := range version.NumLevels {
		if n := v.NumFiles(level); n > 0 {
			parts = append(parts, fmt.Sprintf("L%d:%d", level, n))
		}
	}
	if len(parts) == 0 {
		return "no tables"
	}
	return "tables " + strings.Join(parts, " ")
}

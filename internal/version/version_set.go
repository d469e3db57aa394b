package version

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/filename"
	"github.com/aalhour/rocklet/internal/logging"
	"github.com/aalhour/rocklet/internal/manifest"
	"github.com/aalhour/rocklet/internal/vfs"
	"github.com/aalhour/rocklet/internal/wal"
)

// ComparatorName is recorded in every new MANIFEST and checked on recovery.
const ComparatorName = "rocklet.BytewiseComparator"

var (
	ErrCorruption        = errors.New("version: corruption")
	ErrNoCurrentManifest = errors.New("version: no current manifest")
)

type Options struct {
	Dir string
	FS  vfs.FS
	// MaxManifestFileSize triggers a roll-over to a new MANIFEST holding a
	// single snapshot edit.
	MaxManifestFileSize int64
	Logger              logging.Logger
}

// VersionSet owns the current Version and the MANIFEST. LogAndApply calls
// are serialized internally; Current and the counters are safe to call
// from any goroutine.
type VersionSet struct {
	opts   Options
	logger logging.Logger

	// mu serializes manifest writes and guards current.
	mu      sync.Mutex
	current *Version

	liveMu sync.Mutex
	live   map[*Version]struct{}

	nextFileNumber atomic.Uint64
	lastSequence   atomic.Uint64
	logNumber      atomic.Uint64
	manifestNumber atomic.Uint64
	dbID           string

	manifestFile   vfs.WritableFile
	manifestWriter *wal.Writer
}

func New(opts Options) *VersionSet {
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	vs := &VersionSet{
		opts:   opts,
		logger: logging.OrDefault(opts.Logger),
		live:   make(map[*Version]struct{}),
	}
	vs.nextFileNumber.Store(1)
	return vs
}

// Create initializes an empty database: MANIFEST-<n> holding one snapshot
// edit and CURRENT pointing at it.
func (vs *VersionSet) Create(dbID string) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.dbID = dbID
	v := newVersion(vs)
	vs.installLocked(v)
	return vs.logAndApplyLocked(manifest.NewVersionEdit())
}

// Recover rebuilds the current Version from the MANIFEST named by CURRENT.
// Any damage other than a torn final record fails with ErrCorruption.
func (vs *VersionSet) Recover() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	currentPath := filepath.Join(vs.opts.Dir, filename.Current)
	data, err := readFile(vs.opts.FS, currentPath)
	if err != nil {
		if !vs.opts.FS.Exists(currentPath) {
			return ErrNoCurrentManifest
		}
		return fmt.Errorf("read CURRENT: %w", err)
	}
	name := strings.TrimSpace(string(data))
	kind, manifestNum, ok := filename.Parse(name)
	if !ok || kind != filename.KindManifest || !strings.HasSuffix(string(data), "\n") {
		return fmt.Errorf("%w: CURRENT names %q", ErrCorruption, name)
	}

	f, err := vs.opts.FS.Open(filepath.Join(vs.opts.Dir, name))
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrCorruption, name, err)
	}
	defer f.Close()

	b := newBuilder(vs, nil)
	var (
		sawLogNumber, sawNextFile, sawLastSeq bool
		maxFileNum                            = manifestNum
	)
	stats, err := wal.Replay(f, manifestNum, func(rec []byte) error {
		var edit manifest.VersionEdit
		if err := edit.DecodeFrom(rec); err != nil {
			return err
		}
		if edit.HasComparator && edit.Comparator != ComparatorName {
			return fmt.Errorf("comparator %q, want %q", edit.Comparator, ComparatorName)
		}
		if err := b.apply(&edit); err != nil {
			return err
		}
		for _, nf := range edit.NewFiles {
			maxFileNum = max(maxFileNum, nf.Meta.Number)
		}
		if edit.HasDBID {
			vs.dbID = edit.DBID
		}
		if edit.HasLogNumber {
			sawLogNumber = true
			vs.logNumber.Store(edit.LogNumber)
			maxFileNum = max(maxFileNum, edit.LogNumber)
		}
		if edit.HasNextFileNumber {
			sawNextFile = true
			vs.nextFileNumber.Store(edit.NextFileNumber)
		}
		if edit.HasLastSequence {
			sawLastSeq = true
			vs.lastSequence.Store(uint64(edit.LastSequence))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruption, name, err)
	}
	if stats.TornTail {
		vs.logger.Warnf(logging.NSManifest+"%s: dropped %d bytes of torn tail", name, stats.DroppedBytes)
	}
	if !sawLogNumber || !sawNextFile || !sawLastSeq {
		return fmt.Errorf("%w: %s lacks log number, next file number or last sequence", ErrCorruption, name)
	}
	if vs.nextFileNumber.Load() <= maxFileNum {
		vs.nextFileNumber.Store(maxFileNum + 1)
	}

	v, err := b.saveTo()
	if err != nil {
		return err
	}
	vs.manifestNumber.Store(manifestNum)
	vs.installLocked(v)
	vs.logger.Infof(logging.NSManifest+"recovered %s: %d files, log %d, last sequence %d",
		name, v.TotalFiles(), vs.logNumber.Load(), vs.lastSequence.Load())
	return nil
}

// LogAndApply appends edit to the MANIFEST, syncs it and installs the
// resulting Version. On error the current Version is unchanged.
func (vs *VersionSet) LogAndApply(edit *manifest.VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logAndApplyLocked(edit)
}

// RecordFlush installs a flushed L0 table and advances the log number, so
// logs older than logNumber are no longer needed for recovery.
func (vs *VersionSet) RecordFlush(meta *manifest.FileMetaData, logNumber uint64, lastSeq dbformat.SequenceNumber) error {
	edit := manifest.NewVersionEdit()
	if meta != nil {
		edit.AddFile(0, meta)
	}
	edit.SetLogNumber(logNumber)
	edit.SetLastSequence(lastSeq)
	return vs.LogAndApply(edit)
}

// RecordCompaction atomically replaces inputs with outputs at outputLevel.
func (vs *VersionSet) RecordCompaction(inputs []manifest.DeletedFileEntry, outputLevel int, outputs []*manifest.FileMetaData) error {
	edit := manifest.NewVersionEdit()
	edit.DeletedFiles = append(edit.DeletedFiles, inputs...)
	for _, f := range outputs {
		edit.AddFile(outputLevel, f)
	}
	return vs.LogAndApply(edit)
}

func (vs *VersionSet) logAndApplyLocked(edit *manifest.VersionEdit) error {
	b := newBuilder(vs, vs.current)
	if err := b.apply(edit); err != nil {
		return err
	}
	v, err := b.saveTo()
	if err != nil {
		return err
	}

	roll := vs.manifestWriter == nil ||
		(vs.opts.MaxManifestFileSize > 0 && vs.manifestWriter.Size() >= vs.opts.MaxManifestFileSize)
	var newNum uint64
	if roll {
		newNum = vs.NewFileNumber()
	}
	edit.SetNextFileNumber(vs.nextFileNumber.Load())

	if roll {
		if err := vs.startManifestLocked(newNum, v, edit); err != nil {
			return err
		}
	} else {
		if _, err := vs.manifestWriter.AddRecord(edit.EncodeTo(nil)); err != nil {
			vs.abandonManifestLocked()
			return fmt.Errorf("append manifest: %w", err)
		}
		if err := vs.manifestWriter.Sync(); err != nil {
			vs.abandonManifestLocked()
			return fmt.Errorf("sync manifest: %w", err)
		}
	}

	if edit.HasLogNumber {
		vs.logNumber.Store(edit.LogNumber)
	}
	if edit.HasLastSequence && uint64(edit.LastSequence) > vs.lastSequence.Load() {
		vs.lastSequence.Store(uint64(edit.LastSequence))
	}
	vs.installLocked(v)
	return nil
}

// startManifestLocked writes a new MANIFEST holding the full state of v
// and swaps CURRENT to it.
func (vs *VersionSet) startManifestLocked(num uint64, v *Version, edit *manifest.VersionEdit) error {
	path := filename.Manifest(vs.opts.Dir, num)
	f, err := vs.opts.FS.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	w := wal.NewWriter(f, num)

	snap := vs.snapshotEdit(v)
	if edit.HasLogNumber {
		snap.SetLogNumber(edit.LogNumber)
	}
	if edit.HasLastSequence {
		snap.SetLastSequence(max(edit.LastSequence, snap.LastSequence))
	}
	snap.SetNextFileNumber(edit.NextFileNumber)

	fail := func(err error) error {
		_ = f.Close()
		_ = vs.opts.FS.Remove(path)
		return err
	}
	if _, err := w.AddRecord(snap.EncodeTo(nil)); err != nil {
		return fail(fmt.Errorf("write manifest snapshot: %w", err))
	}
	if err := w.Sync(); err != nil {
		return fail(fmt.Errorf("sync manifest: %w", err))
	}
	if err := setCurrentFile(vs.opts.FS, vs.opts.Dir, num); err != nil {
		return fail(err)
	}

	old := vs.manifestNumber.Load()
	vs.abandonManifestLocked()
	vs.manifestFile, vs.manifestWriter = f, w
	vs.manifestNumber.Store(num)
	if old != 0 && old != num {
		if err := vs.opts.FS.Remove(filename.Manifest(vs.opts.Dir, old)); err != nil {
			vs.logger.Warnf(logging.NSManifest+"remove MANIFEST-%06d: %v", old, err)
		}
	}
	vs.logger.Infof(logging.NSManifest+"started %s", filename.ManifestBase(num))
	return nil
}

// abandonManifestLocked closes the MANIFEST after a failed write. The
// next edit starts a fresh one.
func (vs *VersionSet) abandonManifestLocked() {
	if vs.manifestFile != nil {
		_ = vs.manifestFile.Close()
	}
	vs.manifestFile, vs.manifestWriter = nil, nil
}

func (vs *VersionSet) snapshotEdit(v *Version) *manifest.VersionEdit {
	edit := manifest.NewVersionEdit()
	edit.SetComparatorName(ComparatorName)
	if vs.dbID != "" {
		edit.SetDBID(vs.dbID)
	}
	edit.SetLogNumber(vs.logNumber.Load())
	edit.SetLastSequence(dbformat.SequenceNumber(vs.lastSequence.Load()))
	for level := range NumLevels {
		for _, f := range v.files[level] {
			edit.AddFile(level, f)
		}
	}
	return edit
}

func (vs *VersionSet) installLocked(v *Version) {
	v.Ref()
	vs.liveMu.Lock()
	vs.live[v] = struct{}{}
	vs.liveMu.Unlock()
	old := vs.current
	vs.current = v
	if old != nil {
		old.Unref()
	}
}

func (vs *VersionSet) removeLive(v *Version) {
	vs.liveMu.Lock()
	delete(vs.live, v)
	vs.liveMu.Unlock()
}

// Current returns the current Version with a reference the caller must
// release with Unref.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v := vs.current
	v.Ref()
	return v
}

// NewFileNumber allocates a file number.
func (vs *VersionSet) NewFileNumber() uint64 {
	return vs.nextFileNumber.Add(1) - 1
}

// MarkFileNumberUsed keeps future allocations above num.
func (vs *VersionSet) MarkFileNumberUsed(num uint64) {
	for {
		cur := vs.nextFileNumber.Load()
		if cur > num || vs.nextFileNumber.CompareAndSwap(cur, num+1) {
			return
		}
	}
}

// LastSequence is the last sequence number persisted in the MANIFEST.
func (vs *VersionSet) LastSequence() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(vs.lastSequence.Load())
}

// LogNumber is the oldest WAL that may hold unflushed data.
func (vs *VersionSet) LogNumber() uint64      { return vs.logNumber.Load() }
func (vs *VersionSet) ManifestNumber() uint64 { return vs.manifestNumber.Load() }
func (vs *VersionSet) NextFileNumber() uint64 { return vs.nextFileNumber.Load() }
func (vs *VersionSet) DBID() string           { return vs.dbID }

// LiveFiles returns the table numbers referenced by any live Version.
func (vs *VersionSet) LiveFiles() map[uint64]struct{} {
	vs.liveMu.Lock()
	defer vs.liveMu.Unlock()
	files := make(map[uint64]struct{})
	for v := range vs.live {
		for level := range NumLevels {
			for _, f := range v.files[level] {
				files[f.Number] = struct{}{}
			}
		}
	}
	return files
}

// NumLiveVersions includes the current Version.
func (vs *VersionSet) NumLiveVersions() int {
	vs.liveMu.Lock()
	defer vs.liveMu.Unlock()
	return len(vs.live)
}

// Close closes the MANIFEST. The current Version stays readable.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifestFile == nil {
		return nil
	}
	err := vs.manifestFile.Close()
	vs.manifestFile, vs.manifestWriter = nil, nil
	return err
}

// setCurrentFile points CURRENT at MANIFEST-<num> through a synced
// temporary file and a rename, then syncs the directory.
func setCurrentFile(fs vfs.FS, dir string, num uint64) error {
	currentPath := filepath.Join(dir, filename.Current)
	tmp := filename.Temp(currentPath)

	f, err := fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write([]byte(filename.ManifestBase(num) + "\n")); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := fs.Rename(tmp, currentPath); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("rename CURRENT: %w", err)
	}
	if err := fs.SyncDir(dir); err != nil {
		return fmt.Errorf("sync dir after CURRENT rename: %w", err)
	}
	return nil
}

func readFile(fs vfs.FS, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

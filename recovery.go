package rocklet

// recovery.go implements database creation, WAL replay at open and the
// removal of files no longer referenced.
//
// Open recovers in this order:
//  1. Rebuild the table set from the MANIFEST named by CURRENT.
//  2. Replay every LOG-<n> with n >= the recorded log number, oldest
//     first, into a memtable, flushing it to L0 whenever it fills up.
//  3. Flush what remains, start a fresh log and record the new L0 tables,
//     the new log number and the last sequence in one MANIFEST edit.
//  4. Remove obsolete logs, unreferenced tables and old MANIFESTs.

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"

	"github.com/google/uuid"

	"github.com/aalhour/rocklet/internal/batch"
	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/filename"
	"github.com/aalhour/rocklet/internal/logging"
	"github.com/aalhour/rocklet/internal/manifest"
	"github.com/aalhour/rocklet/internal/memtable"
	"github.com/aalhour/rocklet/internal/wal"
)

func (db *DB) create() error {
	id := uuid.NewString()
	if err := writeIdentity(db, id); err != nil {
		return fmt.Errorf("write %s: %w", filename.Identity, err)
	}
	if err := db.vs.Create(id); err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	db.logger.Infof(logging.NSDB+"created database %s (%s)", db.dir, id)
	return db.startLog(nil)
}

func writeIdentity(db *DB, id string) error {
	path := filepath.Join(db.dir, filename.Identity)
	f, err := db.fs.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(id + "\n")); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (db *DB) recover() error {
	if err := db.vs.Recover(); err != nil {
		return fmt.Errorf("recover manifest: %w", err)
	}
	db.lastSeq.Store(uint64(db.vs.LastSequence()))

	names, err := db.fs.ListDir(db.dir)
	if err != nil {
		return err
	}
	minLog := db.vs.LogNumber()
	var logs []uint64
	for _, name := range names {
		kind, num, ok := filename.Parse(name)
		if !ok {
			continue
		}
		switch kind {
		case filename.KindLog:
			if num >= minLog {
				logs = append(logs, num)
			}
			db.vs.MarkFileNumberUsed(num)
		case filename.KindTable, filename.KindOptions:
			db.vs.MarkFileNumberUsed(num)
		}
	}
	slices.Sort(logs)

	r := &logReplayer{db: db, mem: memtable.New()}
	// Open can create a log and crash before recording it, so empty logs
	// after the newest one with data do not count.
	newest := len(logs) - 1
	for newest > 0 {
		info, err := db.fs.Stat(filename.Log(db.dir, logs[newest]))
		if err != nil || info.Size() > 0 {
			break
		}
		newest--
	}
	for i, num := range logs {
		if err := r.replay(num, i >= newest); err != nil {
			r.abandon()
			return err
		}
	}
	if err := r.flush(); err != nil {
		r.abandon()
		return err
	}
	err = db.startLog(r.flushed)
	r.abandon()
	if err != nil {
		return err
	}
	db.logger.Infof(logging.NSRecovery+"replayed %d logs, %d records, into %d tables; last sequence %d",
		len(logs), r.records, len(r.flushed), db.lastSeq.Load())
	return nil
}

// logReplayer rebuilds memtables from logs and writes them to L0.
type logReplayer struct {
	db      *DB
	mem     *memtable.MemTable
	flushed []*manifest.FileMetaData
	records int
}

// replay applies one log. Only the newest log may end in a torn tail:
// older logs were synced when they were retired, so damage there means
// acknowledged writes are missing.
func (r *logReplayer) replay(num uint64, newest bool) error {
	db := r.db
	f, err := db.fs.Open(filename.Log(db.dir, num))
	if err != nil {
		return fmt.Errorf("open log #%d: %w", num, err)
	}
	defer f.Close()

	stats, err := wal.Replay(f, num, func(rec []byte) error {
		b, err := batch.NewFromData(rec)
		if err != nil {
			return fmt.Errorf("%w: log #%d: %w", wal.ErrLogCorruption, num, err)
		}
		if err := b.Iterate(memtableInserter{mem: r.mem}); err != nil {
			return fmt.Errorf("%w: log #%d: %w", wal.ErrLogCorruption, num, err)
		}
		if last := uint64(b.LastSequence()); last > db.lastSeq.Load() {
			db.lastSeq.Store(last)
		}
		r.records++
		if r.mem.ApproximateMemoryUsage() >= int64(db.opts.MemtableByteLimit) {
			return r.flush()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay log #%d: %w", num, err)
	}
	if stats.TornTail {
		if !newest {
			return fmt.Errorf("%w: log #%d: %d bytes damaged at the end of a retired log",
				wal.ErrLogCorruption, num, stats.DroppedBytes)
		}
		db.logger.Warnf(logging.NSRecovery+"log #%d: dropped %d bytes of torn tail after %d records",
			num, stats.DroppedBytes, stats.Records)
	}
	return nil
}

func (r *logReplayer) flush() error {
	meta, err := r.db.writeLevel0Table(r.mem)
	if err != nil {
		return err
	}
	if meta != nil {
		r.flushed = append(r.flushed, meta)
	}
	r.mem = memtable.New()
	return nil
}

// abandon releases the pending table numbers. Tables that were never
// recorded are removed by the next deleteObsoleteFiles.
func (r *logReplayer) abandon() {
	for _, f := range r.flushed {
		r.db.releaseOutputs(f.Number)
	}
}

// startLog creates the log for new writes and records it, together with
// the tables flushed during recovery, in a single MANIFEST edit.
func (db *DB) startLog(flushed []*manifest.FileMetaData) error {
	num := db.vs.NewFileNumber()
	f, err := db.fs.Create(filename.Log(db.dir, num))
	if err != nil {
		return fmt.Errorf("create log #%d: %w", num, err)
	}
	db.log = wal.NewWriter(f, num)
	if err := db.fs.SyncDir(db.dir); err != nil {
		return err
	}

	edit := manifest.NewVersionEdit()
	for _, meta := range flushed {
		edit.AddFile(0, meta)
	}
	edit.SetLogNumber(num)
	edit.SetLastSequence(dbformat.SequenceNumber(db.lastSeq.Load()))
	if err := db.vs.LogAndApply(edit); err != nil {
		return fmt.Errorf("record log #%d: %w", num, err)
	}
	db.mem = memtable.New()
	return nil
}

// deleteObsoleteFiles removes logs older than the recorded log number,
// tables no live Version references, superseded MANIFEST and OPTIONS
// files and, at open, leftover temporary files.
//
// Tables numbered at or above the next file number seen under db.mu were
// allocated after the live set was taken and are always kept.
func (db *DB) deleteObsoleteFiles(atOpen bool) {
	db.mu.Lock()
	live := db.vs.LiveFiles()
	for num := range db.pendingOutputs {
		live[num] = struct{}{}
	}
	nextFile := db.vs.NextFileNumber()
	logNum := db.vs.LogNumber()
	manifestNum := db.vs.ManifestNumber()
	optionsNum := db.optionsNum
	db.mu.Unlock()

	names, err := db.fs.ListDir(db.dir)
	if err != nil {
		db.logger.Warnf(logging.NSDB+"list %s: %v", db.dir, err)
		return
	}
	for _, name := range names {
		kind, num, ok := filename.Parse(name)
		if !ok {
			continue
		}
		keep := true
		switch kind {
		case filename.KindLog:
			keep = num >= logNum
		case filename.KindTable:
			_, keep = live[num]
			keep = keep || num >= nextFile
		case filename.KindManifest:
			keep = num >= manifestNum
		case filename.KindOptions:
			keep = num >= optionsNum
		case filename.KindTemp:
			keep = !atOpen
		}
		if keep {
			continue
		}
		if kind == filename.KindTable {
			db.tables.Evict(num)
		}
		err := db.fs.Remove(filepath.Join(db.dir, name))
		switch {
		case err == nil:
			db.logger.Debugf(logging.NSDB+"removed obsolete %s %s", kind, name)
		case !errors.Is(err, fs.ErrNotExist):
			db.logger.Warnf(logging.NSDB+"remove %s: %v", name, err)
		}
	}
}

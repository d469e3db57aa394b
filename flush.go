package rocklet

import (
	"fmt"

	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/filename"
	"github.com/aalhour/rocklet/internal/logging"
	"github.com/aalhour/rocklet/internal/manifest"
	"github.com/aalhour/rocklet/internal/memtable"
	"github.com/aalhour/rocklet/internal/table"
	"github.com/aalhour/rocklet/internal/wal"
)

func (db *DB) builderOptions() table.BuilderOptions {
	bo := table.DefaultBuilderOptions()
	bo.BlockSize = db.opts.BlockSize
	bo.Compression = db.opts.Compression
	bo.FilterBitsPerKey = db.opts.BloomBitsPerKey
	return bo
}

// newOutputNumber allocates a table number that deleteObsoleteFiles leaves
// alone until releaseOutputs.
func (db *DB) newOutputNumber() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	num := db.vs.NewFileNumber()
	db.pendingOutputs[num] = struct{}{}
	return num
}

func (db *DB) releaseOutputs(nums ...uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, num := range nums {
		delete(db.pendingOutputs, num)
	}
}

// writeLevel0Table writes mem to a new table. It returns nil for an empty
// memtable. The table number stays pending until the caller releases it.
func (db *DB) writeLevel0Table(mem *memtable.MemTable) (*manifest.FileMetaData, error) {
	if mem.Empty() {
		return nil, nil
	}
	num := db.newOutputNumber()
	path := filename.Table(db.dir, num)
	f, err := db.fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create table #%d: %w", num, err)
	}

	meta := &manifest.FileMetaData{Number: num}
	b := table.NewBuilder(f, db.builderOptions())
	it := mem.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if meta.Smallest == nil {
			meta.Smallest = append(dbformat.InternalKey(nil), it.Key()...)
		}
		meta.Largest = it.Key()
		if err = b.Add(it.Key(), it.Value()); err != nil {
			break
		}
	}
	_ = it.Close()
	meta.Largest = append(dbformat.InternalKey(nil), meta.Largest...)

	if err == nil {
		err = b.Finish()
	} else {
		b.Abandon()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = db.fs.SyncDir(db.dir)
	}
	if err != nil {
		_ = db.fs.Remove(path)
		db.releaseOutputs(num)
		return nil, fmt.Errorf("write table #%d: %w", num, err)
	}

	props := b.Properties()
	meta.Size = b.FileSize()
	meta.SmallestSeq = props.SmallestSeq
	meta.LargestSeq = props.LargestSeq
	db.logger.Infof(logging.NSFlush+"table #%d: %d entries, %d bytes", num, props.NumEntries, meta.Size)
	return meta, nil
}

// flushImmutable writes the immutable memtable to L0 and records it
// together with the new log number, making older logs obsolete.
func (db *DB) flushImmutable() error {
	db.mu.Lock()
	imm, logNum := db.imm, db.immLogNum
	db.mu.Unlock()
	if imm == nil {
		return nil
	}

	meta, err := db.writeLevel0Table(imm)
	if err != nil {
		db.setBackgroundError(err)
		return err
	}

	db.mu.Lock()
	err = db.vs.RecordFlush(meta, logNum, dbformat.SequenceNumber(db.lastSeq.Load()))
	if err == nil {
		db.imm = nil
		db.installSuperVersionLocked()
		db.immCond.Broadcast()
	}
	db.mu.Unlock()
	if meta != nil {
		db.releaseOutputs(meta.Number)
	}
	if err != nil {
		err = fmt.Errorf("record flush: %w", err)
		db.setBackgroundError(err)
		return err
	}
	db.deleteObsoleteFiles(false)
	return nil
}

// makeRoomForWrite switches to a fresh memtable once the active one is
// full, or, when force is set, whenever it holds data. It waits while a
// previous memtable is still being flushed. db.writeMu must be held.
func (db *DB) makeRoomForWrite(force bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for {
		switch {
		case db.bgErr != nil:
			return db.bgErr
		case force && db.mem.Empty():
			return nil
		case !force && db.mem.ApproximateMemoryUsage() < int64(db.opts.MemtableByteLimit):
			return nil
		case db.imm != nil:
			db.logger.Debugf(logging.NSFlush + "memtable full, waiting for flush")
			db.immCond.Wait()
		default:
			if err := db.switchMemtableLocked(); err != nil {
				return err
			}
			force = false
		}
	}
}

// switchMemtableLocked starts a new log and memtable and hands the old
// memtable to the background flush. db.mu must be held.
func (db *DB) switchMemtableLocked() error {
	num := db.vs.NewFileNumber()
	path := filename.Log(db.dir, num)
	f, err := db.fs.Create(path)
	if err != nil {
		return fmt.Errorf("create log #%d: %w", num, err)
	}
	if err := db.fs.SyncDir(db.dir); err != nil {
		_ = f.Close()
		_ = db.fs.Remove(path)
		return err
	}

	old := db.log
	if err := old.Sync(); err != nil {
		_ = f.Close()
		_ = db.fs.Remove(path)
		err = fmt.Errorf("sync log #%d: %w", old.LogNumber(), err)
		db.setBackgroundErrorLocked(err)
		return err
	}
	if err := old.Close(); err != nil {
		db.logger.Warnf(logging.NSWAL+"close log #%d: %v", old.LogNumber(), err)
	}

	db.log = wal.NewWriter(f, num)
	db.imm, db.immLogNum = db.mem, num
	db.mem = memtable.New()
	db.installSuperVersionLocked()
	db.logger.Debugf(logging.NSFlush+"switched to log #%d, %d entries to flush", num, db.imm.Count())
	db.scheduleFlush()
	return nil
}

// Flush writes the memtable to a table file and waits for it.
func (db *DB) Flush() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.writeMu.Lock()
	if err := db.checkOpen(); err != nil {
		db.writeMu.Unlock()
		return err
	}
	err := db.makeRoomForWrite(true)
	db.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: flush: %w", ErrWrite, err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for db.imm != nil && db.bgErr == nil {
		db.immCond.Wait()
	}
	if db.bgErr != nil {
		return fmt.Errorf("%w: flush: %w", ErrWrite, db.bgErr)
	}
	return nil
}

// flushForClose persists both memtables so that the next Open has no log
// to replay. Background work has stopped and db.writeMu is held.
func (db *DB) flushForClose() error {
	db.mu.Lock()
	bgErr := db.bgErr
	db.mu.Unlock()
	if bgErr != nil {
		return bgErr
	}
	if err := db.flushImmutable(); err != nil {
		return err
	}
	if db.mem.Empty() {
		return nil
	}

	meta, err := db.writeLevel0Table(db.mem)
	if err != nil {
		return err
	}
	// Every write is in a table now, so no existing log is needed.
	nextLog := db.vs.NewFileNumber()
	err = db.vs.RecordFlush(meta, nextLog, dbformat.SequenceNumber(db.lastSeq.Load()))
	db.releaseOutputs(meta.Number)
	if err != nil {
		return fmt.Errorf("record flush: %w", err)
	}
	db.logger.Infof(logging.NSFlush+"flushed memtable on close into table #%d", meta.Number)
	return nil
}

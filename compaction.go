package rocklet

import (
	"fmt"
	"sync"

	"github.com/aalhour/rocklet/internal/compaction"
	"github.com/aalhour/rocklet/internal/filename"
	"github.com/aalhour/rocklet/internal/logging"
	"github.com/aalhour/rocklet/internal/version"
)

// runAutoCompactions compacts until no level is over its target. A memtable
// that filled up meanwhile is flushed before each compaction so writers
// waiting for room are not held up by the whole chain. Only the background
// goroutine calls it.
func (db *DB) runAutoCompactions() {
	db.compactMu.Lock()
	defer db.compactMu.Unlock()
	for !db.shuttingDown() && db.backgroundError() == nil {
		if err := db.flushImmutable(); err != nil {
			db.logger.Errorf(logging.NSFlush+"%v", err)
			return
		}
		ran, err := db.compactOnce(db.picker.Pick)
		if err != nil {
			db.logger.Errorf(logging.NSCompact+"%v", err)
			return
		}
		if !ran {
			return
		}
	}
}

// compactOnce picks a compaction from the current Version, runs it and
// records the result. It reports false when pick found nothing to do.
// db.compactMu must be held.
func (db *DB) compactOnce(pick func(*version.Version) *compaction.Compaction) (bool, error) {
	v := db.vs.Current()
	unrefVersion := sync.OnceFunc(v.Unref)
	defer unrefVersion()

	c := pick(v)
	if c == nil {
		return false, nil
	}
	c.MarkBeingCompacted(true)
	defer c.MarkBeingCompacted(false)

	var allocated []uint64
	defer func() { db.releaseOutputs(allocated...) }()
	job := compaction.NewJob(c, compaction.JobOptions{
		Dir:     db.dir,
		FS:      db.fs,
		Tables:  db.tables,
		Builder: db.builderOptions(),
		NewFileNumber: func() uint64 {
			num := db.newOutputNumber()
			allocated = append(allocated, num)
			return num
		},
		SmallestSnapshot: db.smallestSnapshot(),
		Logger:           db.logger,
	})
	outputs, err := job.Run()
	if err != nil {
		return false, fmt.Errorf("%s: %w", c, err)
	}

	db.mu.Lock()
	err = db.vs.RecordCompaction(c.DeletedFiles(), c.OutputLevel, outputs)
	if err == nil {
		db.installSuperVersionLocked()
	}
	db.mu.Unlock()
	if err != nil {
		if !c.IsTrivialMove() {
			for _, f := range outputs {
				_ = db.fs.Remove(filename.Table(db.dir, f.Number))
			}
		}
		err = fmt.Errorf("record compaction %s: %w", c, err)
		db.setBackgroundError(err)
		return false, err
	}

	db.releaseOutputs(allocated...)
	allocated = nil
	// Drop the input Version first or its files count as live.
	unrefVersion()
	db.deleteObsoleteFiles(false)
	return true, nil
}

// CompactRange compacts every table overlapping the user key range
// [start, end] down to the deepest populated level, purging overwritten
// and deleted entries no snapshot needs. A nil bound is unbounded.
// Compacting an already compacted range writes nothing.
func (db *DB) CompactRange(start, end []byte) error {
	if err := db.Flush(); err != nil {
		return err
	}
	db.compactMu.Lock()
	defer db.compactMu.Unlock()

	v := db.vs.Current()
	target := max(v.DeepestNonEmptyLevel(), 1)
	v.Unref()

	for level := 0; level < target; level++ {
		if err := db.checkOpen(); err != nil {
			return err
		}
		if _, err := db.compactOnce(func(v *version.Version) *compaction.Compaction {
			return db.picker.PickRange(v, level, start, end)
		}); err != nil {
			return fmt.Errorf("%w: compact range: %w", ErrWrite, err)
		}
	}
	return nil
}

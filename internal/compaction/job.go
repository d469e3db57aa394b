package compaction

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/filename"
	"github.com/aalhour/rocklet/internal/iterator"
	"github.com/aalhour/rocklet/internal/logging"
	"github.com/aalhour/rocklet/internal/manifest"
	"github.com/aalhour/rocklet/internal/table"
	"github.com/aalhour/rocklet/internal/vfs"
)

// JobOptions carries what a Job needs from the database.
type JobOptions struct {
	Dir    string
	FS     vfs.FS
	Tables *table.Cache
	// Builder is used for every output table. MaxOutputFileSize of the
	// compaction decides where outputs are cut.
	Builder table.BuilderOptions
	// NewFileNumber allocates output file numbers.
	NewFileNumber func() uint64
	// SmallestSnapshot is the oldest sequence any reader may still read
	// at. Entries hidden from every reader at or above it are dropped.
	SmallestSnapshot dbformat.SequenceNumber
	Logger           logging.Logger
}

// Stats summarizes a finished job.
type Stats struct {
	InputFiles   int
	InputBytes   uint64
	OutputFiles  int
	OutputBytes  uint64
	EntriesIn    uint64
	EntriesOut   uint64
	DroppedStale uint64
	DroppedTombs uint64
}

// Job executes one Compaction. A Job is single use.
type Job struct {
	c      *Compaction
	opts   JobOptions
	logger logging.Logger

	outputs []*manifest.FileMetaData
	stats   Stats

	// current output
	file    vfs.WritableFile
	builder *table.Builder
	meta    *manifest.FileMetaData
}

func NewJob(c *Compaction, opts JobOptions) *Job {
	return &Job{
		c:      c,
		opts:   opts,
		logger: logging.OrDefault(opts.Logger),
	}
}

// Run merges the inputs and returns the output files to record at the
// output level. Output tables are synced and the directory is synced
// before Run returns. On error every output written so far is removed and
// the inputs are untouched.
func (j *Job) Run() ([]*manifest.FileMetaData, error) {
	j.stats.InputFiles = j.c.NumInputFiles()
	j.stats.InputBytes = j.c.InputBytes()

	if j.c.IsTrivialMove() {
		f := j.c.Inputs[0][0].Clone()
		j.logger.Infof(logging.NSCompact+"trivial move #%d L%d->L%d", f.Number, j.c.StartLevel, j.c.OutputLevel)
		j.outputs = []*manifest.FileMetaData{f}
		return j.outputs, nil
	}

	if err := j.merge(); err != nil {
		j.cleanup()
		return nil, err
	}
	if len(j.outputs) > 0 {
		if err := j.opts.FS.SyncDir(j.opts.Dir); err != nil {
			j.cleanup()
			return nil, fmt.Errorf("sync dir: %w", err)
		}
	}
	j.logger.Infof(logging.NSCompact+"%s: %d entries in, %d out, %d files %d bytes written",
		j.c, j.stats.EntriesIn, j.stats.EntriesOut, j.stats.OutputFiles, j.stats.OutputBytes)
	return j.outputs, nil
}

func (j *Job) Stats() Stats { return j.stats }

func (j *Job) newInputIterator() (*iterator.MergingIterator, error) {
	var children []iterator.Iterator
	closeAll := func() {
		for _, it := range children {
			_ = it.Close()
		}
	}
	// L0 inputs are newest first; ties between files of one level cannot
	// happen below L0.
	for _, files := range j.c.Inputs {
		for _, f := range files {
			it, err := j.opts.Tables.NewIterator(f.Number)
			if err != nil {
				closeAll()
				return nil, err
			}
			children = append(children, it)
		}
	}
	return iterator.NewMergingIterator(children...), nil
}

func (j *Job) merge() (err error) {
	it, err := j.newInputIterator()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, it.Close())
	}()

	var (
		currentUserKey []byte
		hasCurrent     bool
		// sequence of the previous entry for currentUserKey
		lastSeq dbformat.SequenceNumber
	)
	v := j.c.Version()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		j.stats.EntriesIn++
		ikey := it.Key()
		pk, err := dbformat.ParseInternalKey(ikey)
		if err != nil {
			return fmt.Errorf("compaction input: %w", err)
		}

		firstOfKey := !hasCurrent || !bytes.Equal(pk.UserKey, currentUserKey)
		if firstOfKey {
			currentUserKey = append(currentUserKey[:0], pk.UserKey...)
			hasCurrent = true
			lastSeq = dbformat.MaxSequenceNumber
		}

		drop := false
		switch {
		case lastSeq <= j.opts.SmallestSnapshot:
			// A newer entry of this key is visible to every reader.
			drop = true
			j.stats.DroppedStale++
		case pk.Type == dbformat.TypeDeletion &&
			pk.Sequence <= j.opts.SmallestSnapshot &&
			v != nil && v.IsBaseLevelForKey(j.c.OutputLevel, pk.UserKey):
			// Older entries of this key are either in this merge, where the
			// rule above drops them, or nowhere.
			drop = true
			j.stats.DroppedTombs++
		}
		lastSeq = pk.Sequence
		if drop {
			continue
		}

		// Cut only between user keys so that one user key never spans two
		// files of a level.
		if j.builder != nil && firstOfKey && j.builder.EstimatedFileSize() >= j.c.MaxOutputFileSize {
			if err := j.finishOutput(); err != nil {
				return err
			}
		}
		if j.builder == nil {
			if err := j.startOutput(); err != nil {
				return err
			}
		}
		if err := j.builder.Add(ikey, it.Value()); err != nil {
			return fmt.Errorf("table #%d: %w", j.meta.Number, err)
		}
		if j.meta.Smallest == nil {
			j.meta.Smallest = append(dbformat.InternalKey(nil), ikey...)
		}
		j.meta.Largest = append(j.meta.Largest[:0], ikey...)
		j.stats.EntriesOut++
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("compaction input: %w", err)
	}
	if j.builder != nil {
		return j.finishOutput()
	}
	return nil
}

func (j *Job) startOutput() error {
	num := j.opts.NewFileNumber()
	f, err := j.opts.FS.Create(filename.Table(j.opts.Dir, num))
	if err != nil {
		return fmt.Errorf("create table #%d: %w", num, err)
	}
	j.file = f
	j.builder = table.NewBuilder(f, j.opts.Builder)
	j.meta = &manifest.FileMetaData{Number: num}
	j.outputs = append(j.outputs, j.meta)
	return nil
}

func (j *Job) finishOutput() error {
	b, f, meta := j.builder, j.file, j.meta
	j.builder, j.file = nil, nil

	if err := b.Finish(); err != nil {
		_ = f.Close()
		return fmt.Errorf("finish table #%d: %w", meta.Number, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync table #%d: %w", meta.Number, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close table #%d: %w", meta.Number, err)
	}
	props := b.Properties()
	meta.Size = b.FileSize()
	meta.SmallestSeq = props.SmallestSeq
	meta.LargestSeq = props.LargestSeq
	j.stats.OutputFiles++
	j.stats.OutputBytes += meta.Size
	j.logger.Debugf(logging.NSCompact+"output %s", meta)
	return nil
}

// cleanup removes every output written by a failed job.
func (j *Job) cleanup() {
	if j.builder != nil {
		j.builder.Abandon()
		_ = j.file.Close()
		j.builder, j.file = nil, nil
	}
	for _, f := range j.outputs {
		if err := j.opts.FS.Remove(filename.Table(j.opts.Dir, f.Number)); err != nil {
			j.logger.Warnf(logging.NSCompact+"remove output #%d: %v", f.Number, err)
		}
	}
	j.outputs = nil
}

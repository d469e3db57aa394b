// Package compaction picks and runs leveled compactions.
//
// A compaction merges a set of files from one level with the overlapping
// files of the next level and writes the merged result to the next level.
// Inputs are never modified: the job produces new tables and the caller
// swaps them in with a single manifest edit.
package compaction

import (
	"fmt"
	"strings"

	"github.com/aalhour/rocklet/internal/manifest"
	"github.com/aalhour/rocklet/internal/version"
)

// Reason indicates why a compaction was scheduled.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonL0FileCount
	ReasonLevelSize
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonL0FileCount:
		return "L0 file count"
	case ReasonLevelSize:
		return "level size"
	case ReasonManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Compaction describes one merge of StartLevel into OutputLevel.
type Compaction struct {
	StartLevel  int
	OutputLevel int

	// Inputs[0] holds the start level files, Inputs[1] the overlapping
	// files of the output level.
	Inputs [2][]*manifest.FileMetaData

	Reason            Reason
	Score             float64
	MaxOutputFileSize uint64

	// version the inputs were picked from. The caller keeps it referenced
	// until the compaction is recorded.
	version *version.Version
}

func newCompaction(v *version.Version, startLevel int, inputs, outputs []*manifest.FileMetaData) *Compaction {
	return &Compaction{
		StartLevel:  startLevel,
		OutputLevel: startLevel + 1,
		Inputs:      [2][]*manifest.FileMetaData{inputs, outputs},
		version:     v,
	}
}

func (c *Compaction) Version() *version.Version { return c.version }

func (c *Compaction) NumInputFiles() int {
	return len(c.Inputs[0]) + len(c.Inputs[1])
}

// InputBytes is the total size of the input files.
func (c *Compaction) InputBytes() uint64 {
	var n uint64
	for _, files := range c.Inputs {
		for _, f := range files {
			n += f.Size
		}
	}
	return n
}

// IsTrivialMove reports whether the single input file can be moved to the
// output level without rewriting it. Manual compactions always rewrite so
// that shadowed entries and tombstones are purged.
func (c *Compaction) IsTrivialMove() bool {
	return c.Reason != ReasonManual && len(c.Inputs[0]) == 1 && len(c.Inputs[1]) == 0
}

// DeletedFiles lists every input as a manifest deletion.
func (c *Compaction) DeletedFiles() []manifest.DeletedFileEntry {
	entries := make([]manifest.DeletedFileEntry, 0, c.NumInputFiles())
	for i, files := range c.Inputs {
		level := c.StartLevel
		if i == 1 {
			level = c.OutputLevel
		}
		for _, f := range files {
			entries = append(entries, manifest.DeletedFileEntry{Level: level, FileNumber: f.Number})
		}
	}
	return entries
}

// MarkBeingCompacted flags or clears every input file.
func (c *Compaction) MarkBeingCompacted(v bool) {
	for _, files := range c.Inputs {
		for _, f := range files {
			f.SetBeingCompacted(v)
		}
	}
}

func (c *Compaction) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "L%d->L%d (%s, score %.2f):", c.StartLevel, c.OutputLevel, c.Reason, c.Score)
	for i, files := range c.Inputs {
		level := c.StartLevel
		if i == 1 {
			level = c.OutputLevel
		}
		for _, f := range files {
			fmt.Fprintf(&sb, " L%d#%d", level, f.Number)
		}
	}
	return sb.String()
}

package compaction

import (
	"github.com/aalhour/rocklet/internal/manifest"
	"github.com/aalhour/rocklet/internal/version"
)

// LeveledPicker scores each level and picks the most urgent compaction.
//
// L0 is scored by file count against L0Trigger. Level n >= 1 is scored by
// total bytes against MaxBytesForLevelBase * LevelMultiplier^(n-1). The
// last level has no target and is never a compaction source.
type LeveledPicker struct {
	L0Trigger            int
	MaxBytesForLevelBase uint64
	LevelMultiplier      uint64
	TargetFileSize       uint64
}

// DefaultLeveledPicker returns the default thresholds.
func DefaultLeveledPicker() *LeveledPicker {
	return &LeveledPicker{
		L0Trigger:            4,
		MaxBytesForLevelBase: 10 << 20,
		LevelMultiplier:      10,
		TargetFileSize:       2 << 20,
	}
}

// NeedsCompaction reports whether any level scores at least 1.
func (p *LeveledPicker) NeedsCompaction(v *version.Version) bool {
	_, score := p.bestLevel(v)
	return score >= 1
}

// Score returns the compaction score of a level.
func (p *LeveledPicker) Score(v *version.Version, level int) float64 {
	if level == 0 {
		n := 0
		for _, f := range v.Files(0) {
			if !f.BeingCompacted() {
				n++
			}
		}
		return float64(n) / float64(max(p.L0Trigger, 1))
	}
	var size uint64
	for _, f := range v.Files(level) {
		if !f.BeingCompacted() {
			size += f.Size
		}
	}
	return float64(size) / float64(p.TargetSizeForLevel(level))
}

// TargetSizeForLevel returns the byte budget of a level >= 1.
func (p *LeveledPicker) TargetSizeForLevel(level int) uint64 {
	target := max(p.MaxBytesForLevelBase, 1)
	for l := 1; l < level; l++ {
		target *= max(p.LevelMultiplier, 1)
	}
	return target
}

func (p *LeveledPicker) bestLevel(v *version.Version) (int, float64) {
	best, bestScore := -1, 0.0
	for level := 0; level < version.NumLevels-1; level++ {
		if s := p.Score(v, level); s > bestScore {
			best, bestScore = level, s
		}
	}
	return best, bestScore
}

// Pick returns the highest scoring compaction, or nil when no level needs
// one or the candidate files are already being compacted.
func (p *LeveledPicker) Pick(v *version.Version) *Compaction {
	level, score := p.bestLevel(v)
	if score < 1 {
		return nil
	}
	var c *Compaction
	if level == 0 {
		c = p.pickL0(v)
		if c != nil {
			c.Reason = ReasonL0FileCount
		}
	} else {
		c = p.pickLevel(v, level)
		if c != nil {
			c.Reason = ReasonLevelSize
		}
	}
	if c == nil {
		return nil
	}
	c.Score = score
	return c
}

// pickL0 takes every L0 file, since L0 files may overlap each other.
func (p *LeveledPicker) pickL0(v *version.Version) *Compaction {
	inputs := v.Files(0)
	if len(inputs) == 0 || anyBeingCompacted(inputs) {
		return nil
	}
	return p.expand(v, 0, inputs)
}

// pickLevel takes the largest file of the level.
func (p *LeveledPicker) pickLevel(v *version.Version, level int) *Compaction {
	var picked *manifest.FileMetaData
	for _, f := range v.Files(level) {
		if f.BeingCompacted() {
			continue
		}
		if picked == nil || f.Size > picked.Size {
			picked = f
		}
	}
	if picked == nil {
		return nil
	}
	return p.expand(v, level, []*manifest.FileMetaData{picked})
}

// PickRange returns a manual compaction of the files at level overlapping
// the user key range [begin, end] into level+1, or nil when level has no
// such file. A nil bound is unbounded.
func (p *LeveledPicker) PickRange(v *version.Version, level int, begin, end []byte) *Compaction {
	if level < 0 || level >= version.NumLevels-1 {
		return nil
	}
	inputs := v.OverlappingInputs(level, begin, end)
	if len(inputs) == 0 || anyBeingCompacted(inputs) {
		return nil
	}
	c := p.expand(v, level, inputs)
	if c == nil {
		return nil
	}
	c.Reason = ReasonManual
	return c
}

// expand adds the files of level+1 overlapping the inputs.
func (p *LeveledPicker) expand(v *version.Version, level int, inputs []*manifest.FileMetaData) *Compaction {
	smallest, largest := version.KeyRange(inputs)
	outputs := v.OverlappingInputs(level+1, smallest.UserKey(), largest.UserKey())
	if anyBeingCompacted(outputs) {
		return nil
	}
	c := newCompaction(v, level, inputs, outputs)
	c.MaxOutputFileSize = p.TargetFileSize
	return c
}

func anyBeingCompacted(files []*manifest.FileMetaData) bool {
	for _, f := range files {
		if f.BeingCompacted() {
			return true
		}
	}
	return false
}

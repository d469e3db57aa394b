// Package version tracks the set of live table files.
//
// A Version is an immutable assignment of table files to levels. A
// VersionSet owns the current Version and the MANIFEST that persists the
// sequence of edits producing it.
package version

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/manifest"
)

// NumLevels is the number of levels in the tree.
const NumLevels = manifest.NumLevels

// Version is an immutable snapshot of the files at each level. L0 files may
// overlap and are ordered newest first by file number; files in deeper
// levels are disjoint and ordered by smallest key.
//
// Versions are reference counted. A Version with a positive count keeps
// its files out of obsolete file deletion.
type Version struct {
	files [NumLevels][]*manifest.FileMetaData

	refs atomic.Int32
	vs   *VersionSet
}

func newVersion(vs *VersionSet) *Version {
	return &Version{vs: vs}
}

func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref drops a reference. The last Unref removes v from the live set.
func (v *Version) Unref() {
	if v.refs.Add(-1) == 0 && v.vs != nil {
		v.vs.removeLive(v)
	}
}

func (v *Version) NumFiles(level int) int {
	if level < 0 || level >= NumLevels {
		return 0
	}
	return len(v.files[level])
}

// Files returns the files at level. The slice must not be modified.
func (v *Version) Files(level int) []*manifest.FileMetaData {
	if level < 0 || level >= NumLevels {
		return nil
	}
	return v.files[level]
}

func (v *Version) TotalFiles() int {
	total := 0
	for level := range NumLevels {
		total += len(v.files[level])
	}
	return total
}

// NumLevelBytes returns the total size of files at the given level.
func (v *Version) NumLevelBytes(level int) uint64 {
	var size uint64
	for _, f := range v.Files(level) {
		size += f.Size
	}
	return size
}

// DeepestNonEmptyLevel returns -1 when the version has no files.
func (v *Version) DeepestNonEmptyLevel() int {
	for level := NumLevels - 1; level >= 0; level-- {
		if len(v.files[level]) > 0 {
			return level
		}
	}
	return -1
}

func fileOverlapsUserRange(f *manifest.FileMetaData, begin, end []byte) bool {
	if begin != nil && bytes.Compare(f.Largest.UserKey(), begin) < 0 {
		return false
	}
	if end != nil && bytes.Compare(f.Smallest.UserKey(), end) > 0 {
		return false
	}
	return true
}

// OverlappingInputs returns the files at level whose user key range
// intersects [begin, end]. A nil bound is unbounded. For L0 the range is
// widened until it covers every overlapping file, since those files may
// overlap each other.
func (v *Version) OverlappingInputs(level int, begin, end []byte) []*manifest.FileMetaData {
	if level < 0 || level >= NumLevels {
		return nil
	}
	var result []*manifest.FileMetaData
	for i := 0; i < len(v.files[level]); i++ {
		f := v.files[level][i]
		if !fileOverlapsUserRange(f, begin, end) {
			continue
		}
		result = append(result, f)
		if level != 0 {
			continue
		}
		restart := false
		if begin != nil && bytes.Compare(f.Smallest.UserKey(), begin) < 0 {
			begin = f.Smallest.UserKey()
			restart = true
		}
		if end != nil && bytes.Compare(f.Largest.UserKey(), end) > 0 {
			end = f.Largest.UserKey()
			restart = true
		}
		if restart {
			result = result[:0]
			i = -1
		}
	}
	return result
}

// IsBaseLevelForKey reports whether no level deeper than level may hold
// userKey.
func (v *Version) IsBaseLevelForKey(level int, userKey []byte) bool {
	for l := level + 1; l < NumLevels; l++ {
		files := v.files[l]
		i := sort.Search(len(files), func(i int) bool {
			return bytes.Compare(files[i].Largest.UserKey(), userKey) >= 0
		})
		if i < len(files) && bytes.Compare(files[i].Smallest.UserKey(), userKey) <= 0 {
			return false
		}
	}
	return true
}

// KeyRange returns the smallest and largest internal keys across files.
func KeyRange(files ...[]*manifest.FileMetaData) (smallest, largest dbformat.InternalKey) {
	for _, fs := range files {
		for _, f := range fs {
			if smallest == nil || dbformat.Compare(f.Smallest, smallest) < 0 {
				smallest = f.Smallest
			}
			if largest == nil || dbformat.Compare(f.Largest, largest) > 0 {
				largest = f.Largest
			}
		}
	}
	return smallest, largest
}

func (v *Version) String() string {
	var sb strings.Builder
	for level := range NumLevels {
		if len(v.files[level]) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "L%d:\n", level)
		for _, f := range v.files[level] {
			fmt.Fprintf(&sb, "  %s\n", f)
		}
	}
	return sb.String()
}

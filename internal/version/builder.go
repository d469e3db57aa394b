package version

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/manifest"
)

// Builder accumulates edits on top of a base Version and produces a new
// Version without materializing the intermediate states.
//
//	b := newBuilder(vs, base)
//	b.apply(edit1)
//	b.apply(edit2)
//	v := b.saveTo()
type builder struct {
	vs   *VersionSet
	base *Version

	added   [NumLevels]map[uint64]*manifest.FileMetaData
	deleted [NumLevels]map[uint64]struct{}
}

func newBuilder(vs *VersionSet, base *Version) *builder {
	b := &builder{vs: vs, base: base}
	for i := range NumLevels {
		b.added[i] = make(map[uint64]*manifest.FileMetaData)
		b.deleted[i] = make(map[uint64]struct{})
	}
	return b
}

func (b *builder) apply(edit *manifest.VersionEdit) error {
	for _, df := range edit.DeletedFiles {
		if df.Level < 0 || df.Level >= NumLevels {
			return fmt.Errorf("%w: delete of #%d at level %d", ErrCorruption, df.FileNumber, df.Level)
		}
		if _, ok := b.added[df.Level][df.FileNumber]; ok {
			delete(b.added[df.Level], df.FileNumber)
			continue
		}
		b.deleted[df.Level][df.FileNumber] = struct{}{}
	}
	for _, nf := range edit.NewFiles {
		if nf.Level < 0 || nf.Level >= NumLevels {
			return fmt.Errorf("%w: file #%d at level %d", ErrCorruption, nf.Meta.Number, nf.Level)
		}
		delete(b.deleted[nf.Level], nf.Meta.Number)
		b.added[nf.Level][nf.Meta.Number] = nf.Meta
	}
	return nil
}

func (b *builder) saveTo() (*Version, error) {
	v := newVersion(b.vs)
	for level := range NumLevels {
		var files []*manifest.FileMetaData
		if b.base != nil {
			for _, f := range b.base.files[level] {
				if _, gone := b.deleted[level][f.Number]; !gone {
					files = append(files, f)
				}
			}
		}
		for _, f := range b.added[level] {
			files = append(files, f)
		}

		if level == 0 {
			slices.SortFunc(files, func(a, b *manifest.FileMetaData) int {
				return cmp.Compare(b.Number, a.Number)
			})
		} else {
			slices.SortFunc(files, func(a, b *manifest.FileMetaData) int {
				return dbformat.Compare(a.Smallest, b.Smallest)
			})
			for i := 1; i < len(files); i++ {
				if dbformat.Compare(files[i-1].Largest, files[i].Smallest) >= 0 {
					return nil, fmt.Errorf("%w: overlapping files #%d and #%d at level %d",
						ErrCorruption, files[i-1].Number, files[i].Number, level)
				}
			}
		}
		v.files[level] = files
	}
	return v, nil
}

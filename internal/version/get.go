package version

import (
	"bytes"
	"sort"

	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/manifest"
)

// TableGetter finds the first entry at or after ikey in a table file.
type TableGetter interface {
	Get(fileNum uint64, ikey []byte) (key, value []byte, found bool, err error)
}

// Get returns the newest entry for userKey visible at seq. deleted is true
// when that entry is a tombstone. value aliases table data owned by tables.
func (v *Version) Get(tables TableGetter, userKey []byte, seq dbformat.SequenceNumber) (value []byte, found, deleted bool, err error) {
	lookup := dbformat.NewLookupKey(userKey, seq)

	searchFile := func(f *manifest.FileMetaData) (bool, error) {
		k, val, ok, err := tables.Get(f.Number, lookup)
		if err != nil || !ok {
			return false, err
		}
		pk, err := dbformat.ParseInternalKey(k)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(pk.UserKey, userKey) {
			return false, nil
		}
		value, found, deleted = val, true, pk.Type == dbformat.TypeDeletion
		return true, nil
	}

	for _, f := range v.files[0] {
		if !fileOverlapsUserRange(f, userKey, userKey) {
			continue
		}
		if done, err := searchFile(f); done || err != nil {
			return value, found, deleted, err
		}
	}
	for level := 1; level < NumLevels; level++ {
		files := v.files[level]
		i := sort.Search(len(files), func(i int) bool {
			return dbformat.Compare(files[i].Largest, lookup) >= 0
		})
		if i == len(files) || bytes.Compare(files[i].Smallest.UserKey(), userKey) > 0 {
			continue
		}
		if done, err := searchFile(files[i]); done || err != nil {
			return value, found, deleted, err
		}
	}
	return nil, false, false, nil
}

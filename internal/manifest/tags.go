// Package manifest encodes and decodes the records of a MANIFEST file.
//
// A MANIFEST is a WAL-framed sequence of VersionEdit records. Replaying
// every edit in order from an empty state reproduces the set of live
// table files, the log number, the next file number and the last sequence
// number.
package manifest

// Tag identifies a serialized VersionEdit field. These numbers are written
// to disk and must not change.
type Tag uint32

const (
	TagComparator     Tag = 1
	TagLogNumber      Tag = 2
	TagNextFileNumber Tag = 3
	TagLastSequence   Tag = 4
	TagDeletedFile    Tag = 6
	TagNewFile        Tag = 7

	// Tags with this bit set may be skipped by readers that do not know
	// them.
	TagSafeIgnoreMask Tag = 1 << 13

	TagDBID Tag = TagSafeIgnoreMask | 1
)

// IsSafeToIgnore returns true if the tag can be safely ignored when unknown.
func (t Tag) IsSafeToIgnore() bool {
	return t&TagSafeIgnoreMask != 0
}

func (t Tag) String() string {
	switch t {
	case TagComparator:
		return "Comparator"
	case TagLogNumber:
		return "LogNumber"
	case TagNextFileNumber:
		return "NextFileNumber"
	case TagLastSequence:
		return "LastSequence"
	case TagDeletedFile:
		return "DeletedFile"
	case TagNewFile:
		return "NewFile"
	case TagDBID:
		return "DBID"
	default:
		return "Unknown"
	}
}

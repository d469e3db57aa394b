package rocklet

// snapshot.go implements snapshot management.
//
// Explicit snapshots and open iterators register the sequence they read
// at. The oldest registered sequence bounds what compaction may drop.

import (
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/aalhour/rocklet/internal/dbformat"
)

// Snapshot is a consistent read view of the database at a sequence
// number. Release it with DB.ReleaseSnapshot.
type Snapshot struct {
	key      snapshotKey
	released atomic.Bool
}

// Sequence returns the sequence number at which this snapshot was taken.
func (s *Snapshot) Sequence() uint64 {
	return uint64(s.key.seq)
}

type snapshotKey struct {
	seq dbformat.SequenceNumber
	id  uint64
}

func snapshotKeyLess(a, b snapshotKey) bool {
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.id < b.id
}

// snapshotList is the set of registered read sequences, ordered oldest
// first.
type snapshotList struct {
	nextID atomic.Uint64
	m      *skipmap.FuncMap[snapshotKey, *Snapshot]
}

func newSnapshotList() *snapshotList {
	return &snapshotList{m: skipmap.NewFunc[snapshotKey, *Snapshot](snapshotKeyLess)}
}

func (l *snapshotList) acquire(seq dbformat.SequenceNumber) *Snapshot {
	s := &Snapshot{key: snapshotKey{seq: seq, id: l.nextID.Add(1)}}
	l.m.Store(s.key, s)
	return s
}

// release is idempotent.
func (l *snapshotList) release(s *Snapshot) {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	l.m.Delete(s.key)
}

// oldest returns the smallest registered sequence.
func (l *snapshotList) oldest() (dbformat.SequenceNumber, bool) {
	var seq dbformat.SequenceNumber
	found := false
	l.m.Range(func(k snapshotKey, _ *Snapshot) bool {
		seq, found = k.seq, true
		return false
	})
	return seq, found
}

func (l *snapshotList) len() int { return l.m.Len() }

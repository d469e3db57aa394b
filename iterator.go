package rocklet

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/iterator"
	"github.com/aalhour/rocklet/internal/logging"
	"github.com/aalhour/rocklet/internal/version"
)

// Iterator walks the live keys of a database in ascending order, reading
// the state captured when it was created. Key and Value are valid until
// the next positioning call. An Iterator is not safe for concurrent use
// and must be closed.
type Iterator struct {
	db   *DB
	sv   *superVersion
	snap *Snapshot // owned by the iterator, nil with ReadOptions.Snapshot
	seq  dbformat.SequenceNumber
	iter *iterator.MergingIterator

	lower, upper []byte

	key, value []byte
	skip       []byte
	valid      bool
	err        error
	closed     bool
}

// NewIterator returns an iterator over the keys in [start, end). A nil
// bound is unbounded. The iterator is unpositioned; call SeekToFirst or
// Seek. When the database is not open the iterator is never valid and
// Error reports ErrInvalidState.
func (db *DB) NewIterator(ro *ReadOptions, start, end []byte) *Iterator {
	if err := db.checkOpen(); err != nil {
		return &Iterator{err: err, closed: true}
	}
	it := &Iterator{
		db:    db,
		lower: cloneBytes(start),
		upper: cloneBytes(end),
	}
	if ro != nil && ro.Snapshot != nil {
		it.seq = ro.Snapshot.key.seq
	} else {
		it.snap = db.acquireSnapshot()
		it.seq = it.snap.key.seq
	}
	it.sv = db.acquireSuperVersion()
	if it.sv == nil {
		db.snapshots.release(it.snap)
		return &Iterator{err: ErrInvalidState, closed: true}
	}

	children, err := db.newInternalIterators(it.sv)
	if err != nil {
		for _, c := range children {
			_ = c.Close()
		}
		it.release()
		return &Iterator{err: fmt.Errorf("%w: %w", ErrRead, err), closed: true}
	}
	it.iter = iterator.NewMergingIterator(children...)
	return it
}

// newInternalIterators lists the sources of sv, newest first.
func (db *DB) newInternalIterators(sv *superVersion) ([]iterator.Iterator, error) {
	children := []iterator.Iterator{sv.mem.NewIterator()}
	if sv.imm != nil {
		children = append(children, sv.imm.NewIterator())
	}
	for level := range version.NumLevels {
		for _, f := range sv.current.Files(level) {
			ti, err := db.tables.NewIterator(f.Number)
			if err != nil {
				return children, fmt.Errorf("table #%d: %w", f.Number, err)
			}
			children = append(children, ti)
		}
	}
	return children, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func (it *Iterator) Valid() bool { return it.valid }

func (it *Iterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.key
}

func (it *Iterator) Value() []byte {
	if !it.valid {
		return nil
	}
	return it.value
}

// Error returns the error that stopped the iteration, if any.
func (it *Iterator) Error() error { return it.err }

// SeekToFirst positions at the first key at or after the lower bound.
func (it *Iterator) SeekToFirst() {
	if it.lower != nil {
		it.Seek(it.lower)
		return
	}
	if !it.usable() {
		return
	}
	it.iter.SeekToFirst()
	it.findNextUserEntry(false)
}

// Seek positions at the first key >= target within the bounds.
func (it *Iterator) Seek(target []byte) {
	if !it.usable() {
		return
	}
	if it.lower != nil && bytes.Compare(target, it.lower) < 0 {
		target = it.lower
	}
	it.iter.Seek(dbformat.NewLookupKey(target, it.seq))
	it.findNextUserEntry(false)
}

func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.skip = append(it.skip[:0], it.key...)
	it.iter.Next()
	it.findNextUserEntry(true)
}

func (it *Iterator) usable() bool {
	it.valid = false
	return !it.closed && it.err == nil
}

// findNextUserEntry moves to the newest visible version of the next user
// key that is not deleted. With skipping set, versions of it.skip are
// passed over.
func (it *Iterator) findNextUserEntry(skipping bool) {
	for ; it.iter.Valid(); it.iter.Next() {
		pk, err := dbformat.ParseInternalKey(it.iter.Key())
		if err != nil {
			it.fail(err)
			return
		}
		if it.upper != nil && bytes.Compare(pk.UserKey, it.upper) >= 0 {
			break
		}
		if pk.Sequence > it.seq {
			continue
		}
		if skipping && bytes.Equal(pk.UserKey, it.skip) {
			continue
		}
		if pk.Type == dbformat.TypeDeletion {
			it.skip = append(it.skip[:0], pk.UserKey...)
			skipping = true
			continue
		}
		it.key = append(it.key[:0], pk.UserKey...)
		it.value = append(it.value[:0], it.iter.Value()...)
		it.valid = true
		return
	}
	it.valid = false
	if err := it.iter.Error(); err != nil {
		it.fail(err)
	}
}

func (it *Iterator) fail(err error) {
	it.valid = false
	it.err = fmt.Errorf("%w: %w", ErrRead, err)
	it.db.logger.Warnf(logging.NSDB+"iterator: %v", err)
}

// Close releases the state the iterator pinned. Closing twice is a no-op.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.valid = false
	var err error
	if it.iter != nil {
		err = it.iter.Close()
	}
	it.release()
	if err != nil && !errors.Is(err, ErrRead) {
		err = fmt.Errorf("%w: %w", ErrRead, err)
	}
	return err
}

func (it *Iterator) release() {
	if it.sv != nil {
		it.sv.unref()
		it.sv = nil
	}
	if it.snap != nil {
		it.db.snapshots.release(it.snap)
		it.snap = nil
	}
}

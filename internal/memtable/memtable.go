package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/aalhour/rocklet/internal/dbformat"
)

// nodeOverhead approximates the per-entry cost of the skiplist node.
const nodeOverhead = 64

// MemTable is an ordered in-memory table of internal keys. Add must be
// serialized by the caller; Get and iterators may run concurrently with it.
type MemTable struct {
	list        *skiplist
	memoryUsage atomic.Int64

	// Written under the caller's write serialization, read after the
	// memtable becomes immutable.
	smallestSeq dbformat.SequenceNumber
	largestSeq  dbformat.SequenceNumber
}

func New() *MemTable {
	return &MemTable{list: newSkiplist(dbformat.Compare)}
}

// Add inserts a value or a tombstone for key at seq. Key and value are
// copied. Adding the same (key, seq) twice keeps the first entry.
func (mt *MemTable) Add(seq dbformat.SequenceNumber, typ dbformat.ValueType, key, value []byte) {
	buf := make([]byte, 0, len(key)+dbformat.NumInternalBytes+len(value))
	buf = dbformat.AppendInternalKey(buf, key, seq, typ)
	ikey := buf[:len(buf):len(buf)]
	var v []byte
	if typ == dbformat.TypeValue {
		v = append(buf[len(buf):], value...)
	}
	if !mt.list.insert(ikey, v) {
		return
	}

	if mt.smallestSeq == 0 || seq < mt.smallestSeq {
		mt.smallestSeq = seq
	}
	if seq > mt.largestSeq {
		mt.largestSeq = seq
	}
	mt.memoryUsage.Add(int64(cap(buf) + nodeOverhead))
}

// Get returns the newest version of key visible at seq. deleted is set
// when that version is a tombstone.
func (mt *MemTable) Get(key []byte, seq dbformat.SequenceNumber) (value []byte, found, deleted bool) {
	n := mt.list.findGreaterOrEqual(dbformat.NewLookupKey(key, seq), nil)
	if n == nil || !bytes.Equal(dbformat.ExtractUserKey(n.key), key) {
		return nil, false, false
	}
	if dbformat.ExtractValueType(n.key) == dbformat.TypeDeletion {
		return nil, true, true
	}
	return n.value, true, false
}

// ApproximateMemoryUsage is the byte budget consumed so far.
func (mt *MemTable) ApproximateMemoryUsage() int64 {
	return mt.memoryUsage.Load()
}

func (mt *MemTable) Count() int64 {
	return mt.list.count.Load()
}

func (mt *MemTable) Empty() bool {
	return mt.Count() == 0
}

// SeqRange returns the smallest and largest sequence added.
func (mt *MemTable) SeqRange() (smallest, largest dbformat.SequenceNumber) {
	return mt.smallestSeq, mt.largestSeq
}

// NewIterator returns an unpositioned iterator over internal keys.
func (mt *MemTable) NewIterator() *Iterator {
	return &Iterator{list: mt.list}
}

// Iterator walks the memtable in internal key order. It observes entries
// inserted after its creation if it has not moved past their position.
type Iterator struct {
	list *skiplist
	node *node
}

func (it *Iterator) Valid() bool   { return it.node != nil }
func (it *Iterator) Key() []byte   { return it.node.key }
func (it *Iterator) Value() []byte { return it.node.value }
func (it *Iterator) Error() error  { return nil }
func (it *Iterator) Close() error  { return nil }

func (it *Iterator) SeekToFirst() {
	it.node = it.list.first()
}

// Seek positions at the first entry with internal key >= target.
func (it *Iterator) Seek(target []byte) {
	it.node = it.list.findGreaterOrEqual(target, nil)
}

func (it *Iterator) Next() {
	it.node = it.node.next[0].Load()
}

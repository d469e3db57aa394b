package rocklet

import (
	"github.com/aalhour/rocklet/internal/batch"
	"github.com/aalhour/rocklet/internal/dbformat"
	"github.com/aalhour/rocklet/internal/memtable"
)

// WriteBatch collects puts and deletes that DB.Write applies atomically:
// after a crash either every operation of the batch is recovered or none.
// A WriteBatch is not safe for concurrent use.
type WriteBatch struct {
	rep *batch.WriteBatch
}

func NewWriteBatch() *WriteBatch {
	return &WriteBatch{rep: batch.New()}
}

func (b *WriteBatch) Put(key, value []byte) {
	b.rep.Put(key, value)
}

func (b *WriteBatch) Delete(key []byte) {
	b.rep.Delete(key)
}

// Count is the number of operations in the batch.
func (b *WriteBatch) Count() int { return int(b.rep.Count()) }

// Size is the encoded size in bytes, which is also its WAL record size.
func (b *WriteBatch) Size() int { return b.rep.Size() }

func (b *WriteBatch) Clear() { b.rep.Clear() }

// memtableInserter applies batch records to a memtable.
type memtableInserter struct {
	mem *memtable.MemTable
}

func (m memtableInserter) Put(seq dbformat.SequenceNumber, key, value []byte) error {
	m.mem.Add(seq, dbformat.TypeValue, key, value)
	return nil
}

func (m memtableInserter) Delete(seq dbformat.SequenceNumber, key []byte) error {
	m.mem.Add(seq, dbformat.TypeDeletion, key, nil)
	return nil
}

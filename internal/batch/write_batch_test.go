package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/rocklet/internal/dbformat"
)

type record struct {
	seq   dbformat.SequenceNumber
	typ   dbformat.ValueType
	key   string
	value string
}

// recorder records all operations for verification.
type recorder struct {
	records []record
	failAt  int
}

func (r *recorder) Put(seq dbformat.SequenceNumber, key, value []byte) error {
	r.records = append(r.records, record{seq, dbformat.TypeValue, string(key), string(value)})
	return r.maybeFail()
}

func (r *recorder) Delete(seq dbformat.SequenceNumber, key []byte) error {
	r.records = append(r.records, record{seq: seq, typ: dbformat.TypeDeletion, key: string(key)})
	return r.maybeFail()
}

func (r *recorder) maybeFail() error {
	if r.failAt > 0 && len(r.records) == r.failAt {
		return assert.AnError
	}
	return nil
}

func TestWriteBatchIterate(t *testing.T) {
	wb := New()
	assert.True(t, wb.Empty())
	wb.Put([]byte("a"), []byte("1"))
	wb.Delete([]byte("b"))
	wb.Put([]byte("c"), nil)
	wb.SetSequence(100)

	assert.EqualValues(t, 3, wb.Count())
	assert.EqualValues(t, 100, wb.Sequence())
	assert.EqualValues(t, 102, wb.LastSequence())

	var r recorder
	require.NoError(t, wb.Iterate(&r))
	assert.Equal(t, []record{
		{100, dbformat.TypeValue, "a", "1"},
		{101, dbformat.TypeDeletion, "b", ""},
		{102, dbformat.TypeValue, "c", ""},
	}, r.records)
}

func TestWriteBatchFromData(t *testing.T) {
	wb := New()
	wb.Put([]byte("key"), []byte("value"))
	wb.SetSequence(7)

	decoded, err := NewFromData(wb.Clone().Data())
	require.NoError(t, err)
	assert.Equal(t, wb.Data(), decoded.Data())

	var r recorder
	require.NoError(t, decoded.Iterate(&r))
	require.Len(t, r.records, 1)
	assert.EqualValues(t, 7, r.records[0].seq)

	_, err = NewFromData([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTooSmall)
}

func TestWriteBatchAppendAndClear(t *testing.T) {
	a, b := New(), New()
	a.Put([]byte("x"), []byte("1"))
	b.Delete([]byte("y"))
	b.Put([]byte("z"), []byte("2"))
	a.Append(b)
	assert.EqualValues(t, 3, a.Count())

	var r recorder
	require.NoError(t, a.Iterate(&r))
	assert.Equal(t, "z", r.records[2].key)

	a.SetSequence(9)
	a.Clear()
	assert.True(t, a.Empty())
	assert.Zero(t, a.Sequence())
	assert.Equal(t, HeaderSize, a.Size())
}

func TestWriteBatchCorruption(t *testing.T) {
	wb := New()
	wb.Put([]byte("key"), []byte("value"))
	good := wb.Data()

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated value", good[:len(good)-2]},
		{"unknown tag", append(append([]byte(nil), good[:HeaderSize]...), 0x7f, 1, 'k')},
		{"count mismatch", append(append([]byte(nil), good...), byte(dbformat.TypeDeletion), 1, 'k')},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wb, err := NewFromData(tt.data)
			require.NoError(t, err)
			assert.ErrorIs(t, wb.Iterate(&recorder{}), ErrCorrupted)
		})
	}
}

func TestWriteBatchHandlerError(t *testing.T) {
	wb := New()
	wb.Put([]byte("a"), nil)
	wb.Put([]byte("b"), nil)
	wb.Put([]byte("c"), nil)

	r := recorder{failAt: 2}
	assert.ErrorIs(t, wb.Iterate(&r), assert.AnError)
	assert.Len(t, r.records, 2)
}

func TestPool(t *testing.T) {
	wb := Get()
	wb.Put([]byte("k"), []byte("v"))
	Put(wb)

	again := Get()
	assert.True(t, again.Empty())
	assert.Equal(t, HeaderSize, again.Size())
}

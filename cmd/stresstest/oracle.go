package main

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// expectedState is the oracle: what every key should read as. A write
// holds its key's lock across the database call and the oracle update, so
// a reader holding the same lock sees both agree.
type expectedState struct {
	log2KeysPerLock uint
	locks           []sync.Mutex

	// values[k] is the value base stored under key k, 0 when absent.
	values []uint32
	// bases[k] is the last base handed out for key k.
	bases []uint32
}

func newExpectedState(numKeys int64, log2KeysPerLock uint) *expectedState {
	numLocks := (numKeys + 1<<log2KeysPerLock - 1) >> log2KeysPerLock
	return &expectedState{
		log2KeysPerLock: log2KeysPerLock,
		locks:           make([]sync.Mutex, numLocks),
		values:          make([]uint32, numKeys),
		bases:           make([]uint32, numKeys),
	}
}

func (e *expectedState) lockIndex(key int64) int { return int(key >> e.log2KeysPerLock) }

func (e *expectedState) mutexFor(key int64) *sync.Mutex { return &e.locks[e.lockIndex(key)] }

// nextBase returns a fresh value base for key. Caller holds the key lock.
func (e *expectedState) nextBase(key int64) uint32 {
	e.bases[key]++
	return e.bases[key]
}

// Caller holds the key lock for get, put and del.
func (e *expectedState) get(key int64) uint32       { return e.values[key] }
func (e *expectedState) put(key int64, base uint32) { e.values[key] = base }
func (e *expectedState) del(key int64)              { e.values[key] = 0 }
func (e *expectedState) numKeys() int64             { return int64(len(e.values)) }

func (e *expectedState) live() int {
	n := 0
	for _, v := range e.values {
		if v != 0 {
			n++
		}
	}
	return n
}

func makeKey(key int64) []byte {
	return fmt.Appendf(nil, "key%016d", key)
}

// makeValue encodes the key and value base so any value read back can be
// checked on its own.
// Format: [key:8 bytes][valueBase:4 bytes][padding...]
func makeValue(key int64, valueBase uint32, size int) []byte {
	value := make([]byte, max(size, 12))
	binary.LittleEndian.PutUint64(value[0:8], uint64(key))
	binary.LittleEndian.PutUint32(value[8:12], valueBase)
	for i := 12; i < len(value); i++ {
		value[i] = byte((int(key) + int(valueBase) + i) % 256)
	}
	return value
}

// checkValue returns the value base of value, or an error if value was not
// produced by makeValue for key.
func checkValue(key int64, value []byte) (uint32, error) {
	if len(value) < 12 {
		return 0, fmt.Errorf("key %d: value is %d bytes", key, len(value))
	}
	if stored := int64(binary.LittleEndian.Uint64(value[0:8])); stored != key {
		return 0, fmt.Errorf("key %d: value belongs to key %d", key, stored)
	}
	base := binary.LittleEndian.Uint32(value[8:12])
	want := makeValue(key, base, len(value))
	for i := 12; i < len(value); i++ {
		if value[i] != want[i] {
			return 0, fmt.Errorf("key %d: padding differs at byte %d", key, i)
		}
	}
	return base, nil
}

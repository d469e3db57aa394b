package main

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"

	"github.com/aalhour/rocklet"
)

// worker runs random operations against the shared database. Every
// operation holds the holder's read lock so that reopens see a quiet
// database and a consistent oracle.
type worker struct {
	id       int
	holder   *dbHolder
	expected *expectedState
	stats    *Stats
	rng      *rand.Rand
}

func (w *worker) randomKey() int64 { return w.rng.Int64N(w.expected.numKeys()) }

func (w *worker) writeOpts() *rocklet.WriteOptions {
	return &rocklet.WriteOptions{Sync: *syncWrites}
}

// mismatch records a verification failure.
func (w *worker) mismatch(format string, args ...any) {
	n := w.stats.verifyFail.Add(1)
	if *verbose || n <= 10 {
		fmt.Printf("❌ [thread %d] "+format+"\n", append([]any{w.id}, args...)...)
	}
}

// compare checks a read of key against the oracle base want.
func (w *worker) compare(op string, key int64, want uint32, value []byte, err error) error {
	switch {
	case want == 0 && errors.Is(err, rocklet.ErrNotFound):
		return nil
	case err != nil && !errors.Is(err, rocklet.ErrNotFound):
		return fmt.Errorf("%s key %d: %w", op, key, err)
	case want == 0:
		w.mismatch("%s key %d: expected absent, found a value", op, key)
	case err != nil:
		w.mismatch("%s key %d: expected base %d, not found", op, key, want)
	default:
		got, cerr := checkValue(key, value)
		if cerr != nil {
			w.mismatch("%s: %v", op, cerr)
		} else if got != want {
			w.mismatch("%s key %d: base %d, want %d", op, key, got, want)
		}
	}
	return nil
}

func (w *worker) doPut(db *rocklet.DB) error {
	key := w.randomKey()
	mu := w.expected.mutexFor(key)
	mu.Lock()
	defer mu.Unlock()

	base := w.expected.nextBase(key)
	if err := db.Put(w.writeOpts(), makeKey(key), makeValue(key, base, *valueSize)); err != nil {
		return fmt.Errorf("put key %d: %w", key, err)
	}
	w.expected.put(key, base)
	w.stats.puts.Add(1)
	return nil
}

func (w *worker) doGet(db *rocklet.DB) error {
	key := w.randomKey()
	mu := w.expected.mutexFor(key)
	mu.Lock()
	defer mu.Unlock()

	value, err := db.Get(nil, makeKey(key))
	w.stats.gets.Add(1)
	return w.compare("get", key, w.expected.get(key), value, err)
}

func (w *worker) doDelete(db *rocklet.DB) error {
	key := w.randomKey()
	mu := w.expected.mutexFor(key)
	mu.Lock()
	defer mu.Unlock()

	if err := db.Delete(w.writeOpts(), makeKey(key)); err != nil {
		return fmt.Errorf("delete key %d: %w", key, err)
	}
	w.expected.del(key)
	w.stats.deletes.Add(1)
	return nil
}

// doBatch writes puts and deletes for several keys in one batch. Lock
// stripes are taken in ascending order.
func (w *worker) doBatch(db *rocklet.DB) error {
	n := 2 + w.rng.IntN(7)
	keys := make([]int64, 0, n)
	for range n {
		keys = append(keys, w.randomKey())
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	var held []*sync.Mutex
	last := -1
	for _, k := range keys {
		if idx := w.expected.lockIndex(k); idx != last {
			mu := w.expected.mutexFor(k)
			mu.Lock()
			held = append(held, mu)
			last = idx
		}
	}
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}()

	wb := rocklet.NewWriteBatch()
	bases := make([]uint32, len(keys))
	for i, k := range keys {
		if w.rng.IntN(4) == 0 {
			wb.Delete(makeKey(k))
			continue
		}
		bases[i] = w.expected.nextBase(k)
		wb.Put(makeKey(k), makeValue(k, bases[i], *valueSize))
	}
	if err := db.Write(w.writeOpts(), wb); err != nil {
		return fmt.Errorf("batch of %d: %w", wb.Count(), err)
	}
	for i, k := range keys {
		if bases[i] == 0 {
			w.expected.del(k)
		} else {
			w.expected.put(k, bases[i])
		}
	}
	w.stats.batches.Add(1)
	return nil
}

// doIterScan scans a short range without locks. Concurrent writes make
// the oracle unusable here, so it checks ordering, bounds and that every
// value belongs to its key.
func (w *worker) doIterScan(db *rocklet.DB) error {
	start := w.randomKey()
	end := min(start+1+w.rng.Int64N(200), w.expected.numKeys())
	lower, upper := makeKey(start), makeKey(end)

	it := db.NewIterator(nil, lower, upper)
	defer it.Close()
	var prev []byte
	for it.SeekToFirst(); it.Valid(); it.Next() {
		k := it.Key()
		if bytes.Compare(k, lower) < 0 || bytes.Compare(k, upper) >= 0 {
			w.mismatch("iter: key %q outside [%q, %q)", k, lower, upper)
		}
		if prev != nil && bytes.Compare(prev, k) >= 0 {
			w.mismatch("iter: key %q after %q", k, prev)
		}
		prev = append(prev[:0], k...)

		num, err := strconv.ParseInt(string(bytes.TrimPrefix(k, []byte("key"))), 10, 64)
		if err != nil {
			w.mismatch("iter: unexpected key %q", k)
			continue
		}
		if _, err := checkValue(num, it.Value()); err != nil {
			w.mismatch("iter: %v", err)
		}
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("iter [%d, %d): %w", start, end, err)
	}
	w.stats.iterScans.Add(1)
	return nil
}

// doSnapshotVerify reads a key through a snapshot, overwrites it, and
// checks the snapshot still returns the first read.
func (w *worker) doSnapshotVerify(db *rocklet.DB) error {
	key := w.randomKey()
	mu := w.expected.mutexFor(key)
	mu.Lock()
	defer mu.Unlock()

	snap := db.GetSnapshot()
	if snap == nil {
		return fmt.Errorf("snapshot: database not open")
	}
	defer db.ReleaseSnapshot(snap)
	ro := &rocklet.ReadOptions{Snapshot: snap}

	before, errBefore := db.Get(ro, makeKey(key))
	if err := w.compare("snapshot", key, w.expected.get(key), before, errBefore); err != nil {
		return err
	}

	base := w.expected.nextBase(key)
	if err := db.Put(w.writeOpts(), makeKey(key), makeValue(key, base, *valueSize)); err != nil {
		return fmt.Errorf("snapshot put key %d: %w", key, err)
	}
	w.expected.put(key, base)

	after, errAfter := db.Get(ro, makeKey(key))
	if errors.Is(errBefore, rocklet.ErrNotFound) != errors.Is(errAfter, rocklet.ErrNotFound) || !bytes.Equal(before, after) {
		w.mismatch("snapshot key %d: read changed from (%v) to (%v) under snapshot %d",
			key, errBefore, errAfter, snap.Sequence())
	}
	w.stats.snapshotVerifies.Add(1)
	return nil
}

func (w *worker) doCompact(db *rocklet.DB) error {
	start := w.randomKey()
	end := min(start+1+w.rng.Int64N(w.expected.numKeys()/4+1), w.expected.numKeys())
	if err := db.CompactRange(makeKey(start), makeKey(end)); err != nil {
		return fmt.Errorf("compact [%d, %d): %w", start, end, err)
	}
	w.stats.compactions.Add(1)
	return nil
}

// verifyAll checks every key against the oracle. The caller guarantees
// that no operation is in flight.
func verifyAll(db *rocklet.DB, expected *expectedState, stats *Stats) error {
	w := &worker{id: -1, expected: expected, stats: stats}
	before := stats.verifyFail.Load()

	for key := range expected.numKeys() {
		value, err := db.Get(nil, makeKey(key))
		if err := w.compare("verify", key, expected.get(key), value, err); err != nil {
			return err
		}
	}

	it := db.NewIterator(nil, nil, nil)
	n := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		n++
	}
	err := it.Error()
	it.Close()
	if err != nil {
		return fmt.Errorf("verify scan: %w", err)
	}
	if want := expected.live(); n != want {
		w.mismatch("verify scan: %d keys, want %d", n, want)
	}

	if failed := stats.verifyFail.Load() - before; failed > 0 {
		return fmt.Errorf("%d verification failures", failed)
	}
	stats.fullVerifies.Add(1)
	return nil
}

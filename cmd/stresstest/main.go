// Stress test for rocklet.
//
// The tool runs concurrent random operations against one database and
// checks every read against an expected state oracle.
//
// Design:
//   - Per-key locking: a write holds its key's lock across the database
//     call and the oracle update, so reads under the same lock can be
//     checked exactly.
//   - Self-describing values: every value encodes its key and a value
//     base, so unlocked scans can still be checked for misplaced data.
//   - Periodic reopens stop all workers, close the database, reopen it
//     and verify every key before traffic resumes.
//
// Operations: puts, gets, deletes, batch writes, bounded iterator scans,
// snapshot isolation checks and manual range compactions, with periodic
// flushes in the background.
//
// Usage: go run ./cmd/stresstest [flags]
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/rocklet"
	"github.com/aalhour/rocklet/internal/compression"
	"github.com/aalhour/rocklet/internal/logging"
)

var (
	// Test configuration
	duration     = flag.Duration("duration", 60*time.Second, "Test duration")
	numKeys      = flag.Int64("keys", 10000, "Number of keys in the key space")
	valueSize    = flag.Int("value-size", 100, "Size of each value in bytes (at least 12)")
	numThreads   = flag.Int("threads", 32, "Number of concurrent threads")
	reopenPeriod = flag.Duration("reopen", 10*time.Second, "Period between database reopens (0 to disable)")
	flushPeriod  = flag.Duration("flush", 5*time.Second, "Period between flushes (0 to disable)")
	dbPath       = flag.String("db", "", "Database path (default: temp directory)")
	keepDB       = flag.Bool("keep", false, "Keep database after test")
	verbose      = flag.Bool("v", false, "Verbose output")
	seed         = flag.Uint64("seed", 0, "Random seed (0 for time-based)")

	// Operation weights
	putWeight            = flag.Int("put", 35, "Put operation weight")
	getWeight            = flag.Int("get", 30, "Get operation weight")
	deleteWeight         = flag.Int("delete", 10, "Delete operation weight")
	batchWeight          = flag.Int("batch", 10, "Batch write weight")
	iterWeight           = flag.Int("iter", 5, "Iterator scan weight")
	snapshotVerifyWeight = flag.Int("snapshot-verify", 5, "Snapshot isolation verification weight")
	compactWeight        = flag.Int("compact", 1, "Manual compaction weight")

	// Locking configuration
	log2KeysPerLock = flag.Uint("log2-keys-per-lock", 2, "Log2 of number of keys per lock (default: 4 keys per lock)")

	// Database options
	compressionType = flag.String("compression", "none", "Compression type: none, snappy, lz4, zstd")
	syncWrites      = flag.Bool("sync", false, "Sync writes to disk")
	blockSize       = flag.Int("block-size", 4096, "Table block size in bytes")
	writeBufferSize = flag.Int("write-buffer-size", 4*1024*1024, "Memtable size in bytes")
	bloomBits       = flag.Int("bloom-bits", 10, "Bloom filter bits per key (0 to disable)")

	randomizeParams = flag.Bool("randomize", false, "Randomize database parameters")
)

// Stats tracks operation counts.
type Stats struct {
	puts             atomic.Uint64
	gets             atomic.Uint64
	deletes          atomic.Uint64
	batches          atomic.Uint64
	iterScans        atomic.Uint64
	snapshotVerifies atomic.Uint64
	compactions      atomic.Uint64
	flushes          atomic.Uint64
	reopens          atomic.Uint64
	fullVerifies     atomic.Uint64
	errors           atomic.Uint64
	verifyFail       atomic.Uint64
}

// dbHolder lets the reopener swap the database under running workers.
type dbHolder struct {
	mu   sync.RWMutex
	db   *rocklet.DB
	path string
}

func main() {
	flag.Parse()

	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}
	if *randomizeParams {
		randomizeAllParameters(rand.New(rand.NewPCG(*seed, 0)))
	}

	printBanner()

	testDir := *dbPath
	if testDir == "" {
		dir, err := os.MkdirTemp("", "rocklet-stress-")
		if err != nil {
			fmt.Printf("❌ STRESS TEST FAILED: %v\n", err)
			os.Exit(1)
		}
		testDir = dir
	}

	stats := &Stats{}
	err := runStressTest(testDir, stats)
	printStats(stats)
	if err != nil {
		fmt.Printf("\n❌ STRESS TEST FAILED: %v\n", err)
		fmt.Printf("📁 Database kept at: %s\n", testDir)
		os.Exit(1)
	}
	fmt.Println("✅ STRESS TEST PASSED")

	if *keepDB {
		fmt.Printf("\n📁 Database kept at: %s\n", testDir)
	} else if *dbPath == "" {
		os.RemoveAll(testDir)
	}
}

func printBanner() {
	line := func(content string) {
		fmt.Printf("║ %-63s ║\n", content)
	}

	fmt.Println("╔═════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                     rocklet Stress Test                         ║")
	fmt.Println("╠═════════════════════════════════════════════════════════════════╣")
	line(fmt.Sprintf("Duration: %-10s Keys: %-10d Threads: %-6d", *duration, *numKeys, *numThreads))
	line(fmt.Sprintf("Seed: %-20d", *seed))
	line(fmt.Sprintf("Value Size: %-6d bytes  Keys/Lock: %-4d", *valueSize, 1<<*log2KeysPerLock))
	fmt.Println("╠─────────────────────────────────────────────────────────────────╣")
	line(fmt.Sprintf("Weights: put=%d get=%d del=%d batch=%d iter=%d",
		*putWeight, *getWeight, *deleteWeight, *batchWeight, *iterWeight))
	line(fmt.Sprintf("         snap-verify=%d compact=%d", *snapshotVerifyWeight, *compactWeight))
	fmt.Println("╠─────────────────────────────────────────────────────────────────╣")
	line(fmt.Sprintf("Compression: %-8s  Bloom: %-4d bits  Sync: %-5v", *compressionType, *bloomBits, *syncWrites))
	line(fmt.Sprintf("Block Size: %-8d  Write Buffer: %-10d", *blockSize, *writeBufferSize))
	fmt.Println("╚═════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// randomizeAllParameters picks database parameters at random.
func randomizeAllParameters(rng *rand.Rand) {
	compressionTypes := []string{"none", "snappy", "lz4", "zstd"}
	*compressionType = compressionTypes[rng.IntN(len(compressionTypes))]

	blockSizes := []int{1024, 4096, 16384, 65536}
	*blockSize = blockSizes[rng.IntN(len(blockSizes))]

	// Small memtables force frequent flushes and compactions.
	writeBufferSizes := []int{64 << 10, 256 << 10, 1 << 20, 4 << 20}
	*writeBufferSize = writeBufferSizes[rng.IntN(len(writeBufferSizes))]

	*bloomBits = rng.IntN(21)
	*syncWrites = rng.IntN(5) == 0
}

func printStats(stats *Stats) {
	fmt.Println("\n📊 Statistics:")
	fmt.Printf("  Puts:              %d\n", stats.puts.Load())
	fmt.Printf("  Gets:              %d\n", stats.gets.Load())
	fmt.Printf("  Deletes:           %d\n", stats.deletes.Load())
	fmt.Printf("  Batches:           %d\n", stats.batches.Load())
	fmt.Printf("  Iterator scans:    %d\n", stats.iterScans.Load())
	fmt.Printf("  Snapshot verifies: %d\n", stats.snapshotVerifies.Load())
	fmt.Printf("  Compactions:       %d\n", stats.compactions.Load())
	fmt.Printf("  Flushes:           %d\n", stats.flushes.Load())
	fmt.Printf("  Reopens:           %d\n", stats.reopens.Load())
	fmt.Printf("  Full verifies:     %d\n", stats.fullVerifies.Load())
	fmt.Printf("  Errors:            %d\n", stats.errors.Load())
	fmt.Printf("  Verify failures:   %d\n", stats.verifyFail.Load())
}

func dbOptions() (*rocklet.Options, error) {
	ct, err := compression.ParseType(*compressionType)
	if err != nil {
		return nil, err
	}
	opts := rocklet.DefaultOptions()
	opts.Compression = ct
	opts.SyncWrites = *syncWrites
	opts.BlockSize = *blockSize
	opts.MemtableByteLimit = *writeBufferSize
	opts.BloomBitsPerKey = *bloomBits
	opts.Logger = logging.Discard
	if *verbose {
		opts.Logger = logging.NewDefaultLogger(logging.LevelInfo)
	}
	return opts, opts.Validate()
}

func runStressTest(path string, stats *Stats) error {
	opts, err := dbOptions()
	if err != nil {
		return err
	}
	if *valueSize < 12 {
		return fmt.Errorf("value-size must be at least 12, got %d", *valueSize)
	}
	db, err := rocklet.Open(path, opts)
	if err != nil {
		return err
	}
	holder := &dbHolder{db: db, path: path}
	expected := newExpectedState(*numKeys, *log2KeysPerLock)

	stop := make(chan struct{})
	failed := make(chan error, 1)
	fail := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := range *numThreads {
		w := &worker{
			id:       i,
			holder:   holder,
			expected: expected,
			stats:    stats,
			rng:      rand.New(rand.NewPCG(*seed, uint64(i)+1)),
		}
		wg.Go(func() { w.run(stop, fail) })
	}
	var bg sync.WaitGroup
	if *flushPeriod > 0 {
		bg.Go(func() { runFlusher(holder, stats, stop, fail) })
	}
	if *reopenPeriod > 0 {
		bg.Go(func() { runReopener(holder, opts, expected, stats, stop, fail) })
	}

	var runErr error
	select {
	case <-time.After(*duration):
	case runErr = <-failed:
	}
	close(stop)
	wg.Wait()
	bg.Wait()
	if runErr == nil {
		select {
		case runErr = <-failed:
		default:
		}
	}

	// Final checks: the live database, then a fresh open.
	holder.mu.Lock()
	defer holder.mu.Unlock()
	if holder.db == nil {
		if runErr != nil {
			return runErr
		}
		return fmt.Errorf("database was not reopened")
	}
	if runErr == nil {
		fmt.Println("\n🔍 Running final verification...")
		runErr = verifyAll(holder.db, expected, stats)
	}
	if err := holder.db.Close(); err != nil && runErr == nil {
		runErr = err
	}
	holder.db = nil
	if runErr != nil {
		return runErr
	}

	db, err = rocklet.Open(path, opts)
	if err != nil {
		return fmt.Errorf("reopen for verification: %w", err)
	}
	defer db.Close()
	if err := verifyAll(db, expected, stats); err != nil {
		return fmt.Errorf("after reopen: %w", err)
	}
	if n := stats.verifyFail.Load(); n > 0 {
		return fmt.Errorf("%d verification failures", n)
	}
	return nil
}

type weightedOp struct {
	weight int
	run    func(*worker, *rocklet.DB) error
}

func (w *worker) run(stop <-chan struct{}, fail func(error)) {
	ops := []weightedOp{
		{*putWeight, (*worker).doPut},
		{*getWeight, (*worker).doGet},
		{*deleteWeight, (*worker).doDelete},
		{*batchWeight, (*worker).doBatch},
		{*iterWeight, (*worker).doIterScan},
		{*snapshotVerifyWeight, (*worker).doSnapshotVerify},
		{*compactWeight, (*worker).doCompact},
	}
	total := 0
	for _, op := range ops {
		total += op.weight
	}
	if total <= 0 {
		return
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		pick := w.rng.IntN(total)
		var op weightedOp
		for _, op = range ops {
			if pick < op.weight {
				break
			}
			pick -= op.weight
		}

		w.holder.mu.RLock()
		db := w.holder.db
		var err error
		if db != nil {
			err = op.run(w, db)
		}
		w.holder.mu.RUnlock()
		if err != nil {
			w.stats.errors.Add(1)
			fail(fmt.Errorf("thread %d: %w", w.id, err))
			return
		}
	}
}

func runFlusher(holder *dbHolder, stats *Stats, stop <-chan struct{}, fail func(error)) {
	ticker := time.NewTicker(*flushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			holder.mu.RLock()
			var err error
			if holder.db != nil {
				err = holder.db.Flush()
			}
			holder.mu.RUnlock()
			if err != nil {
				stats.errors.Add(1)
				fail(fmt.Errorf("flush: %w", err))
				return
			}
			stats.flushes.Add(1)
		}
	}
}

func runReopener(holder *dbHolder, opts *rocklet.Options, expected *expectedState, stats *Stats, stop <-chan struct{}, fail func(error)) {
	ticker := time.NewTicker(*reopenPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if err := reopen(holder, opts, expected, stats); err != nil {
			stats.errors.Add(1)
			fail(err)
			return
		}
	}
}

func reopen(holder *dbHolder, opts *rocklet.Options, expected *expectedState, stats *Stats) error {
	holder.mu.Lock()
	defer holder.mu.Unlock()
	if *verbose {
		fmt.Println("🔄 Reopening database...")
	}

	if err := holder.db.Close(); err != nil {
		holder.db = nil
		return fmt.Errorf("close: %w", err)
	}
	db, err := rocklet.Open(holder.path, opts)
	if err != nil {
		holder.db = nil
		return fmt.Errorf("reopen: %w", err)
	}
	holder.db = db
	stats.reopens.Add(1)

	if err := verifyAll(db, expected, stats); err != nil {
		return fmt.Errorf("after reopen %d: %w", stats.reopens.Load(), err)
	}
	if *verbose {
		fmt.Println("✅ Database reopened and verified")
	}
	return nil
}

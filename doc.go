/*
Package rocklet provides a pure-Go embedded durable key/value store built
on a log-structured merge tree.

Writes are appended to a write-ahead log and inserted into an in-memory
table. Full memtables are flushed to immutable sorted table files in
level 0, and a background compactor merges tables into deeper levels,
dropping overwritten and deleted entries no reader can still see. The
MANIFEST records the live table set; every change to it is appended and
synced before obsolete files are removed.

# Usage

	err := rocklet.WithDB("/tmp/data", rocklet.DefaultOptions(), func(db *rocklet.DB) error {
		if err := db.Put(nil, []byte("k"), []byte("v")); err != nil {
			return err
		}
		v, err := db.Get(nil, []byte("k"))
		...
	})

For runnable programs, see the repository's examples directory.

# Concurrency

A DB is safe for concurrent use by multiple goroutines. Writes are
serialized; reads never wait for writes, flushes or compactions. An
Iterator is not safe for concurrent use; each goroutine should use its
own.

# Durability

A write acknowledged with WriteOptions.Sync (or Options.SyncWrites) is
recovered after a crash. Other acknowledged writes are recovered if the
operating system persisted them; recovery always yields a prefix of the
acknowledged writes.
*/
package rocklet

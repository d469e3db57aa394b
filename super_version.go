package rocklet

import (
	"sync/atomic"

	"github.com/aalhour/rocklet/internal/memtable"
	"github.com/aalhour/rocklet/internal/version"
)

// superVersion pins the memtables and the table Version a read uses. A
// reader acquires it once and sees a fixed set of sources even while
// flushes and compactions install new ones.
type superVersion struct {
	mem     *memtable.MemTable
	imm     *memtable.MemTable
	current *version.Version
	refs    atomic.Int32
}

func (sv *superVersion) unref() {
	if sv.refs.Add(-1) == 0 {
		sv.current.Unref()
	}
}

// installSuperVersionLocked publishes the current mem, imm and Version.
// db.mu must be held.
func (db *DB) installSuperVersionLocked() {
	sv := &superVersion{
		mem:     db.mem,
		imm:     db.imm,
		current: db.vs.Current(),
	}
	sv.refs.Store(1)
	if old := db.sv.Swap(sv); old != nil {
		old.unref()
	}
}

// acquireSuperVersion returns the published super version with a reference
// the caller releases with unref, or nil once the DB has closed.
func (db *DB) acquireSuperVersion() *superVersion {
	for {
		sv := db.sv.Load()
		if sv == nil {
			return nil
		}
		n := sv.refs.Load()
		// A count of zero means the super version was retired after Load.
		if n > 0 && sv.refs.CompareAndSwap(n, n+1) {
			return sv
		}
	}
}

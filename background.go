package rocklet

import (
	"github.com/aalhour/rocklet/internal/logging"
)

// backgroundLoop runs flushes and automatic compactions one at a time
// until Close.
func (db *DB) backgroundLoop() {
	defer close(db.bgDone)
	for {
		select {
		case <-db.shutdownCh:
			return
		case <-db.flushCh:
		case <-db.compactCh:
		}

		if err := db.flushImmutable(); err != nil {
			db.logger.Errorf(logging.NSFlush+"%v", err)
			continue
		}
		if db.opts.DisableAutoCompaction {
			continue
		}
		db.runAutoCompactions()
	}
}

func (db *DB) scheduleFlush() {
	select {
	case db.flushCh <- struct{}{}:
	default:
	}
}

func (db *DB) maybeScheduleCompaction() {
	if db.opts.DisableAutoCompaction {
		return
	}
	select {
	case db.compactCh <- struct{}{}:
	default:
	}
}

func (db *DB) shuttingDown() bool {
	select {
	case <-db.shutdownCh:
		return true
	default:
		return false
	}
}

func (db *DB) backgroundError() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.bgErr
}

// setBackgroundError stops all further writes. Reads keep working.
func (db *DB) setBackgroundError(err error) {
	db.mu.Lock()
	first := db.bgErr == nil
	if first {
		db.bgErr = err
	}
	db.immCond.Broadcast()
	db.mu.Unlock()
	if first {
		db.logger.Fatalf(logging.NSDB+"background error, writes stopped: %v", err)
	}
}

// setBackgroundErrorLocked is setBackgroundError with db.mu held.
func (db *DB) setBackgroundErrorLocked(err error) {
	if db.bgErr == nil {
		db.bgErr = err
		db.logger.Errorf(logging.NSDB+"background error, writes stopped: %v", err)
	}
	db.immCond.Broadcast()
}

package rocklet

import (
	"errors"

	"github.com/aalhour/rocklet/internal/table"
	"github.com/aalhour/rocklet/internal/wal"
)

// Error categories. Operations wrap the underlying cause, so both the
// category and the cause match errors.Is.
var (
	ErrOpen  = errors.New("rocklet: open failed")
	ErrWrite = errors.New("rocklet: write failed")
	ErrRead  = errors.New("rocklet: read failed")
	ErrClose = errors.New("rocklet: close failed")

	ErrNotFound     = errors.New("rocklet: key not found")
	ErrInvalidState = errors.New("rocklet: database is not open")

	ErrLocked     = errors.New("rocklet: database is locked by another process")
	ErrDBNotFound = errors.New("rocklet: database does not exist")
	ErrDBExists   = errors.New("rocklet: database already exists")

	ErrInvalidOptions = errors.New("rocklet: invalid options")

	// ErrLogCorruption is damage in the middle of a WAL segment.
	ErrLogCorruption = wal.ErrLogCorruption
	// ErrCorruptTable is a table whose footer, blocks or file checksum do
	// not verify.
	ErrCorruptTable = table.ErrCorruptTable
)

// Package vfs is the filesystem seam of the engine. Production code uses
// Default; tests wrap it in a FaultInjectionFS to lose unsynced data or to
// fail I/O on demand.
package vfs

import (
	"io"
	"os"
)

// FS is the set of filesystem operations the engine performs.
type FS interface {
	// Create creates or truncates name for writing.
	Create(name string) (WritableFile, error)
	Open(name string) (SequentialFile, error)
	OpenRandomAccess(name string) (RandomAccessFile, error)
	Rename(oldname, newname string) error
	Remove(name string) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
	Exists(name string) bool
	ListDir(path string) ([]string, error)
	// Lock takes an exclusive advisory lock on name. Closing the returned
	// value releases it.
	Lock(name string) (io.Closer, error)
	// SyncDir makes directory entries (creates, renames, removes) durable.
	SyncDir(path string) error
}

type WritableFile interface {
	io.Writer
	io.Closer
	Sync() error
}

type SequentialFile interface {
	io.Reader
	io.Closer
}

type RandomAccessFile interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

type osFS struct{}

// Default returns the operating system filesystem.
func Default() FS {
	return osFS{}
}

func (osFS) Create(name string) (WritableFile, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (osFS) Open(name string) (SequentialFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (osFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &randomAccessFile{File: f, size: info.Size()}, nil
}

func (osFS) Rename(oldname, newname string) error         { return os.Rename(oldname, newname) }
func (osFS) Remove(name string) error                     { return os.Remove(name) }
func (osFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (osFS) Stat(name string) (os.FileInfo, error)        { return os.Stat(name) }
func (osFS) Lock(name string) (io.Closer, error)          { return lockFile(name) }

func (osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (osFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (osFS) SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	syncErr := dir.Sync()
	closeErr := dir.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

type randomAccessFile struct {
	*os.File
	size int64
}

func (f *randomAccessFile) Size() int64 { return f.size }

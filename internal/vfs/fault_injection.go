package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrInjectedReadError  = errors.New("vfs: injected read error")
	ErrInjectedWriteError = errors.New("vfs: injected write error")
	ErrInjectedSyncError  = errors.New("vfs: injected sync error")
)

// FaultInjectionFS wraps an OS-backed FS and records, per file, how much
// has been written and how much has been synced. DropUnsyncedData and
// DeleteUnsyncedFiles turn that bookkeeping into the on-disk state a power
// loss would leave behind.
type FaultInjectionFS struct {
	base FS

	mu     sync.Mutex
	files  map[string]*fileState
	active bool

	// Path substrings; "" matches every path.
	readErr, writeErr, syncErr *string
}

type fileState struct {
	size       int64
	synced     int64
	dirSynced  bool
	wasCreated bool
}

func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:   base,
		files:  make(map[string]*fileState),
		active: true,
	}
}

// SetFilesystemActive(false) makes every mutating call fail, as if the
// process had died. Reads keep working.
func (fs *FaultInjectionFS) SetFilesystemActive(active bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.active = active
}

// InjectReadError fails opens of paths containing match.
func (fs *FaultInjectionFS) InjectReadError(match string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.readErr = &match
}

// InjectWriteError fails creates and writes of paths containing match.
func (fs *FaultInjectionFS) InjectWriteError(match string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.writeErr = &match
}

// InjectSyncError fails syncs of paths containing match.
func (fs *FaultInjectionFS) InjectSyncError(match string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.syncErr = &match
}

func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.readErr, fs.writeErr, fs.syncErr = nil, nil, nil
}

func matches(pattern *string, path string) bool {
	return pattern != nil && strings.Contains(path, *pattern)
}

func (fs *FaultInjectionFS) checkWrite(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.active || matches(fs.writeErr, path) {
		return ErrInjectedWriteError
	}
	return nil
}

// DropUnsyncedData truncates every tracked file to its last synced size.
func (fs *FaultInjectionFS) DropUnsyncedData() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var errs []error
	for path, st := range fs.files {
		if st.size == st.synced {
			continue
		}
		if err := os.Truncate(path, st.synced); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		st.size = st.synced
	}
	return errors.Join(errs...)
}

// DeleteUnsyncedFiles removes files whose directory entry was never synced.
func (fs *FaultInjectionFS) DeleteUnsyncedFiles() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var errs []error
	for path, st := range fs.files {
		if !st.wasCreated || st.dirSynced {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		delete(fs.files, path)
	}
	return errors.Join(errs...)
}

// FileState reports the tracked sizes of path.
func (fs *FaultInjectionFS) FileState(path string) (synced, size int64, ok bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st, ok := fs.files[filepath.Clean(path)]
	if !ok {
		return 0, 0, false
	}
	return st.synced, st.size, true
}

func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	if err := fs.checkWrite(name); err != nil {
		return nil, err
	}
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}
	path := filepath.Clean(name)
	fs.mu.Lock()
	fs.files[path] = &fileState{wasCreated: true}
	fs.mu.Unlock()
	return &faultFile{base: f, fs: fs, path: path}, nil
}

func (fs *FaultInjectionFS) Open(name string) (SequentialFile, error) {
	fs.mu.Lock()
	fail := matches(fs.readErr, name)
	fs.mu.Unlock()
	if fail {
		return nil, ErrInjectedReadError
	}
	return fs.base.Open(name)
}

func (fs *FaultInjectionFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	fs.mu.Lock()
	fail := matches(fs.readErr, name)
	fs.mu.Unlock()
	if fail {
		return nil, ErrInjectedReadError
	}
	return fs.base.OpenRandomAccess(name)
}

// Rename carries the tracked state over. The new entry is not durable
// until the directory is synced.
func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	if err := fs.checkWrite(newname); err != nil {
		return err
	}
	if err := fs.base.Rename(oldname, newname); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	oldPath, newPath := filepath.Clean(oldname), filepath.Clean(newname)
	if st, ok := fs.files[oldPath]; ok {
		st.dirSynced = false
		fs.files[newPath] = st
		delete(fs.files, oldPath)
	}
	return nil
}

func (fs *FaultInjectionFS) Remove(name string) error {
	if err := fs.checkWrite(name); err != nil {
		return err
	}
	if err := fs.base.Remove(name); err != nil {
		return err
	}
	fs.mu.Lock()
	delete(fs.files, filepath.Clean(name))
	fs.mu.Unlock()
	return nil
}

func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	if err := fs.checkWrite(path); err != nil {
		return err
	}
	return fs.base.MkdirAll(path, perm)
}

func (fs *FaultInjectionFS) Stat(name string) (os.FileInfo, error) { return fs.base.Stat(name) }
func (fs *FaultInjectionFS) Exists(name string) bool               { return fs.base.Exists(name) }
func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) { return fs.base.ListDir(path) }
func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error)   { return fs.base.Lock(name) }

func (fs *FaultInjectionFS) SyncDir(path string) error {
	fs.mu.Lock()
	fail := !fs.active || matches(fs.syncErr, path)
	fs.mu.Unlock()
	if fail {
		return ErrInjectedSyncError
	}
	if err := fs.base.SyncDir(path); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dir := filepath.Clean(path)
	for p, st := range fs.files {
		if filepath.Dir(p) == dir {
			st.dirSynced = true
		}
	}
	return nil
}

type faultFile struct {
	base WritableFile
	fs   *FaultInjectionFS
	path string
}

func (f *faultFile) Write(p []byte) (int, error) {
	if err := f.fs.checkWrite(f.path); err != nil {
		return 0, err
	}
	n, err := f.base.Write(p)
	f.fs.mu.Lock()
	if st, ok := f.fs.files[f.path]; ok {
		st.size += int64(n)
	}
	f.fs.mu.Unlock()
	return n, err
}

func (f *faultFile) Sync() error {
	f.fs.mu.Lock()
	fail := !f.fs.active || matches(f.fs.syncErr, f.path)
	f.fs.mu.Unlock()
	if fail {
		return ErrInjectedSyncError
	}
	if err := f.base.Sync(); err != nil {
		return err
	}
	f.fs.mu.Lock()
	if st, ok := f.fs.files[f.path]; ok {
		st.synced = st.size
	}
	f.fs.mu.Unlock()
	return nil
}

func (f *faultFile) Close() error {
	return f.base.Close()
}

//go:build !unix

package vfs

import (
	"io"
	"os"
)

type fileLock struct {
	f *os.File
}

// lockFile only guarantees the lock file exists on platforms without flock.
// TODO: use LockFileEx from golang.org/x/sys/windows.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	return l.f.Close()
}

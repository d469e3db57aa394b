package checksum

import (
	"io"

	"github.com/zeebo/xxh3"
)

// XXH3 returns the 64-bit xxh3 hash of data.
func XXH3(data []byte) uint64 {
	return xxh3.Hash(data)
}

// XXH3Reader streams the first n bytes of r through xxh3.
func XXH3Reader(r io.Reader, n int64) (uint64, error) {
	h := xxh3.New()
	if _, err := io.CopyN(h, r, n); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// FileHasher accumulates an xxh3 hash over everything written to a file.
type FileHasher struct {
	h *xxh3.Hasher
}

func NewFileHasher() *FileHasher {
	return &FileHasher{h: xxh3.New()}
}

func (f *FileHasher) Write(p []byte) (int, error) { return f.h.Write(p) }
func (f *FileHasher) Sum64() uint64               { return f.h.Sum64() }

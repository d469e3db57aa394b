package table

import (
	"fmt"

	"github.com/aalhour/rocklet/internal/cache"
	"github.com/aalhour/rocklet/internal/vfs"
)

// Cache keeps up to a fixed number of table readers open, keyed by file
// number. Readers pinned by a lookup or an iterator stay open past
// eviction until released.
type Cache struct {
	fs   vfs.FS
	path func(fileNum uint64) string
	opts ReaderOptions
	lru  *cache.LRU[uint64, *Reader]
}

// NewCache returns a table cache. path maps a file number to the table's
// file name.
func NewCache(fs vfs.FS, path func(uint64) string, capacity int, opts ReaderOptions) *Cache {
	return &Cache{
		fs:   fs,
		path: path,
		opts: opts,
		lru: cache.NewLRU(capacity, func(_ uint64, r *Reader) {
			_ = r.Close()
		}),
	}
}

// Find returns a pinned reader for fileNum, opening the file on a miss.
func (c *Cache) Find(fileNum uint64) (*cache.Handle[uint64, *Reader], error) {
	if h := c.lru.Lookup(fileNum); h != nil {
		return h, nil
	}
	name := c.path(fileNum)
	f, err := c.fs.OpenRandomAccess(name)
	if err != nil {
		return nil, fmt.Errorf("open table %s: %w", name, err)
	}
	r, err := Open(f, f.Size(), c.opts)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("table %s: %w", name, err)
	}
	return c.lru.Insert(fileNum, r), nil
}

func (c *Cache) Release(h *cache.Handle[uint64, *Reader]) {
	c.lru.Release(h)
}

// Get looks up ikey in table fileNum. See (*Reader).Get; the returned
// slices remain valid after the reader is evicted.
func (c *Cache) Get(fileNum uint64, ikey []byte) (key, value []byte, found bool, err error) {
	h, err := c.Find(fileNum)
	if err != nil {
		return nil, nil, false, err
	}
	defer c.Release(h)
	return h.Value().Get(ikey)
}

// NewIterator returns an iterator over table fileNum that keeps the reader
// pinned until Close.
func (c *Cache) NewIterator(fileNum uint64) (*CachedIterator, error) {
	h, err := c.Find(fileNum)
	if err != nil {
		return nil, err
	}
	return &CachedIterator{Iterator: h.Value().NewIterator(), c: c, h: h}, nil
}

// Verify opens fileNum, bypassing the cache, with full file checksum
// verification.
func (c *Cache) Verify(fileNum uint64) (Properties, error) {
	name := c.path(fileNum)
	f, err := c.fs.OpenRandomAccess(name)
	if err != nil {
		return Properties{}, err
	}
	r, err := Open(f, f.Size(), ReaderOptions{VerifyFileChecksum: true})
	if err != nil {
		_ = f.Close()
		return Properties{}, fmt.Errorf("table %s: %w", name, err)
	}
	defer r.Close()
	return r.Properties(), nil
}

// Evict drops fileNum from the cache. Call it before deleting the file.
func (c *Cache) Evict(fileNum uint64) {
	c.lru.Erase(fileNum)
}

func (c *Cache) Len() int { return c.lru.Len() }

// Close evicts every reader. Pinned readers close on their last release.
func (c *Cache) Close() {
	c.lru.Purge()
}

// CachedIterator is a table Iterator that unpins its reader on Close.
type CachedIterator struct {
	*Iterator
	c *Cache
	h *cache.Handle[uint64, *Reader]
}

func (it *CachedIterator) Close() error {
	if it.h != nil {
		it.c.Release(it.h)
		it.h = nil
	}
	return nil
}

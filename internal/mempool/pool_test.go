package mempool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetCapacity(t *testing.T) {
	p := NewPool()
	for _, n := range []int{0, 1, 100, 256, 257, 2000, 10000, 50000, 65536, 100000} {
		buf := p.Get(n)
		assert.GreaterOrEqual(t, cap(buf), n, "n=%d", n)
		assert.Empty(t, buf)
		p.Put(buf)
	}
}

func TestBucket(t *testing.T) {
	assert.Equal(t, 0, bucket(0))
	assert.Equal(t, 0, bucket(256))
	assert.Equal(t, 1, bucket(257))
	assert.Equal(t, 4, bucket(64<<10))
	assert.Equal(t, -1, bucket(64<<10+1))
}

func TestPutIgnoresOddCapacities(t *testing.T) {
	p := NewPool()
	p.Put(nil)
	p.Put(make([]byte, 0, 300))
	p.Put(make([]byte, 0, 1<<20))
	// A 300-byte buffer must not come back for a 1KB request.
	assert.GreaterOrEqual(t, cap(p.Get(1024)), 1024)
}

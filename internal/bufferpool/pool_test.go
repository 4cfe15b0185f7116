package bufferpool

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func image(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 64)
}

func TestPool_PutGetRoundTrip(t *testing.T) {
	p := NewPool(4)

	p.Put(1, image(0xAA))

	dst := make([]byte, 64)
	require.True(t, p.Get(1, dst))
	require.Equal(t, image(0xAA), dst)

	require.False(t, p.Get(2, dst))
}

func TestPool_PutCopiesBuffer(t *testing.T) {
	p := NewPool(4)

	buf := image(0x01)
	p.Put(1, buf)
	buf[0] = 0xFF

	dst := make([]byte, 64)
	require.True(t, p.Get(1, dst))
	require.Equal(t, byte(0x01), dst[0])
}

func TestPool_RefreshExistingFrame(t *testing.T) {
	p := NewPool(2)

	p.Put(1, image(0x01))
	p.Put(1, image(0x02))
	require.Equal(t, 1, p.Len())

	dst := make([]byte, 64)
	require.True(t, p.Get(1, dst))
	require.Equal(t, image(0x02), dst)
}

func TestPool_EvictsWhenFull(t *testing.T) {
	p := NewPool(2)

	p.Put(1, image(0x01))
	p.Put(2, image(0x02))
	p.Put(3, image(0x03))

	require.Equal(t, 2, p.Len())
	dst := make([]byte, 64)
	require.True(t, p.Get(3, dst))
	require.Equal(t, image(0x03), dst)
}

func TestPool_EvictionKeepsPoolBounded(t *testing.T) {
	p := NewPool(2)

	p.Put(1, image(0x01))
	p.Put(2, image(0x02))

	dst := make([]byte, 64)
	require.True(t, p.Get(1, dst))
	p.Put(3, image(0x03))

	require.True(t, p.Get(3, dst))
	// one of the two originals is gone, the pool stays bounded
	require.Equal(t, 2, p.Len())
}

func TestPool_Invalidate(t *testing.T) {
	p := NewPool(4)

	p.Put(1, image(0x01))
	p.Invalidate(1)

	dst := make([]byte, 64)
	require.False(t, p.Get(1, dst))
	require.Zero(t, p.Len())

	// invalidating an absent page is a no-op
	p.Invalidate(99)
}

func TestClock_EvictOrder(t *testing.T) {
	c := NewClock(3)

	c.Touch(0)
	c.Touch(1)
	c.Touch(2)

	// all have ref bits: the first sweep clears them, then 0 goes first
	id, ok := c.Evict()
	require.True(t, ok)
	require.Equal(t, 0, id)

	// 1 and 2 remain; touching 1 saves it from the next eviction
	c.Touch(1)
	id, ok = c.Evict()
	require.True(t, ok)
	require.Equal(t, 2, id)

	require.Equal(t, 1, c.Size())
}

func TestClock_EmptyEvict(t *testing.T) {
	c := NewClock(2)
	_, ok := c.Evict()
	require.False(t, ok)

	c.Touch(0)
	c.Remove(0)
	_, ok = c.Evict()
	require.False(t, ok)
}

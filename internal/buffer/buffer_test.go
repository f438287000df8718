package buffer

import (
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/require"
)

func TestAllocAlignment(t *testing.T) {
	for _, size := range []int{1, Alignment - 1, Alignment, 3 * Alignment, 1 << 20} {
		buf, err := Alloc(size)
		require.NoError(t, err)
		require.Len(t, buf, size)
		require.True(t, Aligned(buf), "allocation of %d bytes is not aligned", size)
		require.NoError(t, Free(buf))
	}
}

func TestAllocInvalidSize(t *testing.T) {
	_, err := Alloc(0)
	require.Error(t, err)
	_, err = Alloc(-5)
	require.Error(t, err)
}

func TestAllocMatchesDirectioAlignment(t *testing.T) {
	// The directio package and this allocator must agree on what "aligned"
	// means, or buffers would pass one check and fail the other.
	require.Equal(t, directio.AlignSize, Alignment)
	require.True(t, Aligned(directio.AlignedBlock(directio.BlockSize)))
}

func TestFreeRejectsForeignBuffer(t *testing.T) {
	require.Error(t, Free(make([]byte, 64)))
}

func TestAlignedOffset(t *testing.T) {
	require.True(t, AlignedOffset(0))
	require.True(t, AlignedOffset(4096))
	require.True(t, AlignedOffset(1<<20))
	require.False(t, AlignedOffset(1))
	require.False(t, AlignedOffset(4095))
}

func TestPool(t *testing.T) {
	p, err := NewPool(Alignment, 4)
	require.NoError(t, err)
	defer p.Close()

	blocks := make([][]byte, 4)
	for i := range blocks {
		b, err := p.Get()
		require.NoError(t, err)
		require.Len(t, b, Alignment)
		require.True(t, Aligned(b))
		blocks[i] = b
	}

	// Exhausted.
	_, err = p.Get()
	require.ErrorIs(t, err, ErrAllocFailed)

	// Returned blocks come back out.
	require.NoError(t, p.Put(blocks[2]))
	b, err := p.Get()
	require.NoError(t, err)
	require.True(t, Aligned(b))
}

func TestPoolRejectsBadBlockSize(t *testing.T) {
	_, err := NewPool(100, 4)
	require.Error(t, err)
	_, err = NewPool(0, 4)
	require.Error(t, err)
}

func TestPoolPutForeignBlock(t *testing.T) {
	p, err := NewPool(Alignment, 2)
	require.NoError(t, err)
	defer p.Close()

	foreign, err := Alloc(Alignment)
	require.NoError(t, err)
	defer Free(foreign)

	require.ErrorIs(t, p.Put(foreign), ErrNotMapped)
}

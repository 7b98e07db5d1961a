package afs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acorn-os/acorn/pkg/blockdev"
)

func TestBitmapAllocIsLowestFirst(t *testing.T) {

	dev := blockdev.NewMem(8)
	bm := NewBitmap(2, 2)

	assert.Equal(t, uint32(2*BitsPerBlock), bm.Maximum())

	for want := uint32(0); want < 130; want++ {
		got, err := bm.Alloc(dev)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestBitmapDeallocReuse(t *testing.T) {

	dev := blockdev.NewMem(8)
	bm := NewBitmap(1, 1)

	for i := 0; i < 10; i++ {
		_, err := bm.Alloc(dev)
		require.NoError(t, err)
	}

	require.NoError(t, bm.Dealloc(dev, 4))
	require.NoError(t, bm.Dealloc(dev, 7))

	// the lowest freed bit comes back first
	got, err := bm.Alloc(dev)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), got)

	got, err = bm.Alloc(dev)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got)

	got, err = bm.Alloc(dev)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), got)
}

func TestBitmapExhaustion(t *testing.T) {

	dev := blockdev.NewMem(4)
	bm := NewBitmap(0, 1)

	for i := uint32(0); i < bm.Maximum(); i++ {
		_, err := bm.Alloc(dev)
		require.NoError(t, err)
	}

	_, err := bm.Alloc(dev)
	assert.Equal(t, ErrNoSpace, err)

	// freeing any bit makes allocation possible again
	require.NoError(t, bm.Dealloc(dev, 2048))
	got, err := bm.Alloc(dev)
	require.NoError(t, err)
	assert.Equal(t, uint32(2048), got)
}

func TestBitmapDoubleFreePanics(t *testing.T) {

	dev := blockdev.NewMem(4)
	bm := NewBitmap(0, 1)

	got, err := bm.Alloc(dev)
	require.NoError(t, err)
	require.NoError(t, bm.Dealloc(dev, got))

	assert.Panics(t, func() {
		_ = bm.Dealloc(dev, got)
	})
}

func TestBitmapSpansWordsAndBlocks(t *testing.T) {

	dev := blockdev.NewMem(8)
	bm := NewBitmap(3, 2)

	// fill the first block entirely, next allocation crosses into the
	// second bitmap block
	for i := uint32(0); i < BitsPerBlock; i++ {
		_, err := bm.Alloc(dev)
		require.NoError(t, err)
	}

	got, err := bm.Alloc(dev)
	require.NoError(t, err)
	assert.Equal(t, uint32(BitsPerBlock), got)
}

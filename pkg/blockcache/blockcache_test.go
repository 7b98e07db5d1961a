package blockcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acorn-os/acorn/pkg/blockdev"
)

func TestWriteBackOnSync(t *testing.T) {

	dev := blockdev.NewMem(32)

	err := With(dev, 5, func(b *Buf) error {
		copy(b.Bytes(), "hello block five")
		b.SetDirty()
		return nil
	})
	require.NoError(t, err)

	// not flushed yet
	raw := make([]byte, blockdev.BlockSize)
	require.NoError(t, dev.ReadBlock(5, raw))
	assert.Equal(t, make([]byte, blockdev.BlockSize), raw)

	require.NoError(t, SyncAll())

	require.NoError(t, dev.ReadBlock(5, raw))
	assert.Equal(t, []byte("hello block five"), raw[:16])
}

func TestEvictionFlushesDirtyBlocks(t *testing.T) {

	dev := blockdev.NewMem(64)

	// touch more blocks than the cache holds; early entries get evicted
	// and must land on the device without an explicit sync
	for i := uint32(0); i < CacheSize*2; i++ {
		id := i
		err := With(dev, id, func(b *Buf) error {
			b.Bytes()[0] = byte(id + 1)
			b.SetDirty()
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, SyncAll())

	raw := make([]byte, blockdev.BlockSize)
	for i := uint32(0); i < CacheSize*2; i++ {
		require.NoError(t, dev.ReadBlock(i, raw))
		assert.Equal(t, byte(i+1), raw[0])
	}
}

func TestObjectCodec(t *testing.T) {

	type record struct {
		A uint32
		B [4]uint32
		C uint32
	}

	dev := blockdev.NewMem(8)
	out := record{A: 7, B: [4]uint32{1, 2, 3, 4}, C: 0xDEADBEEF}

	err := With(dev, 2, func(b *Buf) error {
		b.WriteObj(64, &out)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, SyncAll())

	var in record
	err = With(dev, 2, func(b *Buf) error {
		b.ReadObj(64, &in)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, out, in)

	// little-endian on the wire
	raw := make([]byte, blockdev.BlockSize)
	require.NoError(t, dev.ReadBlock(2, raw))
	assert.Equal(t, []byte{7, 0, 0, 0}, raw[64:68])
	assert.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, raw[84:88])
}

func TestSyncAllIsIdempotent(t *testing.T) {

	dev := blockdev.NewMem(8)

	err := With(dev, 1, func(b *Buf) error {
		b.Bytes()[0] = 0xFF
		b.SetDirty()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, SyncAll())

	// every resident entry is clean after a sync
	for _, b := range snapshot() {
		assert.False(t, b.dirty)
	}

	require.NoError(t, SyncAll())
}

func TestShutdownDropsEntries(t *testing.T) {

	dev := blockdev.NewMem(8)

	err := With(dev, 3, func(b *Buf) error {
		b.Bytes()[9] = 0x42
		b.SetDirty()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, Shutdown())
	assert.Equal(t, 0, cache.order.Len())

	raw := make([]byte, blockdev.BlockSize)
	require.NoError(t, dev.ReadBlock(3, raw))
	assert.Equal(t, byte(0x42), raw[9])
}

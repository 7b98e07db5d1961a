package blockdev

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDeviceRoundTrip(t *testing.T) {

	path := filepath.Join(t.TempDir(), "test.img")
	dev, err := CreateFile(path, 8)
	require.NoError(t, err)
	defer dev.Close()

	out := bytes.Repeat([]byte{0xA5}, BlockSize)
	err = dev.WriteBlock(3, out)
	require.NoError(t, err)

	in := make([]byte, BlockSize)
	err = dev.ReadBlock(3, in)
	require.NoError(t, err)
	assert.Equal(t, out, in)

	// untouched blocks read back zeroed
	err = dev.ReadBlock(7, in)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, BlockSize), in)
}

func TestFileDeviceReopen(t *testing.T) {

	path := filepath.Join(t.TempDir(), "test.img")
	dev, err := CreateFile(path, 4)
	require.NoError(t, err)

	out := bytes.Repeat([]byte{0x3C}, BlockSize)
	require.NoError(t, dev.WriteBlock(1, out))
	require.NoError(t, dev.Close())

	dev2, err := OpenFile(path)
	require.NoError(t, err)
	defer dev2.Close()
	assert.Equal(t, uint32(4), dev2.Blocks())

	in := make([]byte, BlockSize)
	require.NoError(t, dev2.ReadBlock(1, in))
	assert.Equal(t, out, in)
}

func TestFileDeviceErrors(t *testing.T) {

	path := filepath.Join(t.TempDir(), "test.img")
	dev, err := CreateFile(path, 2)
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, BlockSize)
	assert.Error(t, dev.ReadBlock(2, buf))
	assert.Error(t, dev.WriteBlock(9, buf))
	assert.Equal(t, ErrBufferSize, dev.ReadBlock(0, make([]byte, 100)))
	assert.Equal(t, ErrBufferSize, dev.WriteBlock(0, nil))
}

func TestMemDevice(t *testing.T) {

	dev := NewMem(16)
	assert.Equal(t, uint32(16), dev.Blocks())

	out := bytes.Repeat([]byte{0x11}, BlockSize)
	require.NoError(t, dev.WriteBlock(15, out))

	in := make([]byte, BlockSize)
	require.NoError(t, dev.ReadBlock(15, in))
	assert.Equal(t, out, in)

	assert.Error(t, dev.ReadBlock(16, in))
	assert.Equal(t, ErrBufferSize, dev.ReadBlock(0, in[:5]))
}

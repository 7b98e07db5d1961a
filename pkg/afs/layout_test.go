package afs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/acorn-os/acorn/pkg/blockdev"
)

func TestOnDiskStructureSizes(t *testing.T) {

	if n := binary.Size(&DiskInode{}); n != DiskInodeSize {
		t.Errorf("DiskInode encodes to %d bytes, want %d", n, DiskInodeSize)
	}
	if n := binary.Size(&DirEntry{}); n != DirentSize {
		t.Errorf("DirEntry encodes to %d bytes, want %d", n, DirentSize)
	}
	if n := binary.Size(&SuperBlock{}); n != 24 {
		t.Errorf("SuperBlock encodes to %d bytes, want 24", n)
	}
	if n := binary.Size(&indirectBlock{}); n != BlockSize {
		t.Errorf("indirect block encodes to %d bytes, want %d", n, BlockSize)
	}
}

func TestDirEntryNameRoundTrip(t *testing.T) {

	de := NewDirEntry("hello", 42)
	if de.Name() != "hello" {
		t.Errorf("got name %q", de.Name())
	}
	if de.IsEmpty() {
		t.Error("entry with a name reported empty")
	}

	p := de.encode()
	if len(p) != DirentSize {
		t.Fatalf("encoded to %d bytes", len(p))
	}
	back := decodeDirEntry(p)
	if back.Name() != "hello" || back.InodeNumber != 42 {
		t.Errorf("round trip gave %q/%d", back.Name(), back.InodeNumber)
	}

	var empty DirEntry
	if !empty.IsEmpty() {
		t.Error("zero entry not empty")
	}
	if !bytes.Equal((&DirEntry{}).encode(), make([]byte, DirentSize)) {
		t.Error("zero entry is not all-zero on disk")
	}
}

func TestTotalBlocks(t *testing.T) {

	cases := []struct {
		size uint32
		want uint32
	}{
		{0, 0},
		{1, 1},
		{BlockSize, 1},
		{BlockSize + 1, 2},
		{InodeDirectCount * BlockSize, InodeDirectCount},
		{InodeDirectCount*BlockSize + 1, InodeDirectCount + 2},
		{indirect1Bound * BlockSize, indirect1Bound + 1},
		{indirect1Bound*BlockSize + 1, indirect1Bound + 1 + 3},
		{(indirect1Bound + InodeIndirect1Count) * BlockSize, indirect1Bound + InodeIndirect1Count + 3},
		{(indirect1Bound + InodeIndirect1Count + 1) * BlockSize, indirect1Bound + InodeIndirect1Count + 1 + 4},
	}

	for _, c := range cases {
		if got := TotalBlocks(c.size); got != c.want {
			t.Errorf("TotalBlocks(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestBlocksNumNeeded(t *testing.T) {

	var d DiskInode
	d.initialize(TypeFile)

	if n := d.BlocksNumNeeded(3 * BlockSize); n != 3 {
		t.Errorf("fresh inode to 3 blocks needs %d", n)
	}

	d.Size = 3 * BlockSize
	if n := d.BlocksNumNeeded(3*BlockSize + 10); n != 1 {
		t.Errorf("crossing one block boundary needs %d", n)
	}
	if n := d.BlocksNumNeeded(d.Size); n != 0 {
		t.Errorf("same size needs %d", n)
	}
}

// grow a lone inode with hand-fed block ids and verify the indirection
// tree wires and unwinds exactly.
func TestIncreaseAndClearAcrossIndirection(t *testing.T) {

	dev := blockdev.NewMem(1024)
	var d DiskInode
	d.initialize(TypeFile)

	// enough to need the double-indirect tree: direct + indirect1 + 5
	dataBlocks := uint32(InodeDirectCount + InodeIndirect1Count + 5)
	size := dataBlocks * BlockSize
	needed := d.BlocksNumNeeded(size)

	want := TotalBlocks(size)
	if needed != want {
		t.Fatalf("fresh inode needs %d blocks, TotalBlocks says %d", needed, want)
	}

	ids := make([]uint32, 0, needed)
	for i := uint32(0); i < needed; i++ {
		ids = append(ids, 100+i)
	}

	err := d.IncreaseSize(size, ids, dev)
	if err != nil {
		t.Fatal(err)
	}

	// every inner block resolves to one of the ids we fed in
	seen := map[uint32]bool{}
	for inner := uint32(0); inner < dataBlocks; inner++ {
		id, err := d.blockID(inner, dev)
		if err != nil {
			t.Fatal(err)
		}
		if id < 100 || id >= 100+needed {
			t.Fatalf("inner block %d resolved to foreign id %d", inner, id)
		}
		if seen[id] {
			t.Fatalf("block id %d mapped twice", id)
		}
		seen[id] = true
	}

	freed, err := d.ClearSize(dev)
	if err != nil {
		t.Fatal(err)
	}
	if uint32(len(freed)) != want {
		t.Fatalf("ClearSize released %d blocks, want %d", len(freed), want)
	}

	// the same ids come back, each exactly once
	got := map[uint32]bool{}
	for _, id := range freed {
		if got[id] {
			t.Fatalf("block id %d released twice", id)
		}
		got[id] = true
	}
	for _, id := range ids {
		if !got[id] {
			t.Fatalf("block id %d never released", id)
		}
	}

	if d.Size != 0 || d.Indirect1 != 0 || d.Indirect2 != 0 {
		t.Error("cleared inode still references blocks")
	}
	for _, p := range d.Direct {
		if p != 0 {
			t.Error("cleared inode keeps direct pointers")
		}
	}
}

func TestDiskInodeReadWriteAt(t *testing.T) {

	dev := blockdev.NewMem(256)
	var d DiskInode
	d.initialize(TypeFile)

	payload := bytes.Repeat([]byte("abcdefgh"), 300) // 2400 bytes, 5 blocks
	size := uint32(len(payload))
	ids := []uint32{20, 21, 22, 23, 24}

	err := d.IncreaseSize(size, ids, dev)
	if err != nil {
		t.Fatal(err)
	}

	n, err := d.WriteAt(0, payload, dev)
	if err != nil || n != len(payload) {
		t.Fatalf("wrote %d bytes, err %v", n, err)
	}

	buf := make([]byte, len(payload))
	n, err = d.ReadAt(0, buf, dev)
	if err != nil || n != len(payload) {
		t.Fatalf("read %d bytes, err %v", n, err)
	}
	if !bytes.Equal(buf, payload) {
		t.Error("read back differs")
	}

	// offset read across a block boundary
	n, err = d.ReadAt(BlockSize-3, buf[:10], dev)
	if err != nil || n != 10 {
		t.Fatalf("boundary read gave %d, err %v", n, err)
	}
	if !bytes.Equal(buf[:10], payload[BlockSize-3:BlockSize+7]) {
		t.Error("boundary read differs")
	}

	// reading at and past EOF returns 0
	n, err = d.ReadAt(int(size), buf, dev)
	if err != nil || n != 0 {
		t.Errorf("read at EOF gave %d, err %v", n, err)
	}
	n, err = d.ReadAt(int(size)+100, buf, dev)
	if err != nil || n != 0 {
		t.Errorf("read past EOF gave %d, err %v", n, err)
	}
}

package afs

import (
	"fmt"

	"github.com/acorn-os/acorn/pkg/blockcache"
	"github.com/acorn-os/acorn/pkg/blockdev"
)

// SuperBlock sits in block 0 and records the sizes of the four regions
// that follow it: inode bitmap, inode area, data bitmap, data area.
type SuperBlock struct {
	Magic             uint32
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks   uint32
	DataBitmapBlocks  uint32
	DataAreaBlocks    uint32
}

func (sb *SuperBlock) initialize(total, inodeBitmap, inodeArea, dataBitmap, dataArea uint32) {
	sb.Magic = Magic
	sb.TotalBlocks = total
	sb.InodeBitmapBlocks = inodeBitmap
	sb.InodeAreaBlocks = inodeArea
	sb.DataBitmapBlocks = dataBitmap
	sb.DataAreaBlocks = dataArea
}

// IsValid reports whether the superblock carries the filesystem magic.
func (sb *SuperBlock) IsValid() bool {
	return sb.Magic == Magic
}

// InodeType distinguishes files from directories on disk.
type InodeType uint32

const (
	TypeFile      InodeType = 0
	TypeDirectory InodeType = 1
)

// DiskInode is the 128-byte on-disk descriptor of one file or directory.
// Size is the logical byte length; for directories it is the length of the
// entry stream. Unused pointer slots are zero.
type DiskInode struct {
	Size      uint32
	Direct    [InodeDirectCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	Type      InodeType
}

type indirectBlock [InodeIndirect1Count]uint32

func (d *DiskInode) initialize(t InodeType) {
	*d = DiskInode{Type: t}
}

// IsDir reports whether the inode describes a directory.
func (d *DiskInode) IsDir() bool {
	return d.Type == TypeDirectory
}

// IsFile reports whether the inode describes a regular file.
func (d *DiskInode) IsFile() bool {
	return d.Type == TypeFile
}

// DataBlocksFor returns the number of data blocks needed to hold size
// bytes, not counting indirect metadata blocks.
func DataBlocksFor(size uint32) uint32 {
	return (size + BlockSize - 1) / BlockSize
}

// DataBlocks returns the data blocks currently backing the inode.
func (d *DiskInode) DataBlocks() uint32 {
	return DataBlocksFor(d.Size)
}

// TotalBlocks returns the blocks an inode of the given size owns: its data
// blocks plus whatever indirect blocks the size forces into existence.
func TotalBlocks(size uint32) uint32 {

	data := DataBlocksFor(size)
	total := data

	if data > directBound {
		// the single-indirect block
		total++
	}
	if data > indirect1Bound {
		// the double-indirect block plus one indirect block per
		// started group of 128 entries
		total++
		total += (data - indirect1Bound + InodeIndirect1Count - 1) / InodeIndirect1Count
	}

	return total
}

// BlocksNumNeeded returns how many fresh blocks growing to newSize takes.
func (d *DiskInode) BlocksNumNeeded(newSize uint32) uint32 {
	if newSize < d.Size {
		panic(fmt.Errorf("inode cannot shrink from %d to %d bytes", d.Size, newSize))
	}
	return TotalBlocks(newSize) - TotalBlocks(d.Size)
}

// blockID resolves the inner-th data block of the inode to an absolute
// block id, walking the indirect blocks as needed.
func (d *DiskInode) blockID(inner uint32, dev blockdev.Device) (uint32, error) {

	var id uint32

	switch {
	case inner < directBound:
		id = d.Direct[inner]

	case inner < indirect1Bound:
		err := blockcache.With(dev, d.Indirect1, func(b *blockcache.Buf) error {
			var ind indirectBlock
			b.ReadObj(0, &ind)
			id = ind[inner-directBound]
			return nil
		})
		if err != nil {
			return 0, err
		}

	default:
		last := inner - indirect1Bound
		var sub uint32
		err := blockcache.With(dev, d.Indirect2, func(b *blockcache.Buf) error {
			var ind indirectBlock
			b.ReadObj(0, &ind)
			sub = ind[last/InodeIndirect1Count]
			return nil
		})
		if err != nil {
			return 0, err
		}
		err = blockcache.With(dev, sub, func(b *blockcache.Buf) error {
			var ind indirectBlock
			b.ReadObj(0, &ind)
			id = ind[last%InodeIndirect1Count]
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	return id, nil
}

// IncreaseSize grows the inode to newSize, wiring in exactly
// BlocksNumNeeded freshly allocated block ids: direct slots first, then the
// single-indirect block and its entries, then the double-indirect tree.
// The ids are consumed in order so images build reproducibly.
func (d *DiskInode) IncreaseSize(newSize uint32, newBlocks []uint32, dev blockdev.Device) error {

	if newSize < d.Size {
		panic(fmt.Errorf("inode cannot shrink from %d to %d bytes", d.Size, newSize))
	}
	if uint32(len(newBlocks)) != d.BlocksNumNeeded(newSize) {
		panic(fmt.Errorf("growing inode to %d bytes needs %d blocks, got %d",
			newSize, d.BlocksNumNeeded(newSize), len(newBlocks)))
	}

	next := func() uint32 {
		id := newBlocks[0]
		newBlocks = newBlocks[1:]
		return id
	}

	current := d.DataBlocks()
	d.Size = newSize
	total := d.DataBlocks()

	// direct slots
	for current < total && current < directBound {
		d.Direct[current] = next()
		current++
	}
	if total <= directBound {
		return nil
	}

	// single-indirect block
	if current == directBound {
		d.Indirect1 = next()
	}
	err := blockcache.With(dev, d.Indirect1, func(b *blockcache.Buf) error {
		var ind indirectBlock
		b.ReadObj(0, &ind)
		for current < total && current < indirect1Bound {
			ind[current-directBound] = next()
			current++
		}
		b.WriteObj(0, &ind)
		return nil
	})
	if err != nil {
		return err
	}
	if total <= indirect1Bound {
		return nil
	}

	// double-indirect tree
	if current == indirect1Bound {
		d.Indirect2 = next()
	}

	var ind2 indirectBlock
	err = blockcache.With(dev, d.Indirect2, func(b *blockcache.Buf) error {
		b.ReadObj(0, &ind2)
		return nil
	})
	if err != nil {
		return err
	}

	a0 := (current - indirect1Bound) / InodeIndirect1Count
	b0 := (current - indirect1Bound) % InodeIndirect1Count
	a1 := (total - indirect1Bound) / InodeIndirect1Count
	b1 := (total - indirect1Bound) % InodeIndirect1Count

	for a0 < a1 || (a0 == a1 && b0 < b1) {
		if b0 == 0 {
			ind2[a0] = next()
		}
		end := uint32(InodeIndirect1Count)
		if a0 == a1 {
			end = b1
		}
		err = blockcache.With(dev, ind2[a0], func(b *blockcache.Buf) error {
			var ind indirectBlock
			b.ReadObj(0, &ind)
			for j := b0; j < end; j++ {
				ind[j] = next()
			}
			b.WriteObj(0, &ind)
			return nil
		})
		if err != nil {
			return err
		}
		a0++
		b0 = 0
	}

	return blockcache.With(dev, d.Indirect2, func(b *blockcache.Buf) error {
		b.WriteObj(0, &ind2)
		return nil
	})
}

// ClearSize releases every block the inode owns and resets it to zero
// bytes. It returns the freed block ids: direct entries, the
// single-indirect block and its entries, then the double-indirect block
// with each of its indirect blocks followed by their entries. The caller
// returns the ids to the data bitmap; their count always equals
// TotalBlocks of the former size.
func (d *DiskInode) ClearSize(dev blockdev.Device) ([]uint32, error) {

	data := d.DataBlocks()
	v := make([]uint32, 0, TotalBlocks(d.Size))
	d.Size = 0

	n := data
	if n > directBound {
		n = directBound
	}
	for i := uint32(0); i < n; i++ {
		v = append(v, d.Direct[i])
		d.Direct[i] = 0
	}

	if data > directBound {
		v = append(v, d.Indirect1)
		n = data - directBound
		if n > InodeIndirect1Count {
			n = InodeIndirect1Count
		}
		err := blockcache.With(dev, d.Indirect1, func(b *blockcache.Buf) error {
			var ind indirectBlock
			b.ReadObj(0, &ind)
			for i := uint32(0); i < n; i++ {
				v = append(v, ind[i])
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		d.Indirect1 = 0
	}

	if data > indirect1Bound {
		v = append(v, d.Indirect2)
		remaining := data - indirect1Bound
		groups := (remaining + InodeIndirect1Count - 1) / InodeIndirect1Count

		var ind2 indirectBlock
		err := blockcache.With(dev, d.Indirect2, func(b *blockcache.Buf) error {
			b.ReadObj(0, &ind2)
			return nil
		})
		if err != nil {
			return nil, err
		}

		for g := uint32(0); g < groups; g++ {
			v = append(v, ind2[g])
			n = remaining - g*InodeIndirect1Count
			if n > InodeIndirect1Count {
				n = InodeIndirect1Count
			}
			err = blockcache.With(dev, ind2[g], func(b *blockcache.Buf) error {
				var ind indirectBlock
				b.ReadObj(0, &ind)
				for i := uint32(0); i < n; i++ {
					v = append(v, ind[i])
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
		d.Indirect2 = 0
	}

	return v, nil
}

// ReadAt copies up to len(buf) bytes starting at offset into buf, stopping
// at end of file. It returns the number of bytes read; 0 means EOF.
func (d *DiskInode) ReadAt(offset int, buf []byte, dev blockdev.Device) (int, error) {

	start := offset
	end := offset + len(buf)
	if end > int(d.Size) {
		end = int(d.Size)
	}
	if start >= end {
		return 0, nil
	}

	read := 0
	inner := uint32(start / BlockSize)

	for start < end {
		blockEnd := (start/BlockSize + 1) * BlockSize
		if blockEnd > end {
			blockEnd = end
		}
		n := blockEnd - start

		id, err := d.blockID(inner, dev)
		if err != nil {
			return read, err
		}

		err = blockcache.With(dev, id, func(b *blockcache.Buf) error {
			off := start % BlockSize
			copy(buf[read:read+n], b.Bytes()[off:off+n])
			return nil
		})
		if err != nil {
			return read, err
		}

		read += n
		start = blockEnd
		inner++
	}

	return read, nil
}

// WriteAt copies buf into the inode starting at offset. The inode must
// already be large enough; growing it is the caller's job.
func (d *DiskInode) WriteAt(offset int, buf []byte, dev blockdev.Device) (int, error) {

	start := offset
	end := offset + len(buf)
	if end > int(d.Size) {
		panic(fmt.Errorf("write of %d bytes at offset %d overruns inode of %d bytes",
			len(buf), offset, d.Size))
	}
	if start >= end {
		return 0, nil
	}

	written := 0
	inner := uint32(start / BlockSize)

	for start < end {
		blockEnd := (start/BlockSize + 1) * BlockSize
		if blockEnd > end {
			blockEnd = end
		}
		n := blockEnd - start

		id, err := d.blockID(inner, dev)
		if err != nil {
			return written, err
		}

		err = blockcache.With(dev, id, func(b *blockcache.Buf) error {
			off := start % BlockSize
			copy(b.Bytes()[off:off+n], buf[written:written+n])
			b.SetDirty()
			return nil
		})
		if err != nil {
			return written, err
		}

		written += n
		start = blockEnd
		inner++
	}

	return written, nil
}

// DirEntry binds a name to an inode id inside a directory's entry stream.
// The name field is NUL-padded; an empty name marks a deleted slot. The
// pad byte keeps the inode number four-byte aligned.
type DirEntry struct {
	NameBytes   [NameLengthLimit]byte
	_           byte
	InodeNumber uint32
}

// NewDirEntry builds an entry for name. Names longer than NameLengthLimit
// bytes are rejected by the façade before this point.
func NewDirEntry(name string, inodeNumber uint32) DirEntry {
	de := DirEntry{InodeNumber: inodeNumber}
	copy(de.NameBytes[:], name)
	return de
}

// Name returns the entry's name with NUL padding stripped.
func (de *DirEntry) Name() string {
	for i, c := range de.NameBytes {
		if c == 0 {
			return string(de.NameBytes[:i])
		}
	}
	return string(de.NameBytes[:])
}

// IsEmpty reports whether the slot is deleted or never used.
func (de *DirEntry) IsEmpty() bool {
	return de.NameBytes[0] == 0
}

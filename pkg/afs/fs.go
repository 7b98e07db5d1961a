package afs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 acorn-os authors
 */

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/acorn-os/acorn/pkg/blockcache"
	"github.com/acorn-os/acorn/pkg/blockdev"
)

// FileSystem is the descriptor tying a block device to the two bitmap
// allocators and the area geometry. One coarse mutex serializes every
// operation; the on-disk allocators are a single shared resource and
// fine-grained locking buys nothing here.
type FileSystem struct {
	mu             sync.Mutex
	dev            blockdev.Device
	inodeBitmap    Bitmap
	dataBitmap     Bitmap
	inodeAreaStart uint32
	dataAreaStart  uint32
}

// Create formats the device: zeroes every block, writes the superblock,
// sizes the bitmaps and areas, allocates inode 0 as the root directory and
// syncs. The data bitmap is sized so one of its blocks covers up to 4096
// data blocks plus itself.
func Create(dev blockdev.Device, totalBlocks, inodeBitmapBlocks uint32) (*FileSystem, error) {

	inodeBitmap := NewBitmap(1, inodeBitmapBlocks)
	inodeNum := inodeBitmap.Maximum()
	inodeAreaBlocks := (inodeNum*DiskInodeSize + BlockSize - 1) / BlockSize
	inodeTotalBlocks := inodeBitmapBlocks + inodeAreaBlocks
	dataTotalBlocks := totalBlocks - 1 - inodeTotalBlocks
	dataBitmapBlocks := (dataTotalBlocks + BitsPerBlock) / (BitsPerBlock + 1)
	dataAreaBlocks := dataTotalBlocks - dataBitmapBlocks

	fs := &FileSystem{
		dev:            dev,
		inodeBitmap:    inodeBitmap,
		dataBitmap:     NewBitmap(1+inodeTotalBlocks, dataBitmapBlocks),
		inodeAreaStart: 1 + inodeBitmapBlocks,
		dataAreaStart:  1 + inodeTotalBlocks + dataBitmapBlocks,
	}

	logrus.Debugf("formatting image: %d blocks, %d inodes, %d data blocks",
		totalBlocks, inodeNum, dataAreaBlocks)

	for i := uint32(0); i < totalBlocks; i++ {
		err := blockcache.With(dev, i, func(b *blockcache.Buf) error {
			buf := b.Bytes()
			for j := range buf {
				buf[j] = 0
			}
			b.SetDirty()
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	err := blockcache.With(dev, 0, func(b *blockcache.Buf) error {
		var sb SuperBlock
		sb.initialize(totalBlocks, inodeBitmapBlocks, inodeAreaBlocks,
			dataBitmapBlocks, dataAreaBlocks)
		b.WriteObj(0, &sb)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rootID, err := fs.allocInode()
	if err != nil {
		return nil, err
	}
	if rootID != 0 {
		panic(fmt.Errorf("root inode allocated id %d on a fresh image", rootID))
	}

	blockID, offset := fs.diskInodePos(rootID)
	err = blockcache.With(dev, blockID, func(b *blockcache.Buf) error {
		var di DiskInode
		di.initialize(TypeDirectory)
		b.WriteObj(offset, &di)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = blockcache.SyncAll()
	if err != nil {
		return nil, err
	}

	return fs, nil
}

// Open re-reads the superblock of a previously formatted device and
// rebuilds the descriptor. A bad magic number is a hard error.
func Open(dev blockdev.Device) (*FileSystem, error) {

	var sb SuperBlock
	err := blockcache.With(dev, 0, func(b *blockcache.Buf) error {
		b.ReadObj(0, &sb)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !sb.IsValid() {
		return nil, fmt.Errorf("not an acorn filesystem image (magic 0x%08x)", sb.Magic)
	}

	inodeTotalBlocks := sb.InodeBitmapBlocks + sb.InodeAreaBlocks

	logrus.Debugf("opened image: %d blocks, %d inode bitmap blocks, %d data area blocks",
		sb.TotalBlocks, sb.InodeBitmapBlocks, sb.DataAreaBlocks)

	return &FileSystem{
		dev:            dev,
		inodeBitmap:    NewBitmap(1, sb.InodeBitmapBlocks),
		dataBitmap:     NewBitmap(1+inodeTotalBlocks, sb.DataBitmapBlocks),
		inodeAreaStart: 1 + sb.InodeBitmapBlocks,
		dataAreaStart:  1 + inodeTotalBlocks + sb.DataBitmapBlocks,
	}, nil
}

// Device returns the block device backing the filesystem.
func (fs *FileSystem) Device() blockdev.Device {
	return fs.dev
}

// RootInode returns a handle for the root directory, inode 0.
func (fs *FileSystem) RootInode() *Inode {
	blockID, offset := fs.diskInodePos(0)
	return &Inode{blockID: blockID, offset: offset, fs: fs, dev: fs.dev}
}

// diskInodePos maps an inode id to the block holding it and the byte
// offset of its DiskInode within that block.
func (fs *FileSystem) diskInodePos(inodeID uint32) (uint32, int) {
	return fs.inodeAreaStart + inodeID/InodesPerBlock,
		int(inodeID%InodesPerBlock) * DiskInodeSize
}

// inodeID is the inverse of diskInodePos.
func (fs *FileSystem) inodeID(blockID uint32, offset int) uint32 {
	return (blockID-fs.inodeAreaStart)*InodesPerBlock + uint32(offset/DiskInodeSize)
}

func (fs *FileSystem) allocInode() (uint32, error) {
	return fs.inodeBitmap.Alloc(fs.dev)
}

func (fs *FileSystem) deallocInode(inodeID uint32) error {
	return fs.inodeBitmap.Dealloc(fs.dev, inodeID)
}

// inodeAllocated reports whether the inode bitmap bit for id is set.
func (fs *FileSystem) inodeAllocated(inodeID uint32) (bool, error) {

	blk := inodeID / BitsPerBlock
	w := (inodeID % BitsPerBlock) / 64
	mask := uint64(1) << (inodeID % 64)

	var set bool
	err := blockcache.With(fs.dev, 1+blk, func(b *blockcache.Buf) error {
		var words bitmapBlock
		b.ReadObj(0, &words)
		set = words[w]&mask != 0
		return nil
	})
	return set, err
}

// allocData allocates one data block and returns its absolute block id.
func (fs *FileSystem) allocData() (uint32, error) {
	bit, err := fs.dataBitmap.Alloc(fs.dev)
	if err != nil {
		return 0, err
	}
	return bit + fs.dataAreaStart, nil
}

// deallocData zeroes the block and returns it to the data bitmap, so that
// a later allocation always hands out clean blocks.
func (fs *FileSystem) deallocData(blockID uint32) error {

	err := blockcache.With(fs.dev, blockID, func(b *blockcache.Buf) error {
		buf := b.Bytes()
		for j := range buf {
			buf[j] = 0
		}
		b.SetDirty()
		return nil
	})
	if err != nil {
		return err
	}

	return fs.dataBitmap.Dealloc(fs.dev, blockID-fs.dataAreaStart)
}

// Package afs implements the acorn on-disk filesystem: a superblock, two
// bitmap allocators, a fixed inode area and a data area laid out over a
// 512-byte block device. The kernel and the host-side packer share this
// package; both drive it through FileSystem and Inode.
package afs

import (
	"errors"

	"github.com/acorn-os/acorn/pkg/blockdev"
)

const (
	// Magic identifies a formatted image in the superblock.
	Magic = 0x3b800001

	// BlockSize mirrors the device transfer unit.
	BlockSize = blockdev.BlockSize

	// DirentSize is the on-disk size of one directory entry.
	DirentSize = 32

	// NameLengthLimit caps directory entry names.
	NameLengthLimit = 27

	// InodeDirectCount is the number of direct data pointers per inode.
	InodeDirectCount = 28

	// InodeIndirect1Count is the number of block ids per indirect block.
	InodeIndirect1Count = BlockSize / 4

	// InodeIndirect2Count is the number of data blocks reachable through
	// the double-indirect pointer.
	InodeIndirect2Count = InodeIndirect1Count * InodeIndirect1Count

	// DiskInodeSize is the packed on-disk inode size; four fit per block.
	DiskInodeSize  = 128
	InodesPerBlock = BlockSize / DiskInodeSize

	// BitsPerBlock is the capacity of one bitmap block.
	BitsPerBlock = BlockSize * 8

	directBound    = InodeDirectCount
	indirect1Bound = directBound + InodeIndirect1Count
	indirect2Bound = indirect1Bound + InodeIndirect2Count
)

// Structural failures surfaced to callers. Corrupt on-disk state panics
// instead: this is a single-host teaching filesystem with no recovery.
var (
	ErrNotExist    = errors.New("no such file or directory")
	ErrExist       = errors.New("name already exists")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrInvalidPath = errors.New("invalid path")
	ErrNameTooLong = errors.New("name too long")
	ErrNoSpace     = errors.New("no space left on image")
)

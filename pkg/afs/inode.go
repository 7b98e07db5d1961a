package afs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/acorn-os/acorn/pkg/blockcache"
	"github.com/acorn-os/acorn/pkg/blockdev"
)

// Inode is the in-memory façade over one DiskInode: its position on disk
// plus shared handles to the filesystem and device. Handles are cheap and
// may be duplicated freely; they are read-only views of position. A handle
// deliberately survives removal of its underlying inode — reads then
// return whatever the cache last observed and writes are undefined.
type Inode struct {
	blockID uint32
	offset  int
	fs      *FileSystem
	dev     blockdev.Device
}

// InodeID returns the id of the disk inode this handle points at.
func (i *Inode) InodeID() uint32 {
	return i.fs.inodeID(i.blockID, i.offset)
}

// Size returns the inode's logical byte length.
func (i *Inode) Size() (uint32, error) {

	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()

	di, err := i.loadDiskInode()
	if err != nil {
		return 0, err
	}
	return di.Size, nil
}

// IsDir reports whether the handle points at a directory.
func (i *Inode) IsDir() (bool, error) {

	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()

	di, err := i.loadDiskInode()
	if err != nil {
		return false, err
	}
	return di.IsDir(), nil
}

func (i *Inode) loadDiskInode() (DiskInode, error) {
	var di DiskInode
	err := blockcache.With(i.dev, i.blockID, func(b *blockcache.Buf) error {
		b.ReadObj(i.offset, &di)
		return nil
	})
	return di, err
}

func (i *Inode) storeDiskInode(di *DiskInode) error {
	return blockcache.With(i.dev, i.blockID, func(b *blockcache.Buf) error {
		b.WriteObj(i.offset, di)
		return nil
	})
}

// splitPath breaks a relative slash-delimited path into components. Empty
// components (leading, trailing or doubled slashes, or an empty path) are
// hard errors.
func splitPath(path string) ([]string, error) {

	if path == "" {
		return nil, ErrInvalidPath
	}

	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("empty component in '%s': %w", path, ErrInvalidPath)
		}
	}

	return parts, nil
}

func decodeDirEntry(p []byte) DirEntry {
	var de DirEntry
	err := binary.Read(bytes.NewReader(p), binary.LittleEndian, &de)
	if err != nil {
		panic(fmt.Errorf("decoding directory entry: %w", err))
	}
	return de
}

func (de DirEntry) encode() []byte {
	buf := new(bytes.Buffer)
	err := binary.Write(buf, binary.LittleEndian, &de)
	if err != nil {
		panic(fmt.Errorf("encoding directory entry: %w", err))
	}
	return buf.Bytes()
}

// entryAt reads the idx-th directory entry slot.
func (i *Inode) entryAt(di *DiskInode, idx int) (DirEntry, error) {

	buf := make([]byte, DirentSize)
	n, err := di.ReadAt(idx*DirentSize, buf, i.dev)
	if err != nil {
		return DirEntry{}, err
	}
	if n != DirentSize {
		panic(fmt.Errorf("directory truncated at entry %d", idx))
	}

	return decodeDirEntry(buf), nil
}

// findEntry scans the directory for name, skipping deleted slots.
func (i *Inode) findEntry(di *DiskInode, name string) (uint32, bool, error) {

	count := int(di.Size) / DirentSize
	for idx := 0; idx < count; idx++ {
		de, err := i.entryAt(di, idx)
		if err != nil {
			return 0, false, err
		}
		if !de.IsEmpty() && de.Name() == name {
			return de.InodeNumber, true, nil
		}
	}

	return 0, false, nil
}

// removeEntry zeroes the slot holding name and returns the inode id it
// bound. The directory's size never shrinks; the slot stays as a hole.
func (i *Inode) removeEntry(di *DiskInode, name string) (uint32, bool, error) {

	count := int(di.Size) / DirentSize
	for idx := 0; idx < count; idx++ {
		de, err := i.entryAt(di, idx)
		if err != nil {
			return 0, false, err
		}
		if de.IsEmpty() || de.Name() != name {
			continue
		}
		zero := make([]byte, DirentSize)
		_, err = di.WriteAt(idx*DirentSize, zero, i.dev)
		if err != nil {
			return 0, false, err
		}
		return de.InodeNumber, true, nil
	}

	return 0, false, nil
}

// appendEntry writes a fresh entry after the last slot, growing the
// directory by one DirentSize. Holes left by removals are not reused.
func (i *Inode) appendEntry(di *DiskInode, de DirEntry) error {

	count := uint32(di.Size) / DirentSize
	err := i.increaseSize((count+1)*DirentSize, di)
	if err != nil {
		return err
	}

	_, err = di.WriteAt(int(count)*DirentSize, de.encode(), i.dev)
	return err
}

// increaseSize grows di to newSize, feeding it blocks from the data
// bitmap. On exhaustion the partial allocation is handed back.
func (i *Inode) increaseSize(newSize uint32, di *DiskInode) error {

	if newSize < di.Size {
		return nil
	}

	needed := di.BlocksNumNeeded(newSize)
	blocks := make([]uint32, 0, needed)
	for n := uint32(0); n < needed; n++ {
		id, err := i.fs.allocData()
		if err != nil {
			for _, b := range blocks {
				_ = i.fs.deallocData(b)
			}
			return err
		}
		blocks = append(blocks, id)
	}

	return di.IncreaseSize(newSize, blocks, i.dev)
}

func (i *Inode) handleFor(inodeID uint32) *Inode {
	blockID, offset := i.fs.diskInodePos(inodeID)
	return &Inode{blockID: blockID, offset: offset, fs: i.fs, dev: i.dev}
}

// lookup resolves a single name in this directory. "." and ".." resolve
// through their real on-disk entries like any other name.
func (i *Inode) lookup(name string) (*Inode, error) {

	di, err := i.loadDiskInode()
	if err != nil {
		return nil, err
	}
	if !di.IsDir() {
		return nil, fmt.Errorf("'%s': %w", name, ErrNotDir)
	}

	ino, ok, err := i.findEntry(&di, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("'%s': %w", name, ErrNotExist)
	}

	return i.handleFor(ino), nil
}

// findPath walks a relative path from this inode. The filesystem lock must
// be held.
func (i *Inode) findPath(path string) (*Inode, error) {

	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	cur := i
	for _, name := range parts {
		cur, err = cur.lookup(name)
		if err != nil {
			return nil, err
		}
	}

	return cur, nil
}

// walkToParent resolves every component but the last and returns the
// parent handle together with the final name.
func (i *Inode) walkToParent(path string) (*Inode, string, error) {

	parts, err := splitPath(path)
	if err != nil {
		return nil, "", err
	}

	cur := i
	for _, name := range parts[:len(parts)-1] {
		cur, err = cur.lookup(name)
		if err != nil {
			return nil, "", err
		}
	}

	return cur, parts[len(parts)-1], nil
}

// Ls returns the names bound in this directory in on-disk slot order,
// skipping deleted slots. The "." and ".." entries are included: their
// names are not empty.
func (i *Inode) Ls() ([]string, error) {

	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()

	di, err := i.loadDiskInode()
	if err != nil {
		return nil, err
	}
	if !di.IsDir() {
		return nil, ErrNotDir
	}

	var names []string
	count := int(di.Size) / DirentSize
	for idx := 0; idx < count; idx++ {
		de, err := i.entryAt(&di, idx)
		if err != nil {
			return nil, err
		}
		if de.IsEmpty() {
			continue
		}
		names = append(names, de.Name())
	}

	return names, nil
}

// Find walks the relative path and returns a handle for the inode it
// names. Every intermediate component must be a directory.
func (i *Inode) Find(path string) (*Inode, error) {

	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()

	return i.findPath(path)
}

// FindInBin resolves a name inside this directory's "bin" subdirectory.
// The kernel uses it to locate program binaries.
func (i *Inode) FindInBin(name string) (*Inode, error) {

	if name == "" {
		return nil, ErrInvalidPath
	}

	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()

	bin, err := i.lookup("bin")
	if err != nil {
		return nil, err
	}

	di, err := bin.loadDiskInode()
	if err != nil {
		return nil, err
	}
	if !di.IsDir() {
		return nil, ErrNotDir
	}

	return bin.lookup(name)
}

// createEntry allocates and initializes a fresh inode of the given type
// and binds it under this directory. The filesystem lock must be held.
func (i *Inode) createEntry(name string, t InodeType) (*Inode, error) {

	if len(name) > NameLengthLimit {
		return nil, fmt.Errorf("'%s': %w", name, ErrNameTooLong)
	}

	di, err := i.loadDiskInode()
	if err != nil {
		return nil, err
	}
	if !di.IsDir() {
		return nil, ErrNotDir
	}

	_, ok, err := i.findEntry(&di, name)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, fmt.Errorf("'%s': %w", name, ErrExist)
	}

	newID, err := i.fs.allocInode()
	if err != nil {
		return nil, err
	}

	child := i.handleFor(newID)
	err = blockcache.With(i.dev, child.blockID, func(b *blockcache.Buf) error {
		var nd DiskInode
		nd.initialize(t)
		b.WriteObj(child.offset, &nd)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = i.appendEntry(&di, NewDirEntry(name, newID))
	if err != nil {
		_ = i.fs.deallocInode(newID)
		return nil, err
	}

	err = i.storeDiskInode(&di)
	if err != nil {
		return nil, err
	}

	return child, nil
}

// Create makes a new empty file at the relative path. Every component but
// the last must already exist as a directory; the last must not exist.
func (i *Inode) Create(path string) (*Inode, error) {

	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()

	parent, name, err := i.walkToParent(path)
	if err != nil {
		return nil, err
	}

	child, err := parent.createEntry(name, TypeFile)
	if err != nil {
		return nil, err
	}

	err = blockcache.SyncAll()
	if err != nil {
		return nil, err
	}

	return child, nil
}

// Mkdir makes a new directory at the relative path and seeds it with its
// "." and ".." entries.
func (i *Inode) Mkdir(path string) (*Inode, error) {

	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()

	parent, name, err := i.walkToParent(path)
	if err != nil {
		return nil, err
	}

	child, err := parent.createEntry(name, TypeDirectory)
	if err != nil {
		return nil, err
	}

	cdi, err := child.loadDiskInode()
	if err != nil {
		return nil, err
	}

	err = child.increaseSize(2*DirentSize, &cdi)
	if err != nil {
		return nil, err
	}

	_, err = cdi.WriteAt(0, NewDirEntry(".", child.InodeID()).encode(), i.dev)
	if err != nil {
		return nil, err
	}
	_, err = cdi.WriteAt(DirentSize, NewDirEntry("..", parent.InodeID()).encode(), i.dev)
	if err != nil {
		return nil, err
	}

	err = child.storeDiskInode(&cdi)
	if err != nil {
		return nil, err
	}

	err = blockcache.SyncAll()
	if err != nil {
		return nil, err
	}

	return child, nil
}

// removeWorker unbinds name from this directory and tears the inode down,
// recursing into directories. The slot is zeroed, the inode and every
// block it owned go back to their bitmaps. A directory's own "." and ".."
// are its own business and are not recursed into.
func (i *Inode) removeWorker(name string) error {

	di, err := i.loadDiskInode()
	if err != nil {
		return err
	}
	if !di.IsDir() {
		return ErrNotDir
	}

	ino, ok, err := i.removeEntry(&di, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("'%s': %w", name, ErrNotExist)
	}

	err = i.fs.deallocInode(ino)
	if err != nil {
		return err
	}

	child := i.handleFor(ino)
	cdi, err := child.loadDiskInode()
	if err != nil {
		return err
	}

	if cdi.IsDir() {
		count := int(cdi.Size) / DirentSize
		if count < 2 {
			panic(fmt.Errorf("directory inode %d has %d entries", ino, count))
		}
		for idx := 2; idx < count; idx++ {
			de, err := child.entryAt(&cdi, idx)
			if err != nil {
				return err
			}
			if de.IsEmpty() {
				continue
			}
			err = child.removeWorker(de.Name())
			if err != nil {
				return err
			}
		}
	}

	size := cdi.Size
	blocks, err := cdi.ClearSize(i.dev)
	if err != nil {
		return err
	}
	if uint32(len(blocks)) != TotalBlocks(size) {
		panic(fmt.Errorf("inode %d released %d blocks, expected %d",
			ino, len(blocks), TotalBlocks(size)))
	}
	for _, b := range blocks {
		err = i.fs.deallocData(b)
		if err != nil {
			return err
		}
	}

	// The cleared descriptor is deliberately not written back: the inode
	// is deallocated and a held handle keeps observing the last cached
	// state until the slot is reused.
	return nil
}

// Remove deletes the file or directory at the relative path. Directories
// are removed recursively.
func (i *Inode) Remove(path string) error {

	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()

	parent, name, err := i.walkToParent(path)
	if err != nil {
		return err
	}

	err = parent.removeWorker(name)
	if err != nil {
		return err
	}

	return blockcache.SyncAll()
}

// Rename gives the entry at the relative path a new name within its
// directory, in place: the inode number and slot index are preserved.
// Renaming an entry to its own name succeeds without touching anything.
func (i *Inode) Rename(path, newName string) error {

	if newName == "" || strings.Contains(newName, "/") {
		return ErrInvalidPath
	}
	if len(newName) > NameLengthLimit {
		return fmt.Errorf("'%s': %w", newName, ErrNameTooLong)
	}

	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()

	parent, name, err := i.walkToParent(path)
	if err != nil {
		return err
	}

	if name == newName {
		return nil
	}

	di, err := parent.loadDiskInode()
	if err != nil {
		return err
	}
	if !di.IsDir() {
		return ErrNotDir
	}

	_, ok, err := parent.findEntry(&di, newName)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("'%s': %w", newName, ErrExist)
	}

	count := int(di.Size) / DirentSize
	for idx := 0; idx < count; idx++ {
		de, err := parent.entryAt(&di, idx)
		if err != nil {
			return err
		}
		if de.IsEmpty() || de.Name() != name {
			continue
		}
		_, err = di.WriteAt(idx*DirentSize, NewDirEntry(newName, de.InodeNumber).encode(), i.dev)
		if err != nil {
			return err
		}
		return blockcache.SyncAll()
	}

	return fmt.Errorf("'%s': %w", name, ErrNotExist)
}

// Move unbinds the entry at srcPath from its directory and binds it, same
// name and inode, into the directory at dstDirPath.
func (i *Inode) Move(srcPath, dstDirPath string) error {

	if srcPath == dstDirPath {
		return nil
	}

	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()

	dst, err := i.findPath(dstDirPath)
	if err != nil {
		return err
	}

	ddi, err := dst.loadDiskInode()
	if err != nil {
		return err
	}
	if !ddi.IsDir() {
		return fmt.Errorf("'%s': %w", dstDirPath, ErrNotDir)
	}

	parent, name, err := i.walkToParent(srcPath)
	if err != nil {
		return err
	}

	pdi, err := parent.loadDiskInode()
	if err != nil {
		return err
	}
	if !pdi.IsDir() {
		return ErrNotDir
	}

	ino, ok, err := parent.removeEntry(&pdi, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("'%s': %w", name, ErrNotExist)
	}

	// reload in case src's parent and dst are the same directory
	ddi, err = dst.loadDiskInode()
	if err != nil {
		return err
	}

	err = dst.appendEntry(&ddi, NewDirEntry(name, ino))
	if err != nil {
		return err
	}

	err = dst.storeDiskInode(&ddi)
	if err != nil {
		return err
	}

	return blockcache.SyncAll()
}

// ReadAt copies up to len(buf) bytes from the inode starting at offset.
// Reading past the end of the data returns 0.
func (i *Inode) ReadAt(offset int, buf []byte) (int, error) {

	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()

	di, err := i.loadDiskInode()
	if err != nil {
		return 0, err
	}

	return di.ReadAt(offset, buf, i.dev)
}

// WriteAt writes buf at offset, growing the file as required. Directories
// reject writes; their entry streams are managed by the façade.
func (i *Inode) WriteAt(offset int, buf []byte) (int, error) {

	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()

	di, err := i.loadDiskInode()
	if err != nil {
		return 0, err
	}
	if !di.IsFile() {
		return 0, ErrIsDir
	}

	err = i.increaseSize(uint32(offset+len(buf)), &di)
	if err != nil {
		return 0, err
	}

	n, err := di.WriteAt(offset, buf, i.dev)
	if err != nil {
		return n, err
	}

	err = i.storeDiskInode(&di)
	if err != nil {
		return n, err
	}

	return n, blockcache.SyncAll()
}

// Clear releases every data block the inode owns and truncates it to zero
// bytes.
func (i *Inode) Clear() error {

	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()

	di, err := i.loadDiskInode()
	if err != nil {
		return err
	}

	size := di.Size
	blocks, err := di.ClearSize(i.dev)
	if err != nil {
		return err
	}
	if uint32(len(blocks)) != TotalBlocks(size) {
		panic(fmt.Errorf("inode released %d blocks, expected %d",
			len(blocks), TotalBlocks(size)))
	}
	for _, b := range blocks {
		err = i.fs.deallocData(b)
		if err != nil {
			return err
		}
	}

	err = i.storeDiskInode(&di)
	if err != nil {
		return err
	}

	return blockcache.SyncAll()
}

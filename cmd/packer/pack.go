package main

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	"code.cloudfoundry.org/bytefmt"

	"github.com/acorn-os/acorn/pkg/afs"
	"github.com/acorn-os/acorn/pkg/blockcache"
	"github.com/acorn-os/acorn/pkg/blockdev"
	"github.com/acorn-os/acorn/pkg/elog"
)

const (
	// ImageBlocks sizes the image at 16 MiB; one inode bitmap block caps
	// the image at 4096 inodes, plenty for a /bin full of programs.
	ImageBlocks       = 16 * 2048
	imageInodeBitmaps = 1

	copyChunk = 256 * 1024
)

// pack builds TARGET/fs.img and populates /bin with one file per entry in
// the source directory. Source entries name the programs ("X.ext" packs as
// "X"); the bytes come from the built binary TARGET/X.
func pack(log elog.View, srcDir, targetDir string) error {

	imgPath := filepath.Join(targetDir, "fs.img")

	dev, err := blockdev.CreateFile(imgPath, ImageBlocks)
	if err != nil {
		return err
	}
	defer dev.Close()

	log.Infof("formatting %s (%s)", imgPath, bytefmt.ByteSize(ImageBlocks*blockdev.BlockSize))

	fs, err := afs.Create(dev, ImageBlocks, imageInodeBitmaps)
	if err != nil {
		return fmt.Errorf("formatting image: %w", err)
	}

	root := fs.RootInode()
	bin, err := root.Mkdir("bin")
	if err != nil {
		return fmt.Errorf("creating /bin: %w", err)
	}

	fis, err := ioutil.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("listing programs in '%s': %w", srcDir, err)
	}

	packed := 0
	for _, fi := range fis {
		if fi.IsDir() {
			continue
		}

		name := fi.Name()
		if idx := strings.IndexByte(name, '.'); idx >= 0 {
			name = name[:idx]
		}

		err = packOne(log, bin, targetDir, name)
		if err != nil {
			return err
		}
		packed++
	}

	err = blockcache.Shutdown()
	if err != nil {
		return fmt.Errorf("flushing image: %w", err)
	}

	log.Printf("packed %d programs into %s", packed, imgPath)
	return nil
}

func packOne(log elog.View, bin *afs.Inode, targetDir, name string) error {

	data, err := ioutil.ReadFile(filepath.Join(targetDir, name))
	if err != nil {
		return fmt.Errorf("reading program '%s': %w", name, err)
	}

	ino, err := bin.Create(name)
	if err != nil {
		return fmt.Errorf("creating /bin/%s: %w", name, err)
	}

	p := log.NewProgress(name, "KiB", int64(len(data)))
	defer p.Finish(true)

	for off := 0; off < len(data); off += copyChunk {
		end := off + copyChunk
		if end > len(data) {
			end = len(data)
		}
		n, err := ino.WriteAt(off, data[off:end])
		if err != nil {
			p.Finish(false)
			return fmt.Errorf("writing /bin/%s: %w", name, err)
		}
		p.Increment(int64(n))
	}

	log.Infof("packed /bin/%s (%s)", name, bytefmt.ByteSize(uint64(len(data))))
	return nil
}

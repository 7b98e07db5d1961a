package blockcache

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 acorn-os authors
 */

import (
	"bytes"
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/acorn-os/acorn/pkg/blockdev"
)

// CacheSize bounds the number of resident blocks across the whole process.
const CacheSize = 16

var (
	// ErrCacheBusy is returned when a block must be brought in but every
	// resident entry is pinned by a caller.
	ErrCacheBusy = errors.New("block cache: every entry is pinned")
)

// Buf is one resident block: the raw bytes, the owning device, and a dirty
// flag. A Buf is only valid inside the callback that received it.
type Buf struct {
	mu    sync.Mutex
	dev   blockdev.Device
	id    uint32
	data  [blockdev.BlockSize]byte
	dirty bool
	pins  int
}

// ID returns the block id this buffer caches.
func (b *Buf) ID() uint32 {
	return b.id
}

// Bytes exposes the full in-cache block. Mutating it directly requires a
// SetDirty call, otherwise the change may be lost on eviction.
func (b *Buf) Bytes() []byte {
	return b.data[:]
}

// SetDirty marks the buffer as needing write-back.
func (b *Buf) SetDirty() {
	b.dirty = true
}

// ReadObj decodes the little-endian structure at off into v. The structure
// must fit within the block; a failure here means the caller's layout
// arithmetic is broken, so it panics.
func (b *Buf) ReadObj(off int, v interface{}) {
	err := binary.Read(bytes.NewReader(b.data[off:]), binary.LittleEndian, v)
	if err != nil {
		panic(fmt.Errorf("block %d: decoding object at offset %d: %w", b.id, off, err))
	}
}

// WriteObj encodes v little-endian at off and marks the buffer dirty.
func (b *Buf) WriteObj(off int, v interface{}) {

	buf := new(bytes.Buffer)
	err := binary.Write(buf, binary.LittleEndian, v)
	if err != nil {
		panic(fmt.Errorf("block %d: encoding object at offset %d: %w", b.id, off, err))
	}
	if off+buf.Len() > blockdev.BlockSize {
		panic(fmt.Errorf("block %d: object at offset %d overruns the block", b.id, off))
	}

	copy(b.data[off:], buf.Bytes())
	b.dirty = true
}

// Sync writes the buffer back if dirty and clears the dirty flag. Callers
// must hold the buffer's lock (With does).
func (b *Buf) Sync() error {

	if !b.dirty {
		return nil
	}

	err := b.dev.WriteBlock(b.id, b.data[:])
	if err != nil {
		return err
	}

	b.dirty = false
	return nil
}

type key struct {
	dev blockdev.Device
	id  uint32
}

// The process-wide cache. Entries are keyed by (device, id) so distinct
// images in one process never alias; eviction is FIFO over insertion order
// among unpinned entries.
var cache = struct {
	mu      sync.Mutex
	entries map[key]*list.Element
	order   *list.List
}{
	entries: make(map[key]*list.Element),
	order:   list.New(),
}

func get(dev blockdev.Device, id uint32) (*Buf, error) {

	cache.mu.Lock()
	defer cache.mu.Unlock()

	k := key{dev: dev, id: id}
	if el, ok := cache.entries[k]; ok {
		b := el.Value.(*Buf)
		b.pins++
		return b, nil
	}

	if cache.order.Len() >= CacheSize {
		err := evict()
		if err != nil {
			return nil, err
		}
	}

	b := &Buf{dev: dev, id: id, pins: 1}
	err := dev.ReadBlock(id, b.data[:])
	if err != nil {
		return nil, err
	}

	cache.entries[k] = cache.order.PushBack(b)
	return b, nil
}

// evict drops the oldest unpinned entry, flushing it first. Called with the
// cache lock held.
func evict() error {

	for el := cache.order.Front(); el != nil; el = el.Next() {
		b := el.Value.(*Buf)
		if b.pins > 0 {
			continue
		}

		b.mu.Lock()
		err := b.Sync()
		b.mu.Unlock()
		if err != nil {
			return err
		}

		cache.order.Remove(el)
		delete(cache.entries, key{dev: b.dev, id: b.id})
		return nil
	}

	return ErrCacheBusy
}

func put(b *Buf) {
	cache.mu.Lock()
	b.pins--
	cache.mu.Unlock()
}

// With runs fn against the cached copy of the block, loading it from the
// device on a miss. The entry is pinned and locked for the duration of the
// callback; fn must not call back into the cache for another block while it
// still needs this one.
func With(dev blockdev.Device, id uint32, fn func(b *Buf) error) error {

	b, err := get(dev, id)
	if err != nil {
		return err
	}
	defer put(b)

	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(b)
}

func snapshot() []*Buf {

	cache.mu.Lock()
	defer cache.mu.Unlock()

	bufs := make([]*Buf, 0, cache.order.Len())
	for el := cache.order.Front(); el != nil; el = el.Next() {
		bufs = append(bufs, el.Value.(*Buf))
	}
	return bufs
}

// SyncAll flushes every dirty resident block. Filesystem mutations call
// this before returning; it is the system's durability point.
func SyncAll() error {

	for _, b := range snapshot() {
		b.mu.Lock()
		err := b.Sync()
		b.mu.Unlock()
		if err != nil {
			return err
		}
	}

	return nil
}

// Shutdown flushes and drops every resident block. Any Buf still pinned by
// a concurrent caller makes the shutdown an error, but the flush still
// happens for everything else.
func Shutdown() error {

	err := SyncAll()
	if err != nil {
		return err
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	for el := cache.order.Front(); el != nil; el = el.Next() {
		b := el.Value.(*Buf)
		if b.pins > 0 {
			return fmt.Errorf("block %d of a resident device is still pinned", b.id)
		}
	}

	cache.entries = make(map[key]*list.Element)
	cache.order = list.New()
	return nil
}

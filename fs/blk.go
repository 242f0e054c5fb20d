// Package fs implements the on-disk filesystem: a bounded block cache
// in front of a disk backend, a flat single-root directory tree,
// 128-byte fixed inodes with direct and (doubly-)indirect block
// pointers, and 32-byte directory entries.
package fs

import (
	"container/list"
	"fmt"
	"sync"

	"rvsmp/limits"
)

// BlockSize is the size in bytes of one on-disk/cached block.
const BlockSize = limits.BlockSize

// Disk is the backend a block cache reads through and writes back to.
// The interface is synchronous; this kernel has no async disk IRQ path.
type Disk interface {
	ReadBlock(id int, buf []byte) error
	WriteBlock(id int, buf []byte) error
	Sync() error
}

// Bdev_block_t is one cached block: BlockSize bytes of data, a dirty
// flag, and the block number it caches.
type Bdev_block_t struct {
	mu    sync.Mutex
	Block int
	Data  []byte
	dirty bool
	disk  Disk
}

// Bytes returns the cached block's backing buffer, for callers that
// address it with util.Readn/Writen record accessors.
func (b *Bdev_block_t) Bytes() []byte { return b.Data }

// MarkDirty records that the block's contents changed and must be
// written back before eviction or the next SyncAll.
func (b *Bdev_block_t) MarkDirty() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
}

func (b *Bdev_block_t) writeBack() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return nil
	}
	if err := b.disk.WriteBlock(b.Block, b.Data); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

// BlkList_t wraps a list.List of blocks, for batching several blocks
// into one request. No package in this module uses it.
type BlkList_t struct {
	l *list.List
}

// MkBlkList creates an empty block list.
func MkBlkList() *BlkList_t { return &BlkList_t{l: list.New()} }

// PushBack appends a block to the list.
func (bl *BlkList_t) PushBack(b *Bdev_block_t) { bl.l.PushBack(b) }

// Len returns the number of blocks in the list.
func (bl *BlkList_t) Len() int { return bl.l.Len() }

// Apply calls f for each block in the list, in insertion order.
func (bl *BlkList_t) Apply(f func(*Bdev_block_t)) {
	for e := bl.l.Front(); e != nil; e = e.Next() {
		f(e.Value.(*Bdev_block_t))
	}
}

// Cache is the bounded block cache every fs operation reads and writes
// through: a queue of at most capacity blocks (limits.MaxBlocks by
// default), least recently
// used evicted first, written back on eviction and on SyncAll.
type Cache struct {
	mu       sync.Mutex
	disk     Disk
	capacity int
	order    *list.List // front = least recently used
	elems    map[int]*list.Element
	blocks   map[int]*Bdev_block_t

	hits   uint64
	misses uint64
}

// NewCache builds a block cache of the given capacity (blocks) in front
// of disk. capacity <= 0 defaults to limits.MaxBlocks.
func NewCache(disk Disk, capacity int) *Cache {
	if capacity <= 0 {
		capacity = limits.MaxBlocks
	}
	return &Cache{
		disk:     disk,
		capacity: capacity,
		order:    list.New(),
		elems:    make(map[int]*list.Element),
		blocks:   make(map[int]*Bdev_block_t),
	}
}

// Get returns the cached block for id, reading it from disk on a miss
// and evicting the least-recently-used block if the cache is full.
func (c *Cache) Get(id int) (*Bdev_block_t, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.elems[id]; ok {
		c.hits++
		c.order.MoveToBack(e)
		return c.blocks[id], nil
	}
	c.misses++
	if c.order.Len() >= c.capacity {
		if err := c.evictOldestLocked(); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, BlockSize)
	if err := c.disk.ReadBlock(id, buf); err != nil {
		return nil, fmt.Errorf("fs: read block %d: %w", id, err)
	}
	b := &Bdev_block_t{Block: id, Data: buf, disk: c.disk}
	c.blocks[id] = b
	c.elems[id] = c.order.PushBack(id)
	return b, nil
}

// evictOldestLocked writes back and drops the least-recently-used block.
// Caller holds c.mu.
func (c *Cache) evictOldestLocked() error {
	front := c.order.Front()
	if front == nil {
		return nil
	}
	id := front.Value.(int)
	b := c.blocks[id]
	if err := b.writeBack(); err != nil {
		return err
	}
	c.order.Remove(front)
	delete(c.elems, id)
	delete(c.blocks, id)
	return nil
}

// SyncAll writes back every dirty block, clears their dirty bits, and
// flushes the disk backend.
func (c *Cache) SyncAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.order.Front(); e != nil; e = e.Next() {
		id := e.Value.(int)
		if err := c.blocks[id].writeBack(); err != nil {
			return err
		}
	}
	return c.disk.Sync()
}

// Counters reports cumulative hit/miss counts and the number of blocks
// currently dirty, for diagnostics and the metrics exporter.
func (c *Cache) Counters() (hits, misses uint64, dirty int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blocks {
		b.mu.Lock()
		if b.dirty {
			dirty++
		}
		b.mu.Unlock()
	}
	return c.hits, c.misses, dirty
}

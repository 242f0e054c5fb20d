package fs

import (
	"fmt"
	"sync"

	"rvsmp/defs"
	"rvsmp/limits"
)

// FileSystem is the top-level handle over a mounted image: a block cache,
// the parsed superblock, and the inode/data bitmap allocators over the
// superblock+inode-bitmap+inode-area+data-bitmap+data-area region layout.
type FileSystem struct {
	// opMu serializes every structural mutation (bitmap alloc/dealloc,
	// directory entry insert/remove), giving at most one writer per inode
	// at whole-filesystem scope; the workloads this kernel runs never
	// contend enough to need finer granularity.
	opMu sync.Mutex

	cache *Cache
	sb    *Superblock

	inodeBitmap *bitmap
	dataBitmap  *bitmap

	inodeAreaStart int
	dataAreaStart  int

	inodesPerBlock int
}

const inodeRegionBlock = 0 // superblock occupies block 0

// Mount reads the superblock from block 0 and builds a FileSystem handle
// over it, failing if the magic number doesn't match.
func Mount(disk Disk, cacheCapacity int) (*FileSystem, error) {
	cache := NewCache(disk, cacheCapacity)
	sbBlk, err := cache.Get(0)
	if err != nil {
		return nil, err
	}
	sb := &Superblock{blk: sbBlk}
	if !sb.Valid() {
		return nil, fmt.Errorf("fs: bad superblock magic %#x", sb.Magic())
	}
	fs := &FileSystem{
		cache:          cache,
		sb:             sb,
		inodesPerBlock: BlockSize / limits.InodeSize,
	}
	inodeBitmapStart := 1
	inodeAreaStart := inodeBitmapStart + sb.InodeBitmapBlocks()
	dataBitmapStart := inodeAreaStart + sb.InodeAreaBlocks()
	dataAreaStart := dataBitmapStart + sb.DataBitmapBlocks()

	fs.inodeAreaStart = inodeAreaStart
	fs.dataAreaStart = dataAreaStart
	fs.inodeBitmap = newBitmap(cache, inodeBitmapStart, sb.InodeBitmapBlocks())
	fs.dataBitmap = newBitmap(cache, dataBitmapStart, sb.DataBitmapBlocks())
	return fs, nil
}

// Format lays out a brand-new filesystem across totalBlocks blocks of
// disk: superblock, inode bitmap/area sized to hold inodeCount inodes,
// and a data bitmap/area covering everything else, then creates the root
// directory inode (always inode id 0).
func Format(disk Disk, totalBlocks, inodeCount int) (*FileSystem, error) {
	inodesPerBlock := BlockSize / limits.InodeSize
	inodeAreaBlocks := (inodeCount + inodesPerBlock - 1) / inodesPerBlock
	inodeBitmapBlocks := (inodeCount + bitsPerBlock - 1) / bitsPerBlock
	if inodeBitmapBlocks == 0 {
		inodeBitmapBlocks = 1
	}
	used := 1 + inodeBitmapBlocks + inodeAreaBlocks
	if used >= totalBlocks {
		return nil, fmt.Errorf("fs: image too small for %d inodes", inodeCount)
	}
	remaining := totalBlocks - used
	// Reserve 1/(bitsPerBlock+1) of the remainder for the data bitmap:
	// one bitmap block tracks bitsPerBlock data blocks.
	dataBitmapBlocks := (remaining + bitsPerBlock) / (bitsPerBlock + 1)
	if dataBitmapBlocks == 0 {
		dataBitmapBlocks = 1
	}
	dataAreaBlocks := remaining - dataBitmapBlocks

	cache := NewCache(disk, limits.MaxBlocks)
	sbBlk, err := cache.Get(0)
	if err != nil {
		return nil, err
	}
	sb := &Superblock{blk: sbBlk}
	sb.init(totalBlocks, inodeBitmapBlocks, inodeAreaBlocks, dataBitmapBlocks, dataAreaBlocks)

	fs := &FileSystem{
		cache:          cache,
		sb:             sb,
		inodesPerBlock: inodesPerBlock,
		inodeAreaStart: 1 + inodeBitmapBlocks,
		dataAreaStart:  1 + inodeBitmapBlocks + inodeAreaBlocks + dataBitmapBlocks,
		inodeBitmap:    newBitmap(cache, 1, inodeBitmapBlocks),
		dataBitmap:     newBitmap(cache, 1+inodeBitmapBlocks+inodeAreaBlocks, dataBitmapBlocks),
	}

	// zero the inode and data bitmap blocks explicitly: a freshly opened
	// disk file may not already read back as zero.
	for i := 0; i < inodeBitmapBlocks; i++ {
		blk, err := cache.Get(1 + i)
		if err != nil {
			return nil, err
		}
		for j := range blk.Data {
			blk.Data[j] = 0
		}
		blk.MarkDirty()
	}
	for i := 0; i < dataBitmapBlocks; i++ {
		blk, err := cache.Get(fs.dataAreaStart - dataBitmapBlocks + i)
		if err != nil {
			return nil, err
		}
		for j := range blk.Data {
			blk.Data[j] = 0
		}
		blk.MarkDirty()
	}

	rootID, err := fs.allocInode()
	if err != nil {
		return nil, err
	}
	if rootID != 0 {
		return nil, fmt.Errorf("fs: root inode id expected 0, got %d", rootID)
	}
	root := fs.diskInode(rootID)
	root.initialize(defs.KindDir)

	if err := cache.SyncAll(); err != nil {
		return nil, err
	}
	return fs, nil
}

// inodePos returns the block id and in-block byte offset of inode id.
func (fs *FileSystem) inodePos(id int) (block, offset int) {
	block = fs.inodeAreaStart + id/fs.inodesPerBlock
	offset = (id % fs.inodesPerBlock) * limits.InodeSize
	return
}

// diskInode returns a DiskInode view for id, fetching its cached block
// through inodePos when called.
func (fs *FileSystem) diskInode(id int) *DiskInode {
	blockID, off := fs.inodePos(id)
	blk, err := fs.cache.Get(blockID)
	if err != nil {
		panic(err) // a valid inode id always resolves to a readable block
	}
	return &DiskInode{blk: blk, off: off}
}

func (fs *FileSystem) allocInode() (int, error) { return fs.inodeBitmap.alloc() }

func (fs *FileSystem) allocData() (int, error) {
	id, err := fs.dataBitmap.alloc()
	if err != nil {
		return 0, err
	}
	return fs.dataAreaStart + id, nil
}

func (fs *FileSystem) deallocData(absoluteBlock int) error {
	return fs.dataBitmap.dealloc(absoluteBlock - fs.dataAreaStart)
}

// SyncAll flushes every dirty cached block to the disk backend.
func (fs *FileSystem) SyncAll() error { return fs.cache.SyncAll() }

// RootInode returns the inode handle for the always-present root
// directory (inode id 0).
func (fs *FileSystem) RootInode() *Inode {
	return &Inode{fs: fs, id: 0}
}

// Stats reports the number of free inode slots and free data blocks
// remaining, used by diagnostics/metrics.
func (fs *FileSystem) Stats() (freeInodes, freeData int) {
	freeInodes, _ = fs.inodeBitmap.free()
	freeData, _ = fs.dataBitmap.free()
	return freeInodes, freeData
}

// Cache exposes the block cache, e.g. so the metrics exporter can read
// its hit/miss counters without fs itself knowing about collectors.
func (fs *FileSystem) Cache() *Cache { return fs.cache }

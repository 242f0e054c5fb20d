package fs

import (
	"rvsmp/defs"
	"rvsmp/limits"
	"rvsmp/ustr"
	"rvsmp/util"
)

// Superblock occupies block 0: a magic number, the total block count,
// and the four region lengths (in blocks) that follow it on disk, in
// order — inode bitmap, inode area, data bitmap, data area. Field access goes through
// util.Readn/Writen over the cached block's byte buffer.
type Superblock struct {
	blk *Bdev_block_t
}

const (
	sbMagicOff             = 0
	sbTotalBlocksOff       = 4
	sbInodeBitmapBlocksOff = 8
	sbInodeAreaBlocksOff   = 12
	sbDataBitmapBlocksOff  = 16
	sbDataAreaBlocksOff    = 20
)

func (sb *Superblock) Magic() int             { return util.Readn(sb.blk.Data, 4, sbMagicOff) }
func (sb *Superblock) TotalBlocks() int       { return util.Readn(sb.blk.Data, 4, sbTotalBlocksOff) }
func (sb *Superblock) InodeBitmapBlocks() int { return util.Readn(sb.blk.Data, 4, sbInodeBitmapBlocksOff) }
func (sb *Superblock) InodeAreaBlocks() int   { return util.Readn(sb.blk.Data, 4, sbInodeAreaBlocksOff) }
func (sb *Superblock) DataBitmapBlocks() int  { return util.Readn(sb.blk.Data, 4, sbDataBitmapBlocksOff) }
func (sb *Superblock) DataAreaBlocks() int    { return util.Readn(sb.blk.Data, 4, sbDataAreaBlocksOff) }

func (sb *Superblock) init(totalBlocks, inodeBitmapBlocks, inodeAreaBlocks, dataBitmapBlocks, dataAreaBlocks int) {
	util.Writen(sb.blk.Data, 4, sbMagicOff, limits.SuperblockMagic)
	util.Writen(sb.blk.Data, 4, sbTotalBlocksOff, totalBlocks)
	util.Writen(sb.blk.Data, 4, sbInodeBitmapBlocksOff, inodeBitmapBlocks)
	util.Writen(sb.blk.Data, 4, sbInodeAreaBlocksOff, inodeAreaBlocks)
	util.Writen(sb.blk.Data, 4, sbDataBitmapBlocksOff, dataBitmapBlocks)
	util.Writen(sb.blk.Data, 4, sbDataAreaBlocksOff, dataAreaBlocks)
	sb.blk.MarkDirty()
}

// Valid reports whether the block this Superblock wraps actually carries
// the filesystem's magic number.
func (sb *Superblock) Valid() bool { return sb.Magic() == limits.SuperblockMagic }

// A DiskInode record is limits.InodeSize (128) bytes, little-endian: a
// u32 size, a u32 kind, 28 direct u32 block pointers, one u32 indirect1
// pointer, one u32 indirect2 pointer.
const (
	inodeSizeOff      = 0
	inodeKindOff      = 4
	inodeDirectOff    = 8
	inodeIndirect1Off = inodeDirectOff + 4*limits.NDirect
	inodeIndirect2Off = inodeIndirect1Off + 4
)

func init() {
	if inodeIndirect2Off+4 != limits.InodeSize {
		panic("fs: DiskInode field layout does not sum to limits.InodeSize")
	}
}

// DiskInode is a view over one InodeSize-byte record within the inode
// area, addressed by its owning block plus an in-block byte offset
// (blocks hold BlockSize/InodeSize inode records each).
type DiskInode struct {
	blk *Bdev_block_t
	off int
}

func (d *DiskInode) field(off int) int           { return util.Readn(d.blk.Data, 4, d.off+off) }
func (d *DiskInode) setField(off int, v int)      { util.Writen(d.blk.Data, 4, d.off+off, v); d.blk.MarkDirty() }

// Size returns the file's current logical size in bytes.
func (d *DiskInode) Size() int { return d.field(inodeSizeOff) }

// Kind returns whether this record is a file or a directory.
func (d *DiskInode) Kind() defs.InodeKind { return defs.InodeKind(d.field(inodeKindOff)) }

// IsDir reports whether the record describes a directory.
func (d *DiskInode) IsDir() bool { return d.Kind() == defs.KindDir }

// Direct returns the i'th direct block pointer (0 if unallocated).
func (d *DiskInode) Direct(i int) int { return d.field(inodeDirectOff + 4*i) }
func (d *DiskInode) setDirect(i, blk int) { d.setField(inodeDirectOff+4*i, blk) }

// Indirect1 returns the singly-indirect block pointer.
func (d *DiskInode) Indirect1() int      { return d.field(inodeIndirect1Off) }
func (d *DiskInode) setIndirect1(blk int) { d.setField(inodeIndirect1Off, blk) }

// Indirect2 returns the doubly-indirect block pointer.
func (d *DiskInode) Indirect2() int      { return d.field(inodeIndirect2Off) }
func (d *DiskInode) setIndirect2(blk int) { d.setField(inodeIndirect2Off, blk) }

func (d *DiskInode) initialize(kind defs.InodeKind) {
	d.setField(inodeSizeOff, 0)
	d.setField(inodeKindOff, int(kind))
	for i := 0; i < limits.NDirect; i++ {
		d.setDirect(i, 0)
	}
	d.setIndirect1(0)
	d.setIndirect2(0)
}

func (d *DiskInode) setSize(n int) { d.setField(inodeSizeOff, n) }

// DirEntry is a view over one DirentSize-byte directory-entry record
//: a NUL-padded name of up to ustr.NameMax bytes, followed
// by a u32 inode id.
type DirEntry struct {
	buf []byte // exactly limits.DirentSize bytes
}

const direntInodeOff = ustr.NameMax + 1

func init() {
	if direntInodeOff+4 != limits.DirentSize {
		panic("fs: DirEntry field layout does not sum to limits.DirentSize")
	}
}

func newDirEntry(name ustr.Ustr, inodeID uint32) DirEntry {
	de := DirEntry{buf: make([]byte, limits.DirentSize)}
	copy(de.buf, name)
	util.Writen(de.buf, 4, direntInodeOff, int(inodeID))
	return de
}

// Name returns the entry's filename, truncated at its NUL terminator.
func (de DirEntry) Name() ustr.Ustr { return ustr.MkUstrSlice(de.buf[:ustr.NameMax+1]) }

// InodeID returns the entry's target inode number.
func (de DirEntry) InodeID() uint32 { return uint32(util.Readn(de.buf, 4, direntInodeOff)) }

// Bytes returns the entry's raw on-disk bytes.
func (de DirEntry) Bytes() []byte { return de.buf }

func emptyDirEntry() DirEntry { return DirEntry{buf: make([]byte, limits.DirentSize)} }

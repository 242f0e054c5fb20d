package fs

import (
	"rvsmp/limits"
	"rvsmp/util"
)

// ppb is the number of block pointers that fit in one index block.
const ppb = limits.PointersPerBlock

// dataBlocksFor returns how many BlockSize-sized data blocks a file of
// the given byte size spans.
func dataBlocksFor(size int) int { return util.Ceildiv(size, BlockSize) }

// blockPointer resolves the idx'th logical data block of di to an
// absolute block id by descending through the direct, indirect1, and
// indirect2 pointer regions, returning 0 if that slot has never been
// allocated.
func (fs *FileSystem) blockPointer(di *DiskInode, idx int) (int, error) {
	switch {
	case idx < limits.NDirect:
		return di.Direct(idx), nil
	case idx < limits.NDirect+ppb:
		if di.Indirect1() == 0 {
			return 0, nil
		}
		ind1, err := fs.cache.Get(di.Indirect1())
		if err != nil {
			return 0, err
		}
		sub := idx - limits.NDirect
		return util.Readn(ind1.Data, 4, sub*4), nil
	default:
		if di.Indirect2() == 0 {
			return 0, nil
		}
		idx2 := idx - (limits.NDirect + ppb)
		a0, b0 := idx2/ppb, idx2%ppb
		ind2, err := fs.cache.Get(di.Indirect2())
		if err != nil {
			return 0, err
		}
		sub1 := util.Readn(ind2.Data, 4, a0*4)
		if sub1 == 0 {
			return 0, nil
		}
		sub1Blk, err := fs.cache.Get(sub1)
		if err != nil {
			return 0, err
		}
		return util.Readn(sub1Blk.Data, 4, b0*4), nil
	}
}

// setBlockPointer installs blkID at logical data-block index idx,
// allocating whatever index blocks (indirect1, indirect2, and indirect2's
// sub-index blocks) are needed along the way.
func (fs *FileSystem) setBlockPointer(di *DiskInode, idx, blkID int) error {
	switch {
	case idx < limits.NDirect:
		di.setDirect(idx, blkID)
		return nil
	case idx < limits.NDirect+ppb:
		if di.Indirect1() == 0 {
			id, err := fs.allocData()
			if err != nil {
				return err
			}
			di.setIndirect1(id)
		}
		ind1, err := fs.cache.Get(di.Indirect1())
		if err != nil {
			return err
		}
		sub := idx - limits.NDirect
		util.Writen(ind1.Data, 4, sub*4, blkID)
		ind1.MarkDirty()
		return nil
	default:
		if di.Indirect2() == 0 {
			id, err := fs.allocData()
			if err != nil {
				return err
			}
			di.setIndirect2(id)
		}
		idx2 := idx - (limits.NDirect + ppb)
		a0, b0 := idx2/ppb, idx2%ppb
		ind2, err := fs.cache.Get(di.Indirect2())
		if err != nil {
			return err
		}
		sub1 := util.Readn(ind2.Data, 4, a0*4)
		if sub1 == 0 {
			id, err := fs.allocData()
			if err != nil {
				return err
			}
			util.Writen(ind2.Data, 4, a0*4, id)
			ind2.MarkDirty()
			sub1 = id
		}
		sub1Blk, err := fs.cache.Get(sub1)
		if err != nil {
			return err
		}
		util.Writen(sub1Blk.Data, 4, b0*4, blkID)
		sub1Blk.MarkDirty()
		return nil
	}
}

// growDataBlocks allocates fresh data blocks to cover logical indices
// [from, to) and wires each one in via setBlockPointer.
func (fs *FileSystem) growDataBlocks(di *DiskInode, from, to int) error {
	for idx := from; idx < to; idx++ {
		blkID, err := fs.allocData()
		if err != nil {
			return err
		}
		if err := fs.setBlockPointer(di, idx, blkID); err != nil {
			return err
		}
	}
	return nil
}

// increaseSize grows di to newSize, allocating whatever new data (and
// index) blocks that requires. It is a no-op if newSize <= di.Size().
func (fs *FileSystem) increaseSize(di *DiskInode, newSize int) error {
	if newSize <= di.Size() {
		return nil
	}
	oldBlocks := dataBlocksFor(di.Size())
	newBlocks := dataBlocksFor(newSize)
	if newBlocks > oldBlocks {
		if err := fs.growDataBlocks(di, oldBlocks, newBlocks); err != nil {
			return err
		}
	}
	di.setSize(newSize)
	return nil
}

// decreaseSize shrinks di to newSize and returns the absolute block ids
// of any now-unused data blocks, for the caller to dealloc. It does not
// free index (indirect1/indirect2) blocks — those still may be needed if
// the inode grows again later; clearInode is the only path that frees
// index blocks.
func (fs *FileSystem) decreaseSize(di *DiskInode, newSize int) ([]int, error) {
	if newSize >= di.Size() {
		return nil, nil
	}
	oldBlocks := dataBlocksFor(di.Size())
	newBlocks := dataBlocksFor(newSize)
	var freed []int
	for idx := newBlocks; idx < oldBlocks; idx++ {
		id, err := fs.blockPointer(di, idx)
		if err != nil {
			return nil, err
		}
		if id != 0 {
			freed = append(freed, id)
		}
	}
	di.setSize(newSize)
	return freed, nil
}

// clearInode frees every data and index block di owns and resets it to
// an empty record, returning the freed absolute block ids.
func (fs *FileSystem) clearInode(di *DiskInode) ([]int, error) {
	oldBlocks := dataBlocksFor(di.Size())
	var freed []int
	for idx := 0; idx < oldBlocks; idx++ {
		id, err := fs.blockPointer(di, idx)
		if err != nil {
			return nil, err
		}
		if id != 0 {
			freed = append(freed, id)
		}
	}
	if di.Indirect1() != 0 {
		freed = append(freed, di.Indirect1())
		di.setIndirect1(0)
	}
	if di.Indirect2() != 0 {
		ind2, err := fs.cache.Get(di.Indirect2())
		if err != nil {
			return nil, err
		}
		for a := 0; a < ppb; a++ {
			sub1 := util.Readn(ind2.Data, 4, a*4)
			if sub1 != 0 {
				freed = append(freed, sub1)
			}
		}
		freed = append(freed, di.Indirect2())
		di.setIndirect2(0)
	}
	for i := 0; i < limits.NDirect; i++ {
		di.setDirect(i, 0)
	}
	di.setSize(0)
	return freed, nil
}

// readAt copies up to len(buf) bytes starting at offset from di's data
// blocks, stopping at end-of-file, returning the number of bytes copied.
func (fs *FileSystem) readAt(di *DiskInode, offset int, buf []byte) (int, error) {
	size := di.Size()
	if offset >= size {
		return 0, nil
	}
	end := offset + len(buf)
	if end > size {
		end = size
	}
	read := 0
	for read < end-offset {
		blockIdx := (offset + read) / BlockSize
		blockOff := (offset + read) % BlockSize
		blkID, err := fs.blockPointer(di, blockIdx)
		if err != nil {
			return read, err
		}
		blk, err := fs.cache.Get(blkID)
		if err != nil {
			return read, err
		}
		n := BlockSize - blockOff
		if remain := (end - offset) - read; n > remain {
			n = remain
		}
		copy(buf[read:read+n], blk.Data[blockOff:blockOff+n])
		read += n
	}
	return read, nil
}

// writeAt copies buf into di's data blocks starting at offset. The
// caller must already have grown di (via increaseSize) to cover
// offset+len(buf) before calling this.
func (fs *FileSystem) writeAt(di *DiskInode, offset int, buf []byte) (int, error) {
	written := 0
	for written < len(buf) {
		blockIdx := (offset + written) / BlockSize
		blockOff := (offset + written) % BlockSize
		blkID, err := fs.blockPointer(di, blockIdx)
		if err != nil {
			return written, err
		}
		blk, err := fs.cache.Get(blkID)
		if err != nil {
			return written, err
		}
		n := BlockSize - blockOff
		if remain := len(buf) - written; n > remain {
			n = remain
		}
		copy(blk.Data[blockOff:blockOff+n], buf[written:written+n])
		blk.MarkDirty()
		written += n
	}
	return written, nil
}

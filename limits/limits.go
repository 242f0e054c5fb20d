// Package limits centralizes the fixed capacities the rest of the
// kernel is sized against.
package limits

// Filesystem geometry.
const (
	BlockSize  = 512 // bytes per block
	InodeSize  = 128 // bytes per on-disk inode record
	DirentSize = 32  // bytes per directory entry

	NDirect    = 28 // direct block pointers per inode
	NIndirect1 = 1  // singly-indirect pointers per inode
	NIndirect2 = 1  // doubly-indirect pointers per inode

	// PointersPerBlock is how many u32 block pointers fit in one block;
	// it bounds the span of the indirect and doubly-indirect regions.
	PointersPerBlock = BlockSize / 4

	SuperblockMagic = 0x3b800001
)

// Kernel-wide capacities.
const (
	MaxFD       = 128   // open file descriptors per process
	MaxThreads  = 64    // threads per process
	MaxMutexes  = 32    // mutex/semaphore/condvar slots per process, initial cap
	MaxBlocks   = 16    // block-cache capacity
	MaxFrames   = 1 << 16
	MinPriority = 2 // set_priority floor
)

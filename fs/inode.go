package fs

import (
	"fmt"

	"rvsmp/defs"
	"rvsmp/limits"
	"rvsmp/stat"
	"rvsmp/ustr"
)

// Inode is the in-memory handle client code operates on: the owning
// filesystem plus the target's inode id. Every method re-fetches the
// backing DiskInode through the block cache rather than caching its
// block position, since the cache already makes that free.
type Inode struct {
	fs *FileSystem
	id int
}

// ID returns the inode number.
func (n *Inode) ID() int { return n.id }

func (n *Inode) disk() *DiskInode { return n.fs.diskInode(n.id) }

// IsDir reports whether this inode is a directory.
func (n *Inode) IsDir() bool { return n.disk().IsDir() }

// Size returns the inode's current logical byte size.
func (n *Inode) Size() int { return n.disk().Size() }

// findInodeID scans this directory's entries for name, returning its
// target inode id.
func (n *Inode) findInodeID(di *DiskInode, name ustr.Ustr) (int, bool) {
	count := di.Size() / limits.DirentSize
	var de DirEntry
	for i := 0; i < count; i++ {
		de = emptyDirEntry()
		if _, err := n.fs.readAt(di, i*limits.DirentSize, de.buf); err != nil {
			return 0, false
		}
		if de.Name().Eq(name) {
			return int(de.InodeID()), true
		}
	}
	return 0, false
}

// Find resolves name within this directory.
func (n *Inode) Find(name ustr.Ustr) (*Inode, error) {
	if !n.IsDir() {
		return nil, fmt.Errorf("fs: %w", errNotDir)
	}
	di := n.disk()
	id, ok := n.findInodeID(di, name)
	if !ok {
		return nil, errNotFound
	}
	return &Inode{fs: n.fs, id: id}, nil
}

var (
	errNotDir   = fmt.Errorf("fs: not a directory")
	errNotFound = fmt.Errorf("fs: not found")
	errExists   = fmt.Errorf("fs: already exists")
)

func (n *Inode) appendDirEntry(di *DiskInode, de DirEntry) error {
	count := di.Size() / limits.DirentSize
	newSize := (count + 1) * limits.DirentSize
	if err := n.fs.increaseSize(di, newSize); err != nil {
		return err
	}
	_, err := n.fs.writeAt(di, count*limits.DirentSize, de.Bytes())
	return err
}

// Create makes a new file or directory named name within this directory,
// failing with errExists if the name is already taken.
func (n *Inode) Create(name ustr.Ustr, kind defs.InodeKind) (*Inode, error) {
	if !n.IsDir() {
		return nil, errNotDir
	}
	n.fs.opMu.Lock()
	defer n.fs.opMu.Unlock()

	di := n.disk()
	if _, ok := n.findInodeID(di, name); ok {
		return nil, errExists
	}

	newID, err := n.fs.allocInode()
	if err != nil {
		return nil, err
	}
	newDi := n.fs.diskInode(newID)
	newDi.initialize(kind)

	if err := n.appendDirEntry(di, newDirEntry(name, uint32(newID))); err != nil {
		return nil, err
	}
	if err := n.fs.SyncAll(); err != nil {
		return nil, err
	}
	return &Inode{fs: n.fs, id: newID}, nil
}

// Ls lists the names present in this directory.
func (n *Inode) Ls() ([]ustr.Ustr, error) {
	if !n.IsDir() {
		return nil, errNotDir
	}
	di := n.disk()
	count := di.Size() / limits.DirentSize
	names := make([]ustr.Ustr, 0, count)
	for i := 0; i < count; i++ {
		de := emptyDirEntry()
		if _, err := n.fs.readAt(di, i*limits.DirentSize, de.buf); err != nil {
			return nil, err
		}
		names = append(names, de.Name())
	}
	return names, nil
}

// ReadAt reads into buf starting at offset, returning the number of
// bytes actually copied (short at end-of-file, never an error for that).
func (n *Inode) ReadAt(offset int, buf []byte) (int, error) {
	return n.fs.readAt(n.disk(), offset, buf)
}

// WriteAt writes buf at offset, growing the file first if offset+len(buf)
// exceeds its current size, allocating new blocks as needed — including
// crossing into the indirect and doubly-indirect regions.
func (n *Inode) WriteAt(offset int, buf []byte) (int, error) {
	n.fs.opMu.Lock()
	defer n.fs.opMu.Unlock()
	di := n.disk()
	if err := n.fs.increaseSize(di, offset+len(buf)); err != nil {
		return 0, err
	}
	written, err := n.fs.writeAt(di, offset, buf)
	if err != nil {
		return written, err
	}
	return written, n.fs.SyncAll()
}

// Link creates a new directory entry named newName in this directory
// pointing at the same inode as oldName already does here. There is no
// separate link-count field on disk; a hard link is just another dirent
// referencing the inode.
func (n *Inode) Link(oldName, newName ustr.Ustr) error {
	if !n.IsDir() {
		return errNotDir
	}
	n.fs.opMu.Lock()
	defer n.fs.opMu.Unlock()
	di := n.disk()
	id, ok := n.findInodeID(di, oldName)
	if !ok {
		return errNotFound
	}
	if _, ok := n.findInodeID(di, newName); ok {
		return errExists
	}
	if err := n.appendDirEntry(di, newDirEntry(newName, uint32(id))); err != nil {
		return err
	}
	return n.fs.SyncAll()
}

// Unlink removes the directory entry named name from this directory,
// swapping the last entry into the freed slot and shrinking by one
// DirentSize. It does not
// touch the target inode's own data — callers decide separately whether
// to Clear() it once its link count drops to zero.
func (n *Inode) Unlink(name ustr.Ustr) error {
	if !n.IsDir() {
		return errNotDir
	}
	n.fs.opMu.Lock()
	defer n.fs.opMu.Unlock()
	di := n.disk()
	count := di.Size() / limits.DirentSize
	removeIdx := -1
	for i := 0; i < count; i++ {
		de := emptyDirEntry()
		if _, err := n.fs.readAt(di, i*limits.DirentSize, de.buf); err != nil {
			return err
		}
		if de.Name().Eq(name) {
			removeIdx = i
			break
		}
	}
	if removeIdx < 0 {
		return errNotFound
	}
	last := emptyDirEntry()
	if _, err := n.fs.readAt(di, (count-1)*limits.DirentSize, last.buf); err != nil {
		return err
	}
	if _, err := n.fs.writeAt(di, removeIdx*limits.DirentSize, last.Bytes()); err != nil {
		return err
	}
	freed, err := n.fs.decreaseSize(di, (count-1)*limits.DirentSize)
	if err != nil {
		return err
	}
	for _, blk := range freed {
		if err := n.fs.deallocData(blk); err != nil {
			return err
		}
	}
	return n.fs.SyncAll()
}

// LinkCount counts how many directory entries reference this inode's
// id. The tree is flat (a single root directory, no subdirectories), so
// the scan is just the root directory's own entries.
func (n *Inode) LinkCount() (int, error) {
	root := n.fs.RootInode()
	names, err := root.Ls()
	if err != nil {
		return 0, err
	}
	di := root.disk()
	count := 0
	for i := range names {
		de := emptyDirEntry()
		if _, err := n.fs.readAt(di, i*limits.DirentSize, de.buf); err != nil {
			return 0, err
		}
		if int(de.InodeID()) == n.id {
			count++
		}
	}
	return count, nil
}

// Clear frees every data and index block this inode owns, resetting its
// size to zero. It does not remove any
// directory entry pointing at the inode — Unlink does that separately.
func (n *Inode) Clear() error {
	n.fs.opMu.Lock()
	defer n.fs.opMu.Unlock()
	di := n.disk()
	freed, err := n.fs.clearInode(di)
	if err != nil {
		return err
	}
	for _, blk := range freed {
		if err := n.fs.deallocData(blk); err != nil {
			return err
		}
	}
	return n.fs.SyncAll()
}

// Stat fills st with this inode's device (always 0), id, mode, and
// current hard-link count.
func (n *Inode) Stat(st *stat.Stat_t) error {
	mode := defs.ModeFile
	if n.IsDir() {
		mode = defs.ModeDir
	}
	nlink, err := n.LinkCount()
	if err != nil {
		return err
	}
	st.Wdev(0)
	st.Wino(uint32(n.id))
	st.Wmode(mode)
	st.Wnlink(uint32(nlink))
	return nil
}

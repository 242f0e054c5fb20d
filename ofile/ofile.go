// Package ofile implements the open-file abstraction: an object shared
// by file-descriptor clones (dup) wrapping either a disk inode or a
// pipe end, tracking its own offset and readable/writable/flags triple.
// A dup clones the reference, never re-resolves the path. The small
// Backend interface is all a wrapped object needs; fs.Inode already
// satisfies it.
package ofile

import (
	"fmt"
	"sync"

	"rvsmp/defs"
	"rvsmp/fs"
	"rvsmp/stat"
)

// Backend is what an OpenFile reads, writes, and stats through.
// fs.Inode already satisfies this (ReadAt/WriteAt/Stat), so an
// inode-backed OpenFile needs no adapter.
type Backend interface {
	ReadAt(offset int, buf []byte) (int, error)
	WriteAt(offset int, buf []byte) (int, error)
	Stat(st *stat.Stat_t) error
}

// OpenFile is the shared, fd-clonable open-file object.
type OpenFile struct {
	mu       sync.Mutex
	backend  Backend
	offset   int
	readable bool
	writable bool
	flags    int
	seekable bool // false for pipe ends: they have no addressable offset
}

func newOpenFile(b Backend, readable, writable bool, flags int, seekable bool) *OpenFile {
	return &OpenFile{backend: b, readable: readable, writable: writable, flags: flags, seekable: seekable}
}

// OpenInode wraps an inode handle as an OpenFile per the open(2)
// flags, truncating the inode first if O_TRUNC was given.
func OpenInode(n *fs.Inode, flags int) (*OpenFile, error) {
	readable := flags&defs.O_WRONLY == 0
	writable := flags&defs.O_WRONLY != 0 || flags&defs.O_RDWR != 0
	if flags&defs.O_TRUNC != 0 {
		if err := n.Clear(); err != nil {
			return nil, err
		}
	}
	return newOpenFile(n, readable, writable, flags, true), nil
}

var (
	errNotReadable = fmt.Errorf("ofile: not opened readable")
	errNotWritable = fmt.Errorf("ofile: not opened writable")
)

// Readable reports whether this file was opened for reading.
func (f *OpenFile) Readable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readable
}

// Writable reports whether this file was opened for writing.
func (f *OpenFile) Writable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writable
}

// Read copies into buf from the file's current offset, advancing it for
// seekable backends.
func (f *OpenFile) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.readable {
		return 0, errNotReadable
	}
	n, err := f.backend.ReadAt(f.offset, buf)
	if f.seekable {
		f.offset += n
	}
	return n, err
}

// Write copies buf into the file at its current offset, advancing it
// for seekable backends; writes past the current size grow the
// underlying inode.
func (f *OpenFile) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.writable {
		return 0, errNotWritable
	}
	n, err := f.backend.WriteAt(f.offset, buf)
	if f.seekable {
		f.offset += n
	}
	return n, err
}

// Stat fills st via the backing inode/pipe's Stat method.
func (f *OpenFile) Stat(st *stat.Stat_t) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend.Stat(st)
}

// Inode returns the backing fs.Inode, if this OpenFile wraps one. The
// syscall handlers do not call it: linkat/unlinkat work on root-directory
// names and fstat goes through Stat.
func (f *OpenFile) Inode() (*fs.Inode, bool) {
	n, ok := f.backend.(*fs.Inode)
	return n, ok
}

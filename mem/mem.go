// Package mem implements the physical-frame allocator: a
// stack-of-free-frames over the physical range between the kernel
// image's end and a fixed end address, handing out RAII frame handles.
// A single global pool suffices; nothing here approaches the contention
// a per-hart free-list fast path would target.
package mem

import (
	"fmt"
	"sync"
)

// PageShift/PageSize describe the SV39 base page geometry.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Pa_t is a physical address; Ppn_t is a physical page number (Pa_t >> PageShift).
type Pa_t uintptr
type Ppn_t uint64

// Page_t is the byte contents of one physical page.
type Page_t [PageSize]byte

type framenode_t struct {
	used bool
	next uint32
}

// OutOfMemory is returned by Alloc when the free list is empty.
var OutOfMemory = fmt.Errorf("mem: out of physical frames")

// Allocator_t is the global physical-frame allocator. ekernel..end is
// modeled as a fixed-size backing arena; index 0 of that arena is "ekernel".
type Allocator_t struct {
	mu      sync.Mutex
	arena   []Page_t
	nodes   []framenode_t
	freei   uint32
	freelen int
	startn  Ppn_t
}

const freeListEnd = ^uint32(0)

// NewAllocator reserves `frames` physical pages starting at physical
// page number `startppn`, the first page past the kernel image.
func NewAllocator(frames int, startppn Ppn_t) *Allocator_t {
	a := &Allocator_t{
		arena:  make([]Page_t, frames),
		nodes:  make([]framenode_t, frames),
		startn: startppn,
	}
	for i := 0; i < frames; i++ {
		if i == frames-1 {
			a.nodes[i].next = freeListEnd
		} else {
			a.nodes[i].next = uint32(i + 1)
		}
	}
	a.freei = 0
	a.freelen = frames
	return a
}

// FrameHandle is an RAII handle on one physical frame: each frame is
// owned by exactly one handle, and its owner must call Release when
// finished to return the frame to the allocator. There is no finalizer
// backstop — a caller that forgets to Release leaks the frame.
type FrameHandle struct {
	a        *Allocator_t
	idx      uint32
	released bool
}

// Ppn returns the physical page number this handle owns.
func (h *FrameHandle) Ppn() Ppn_t {
	return h.a.startn + Ppn_t(h.idx)
}

// Pa returns the physical byte address of the frame.
func (h *FrameHandle) Pa() Pa_t {
	return Pa_t(h.Ppn()) << PageShift
}

// Bytes returns the zeroed (on allocation) backing page, addressable the
// way a kernel direct-mapped page would be.
func (h *FrameHandle) Bytes() *Page_t {
	return &h.a.arena[h.idx]
}

// Release returns the frame to its allocator. Calling it twice panics.
func (h *FrameHandle) Release() {
	if h.released {
		panic("mem: double release of frame handle")
	}
	h.released = true
	a := h.a
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes[h.idx] = framenode_t{next: a.freei}
	a.freei = h.idx
	a.freelen++
}

// Alloc hands out one zeroed frame.
func (a *Allocator_t) Alloc() (*FrameHandle, error) {
	a.mu.Lock()
	if a.freei == freeListEnd {
		a.mu.Unlock()
		return nil, OutOfMemory
	}
	idx := a.freei
	a.freei = a.nodes[idx].next
	a.freelen--
	a.nodes[idx] = framenode_t{used: true}
	a.mu.Unlock()
	h := &FrameHandle{a: a, idx: idx}
	*h.Bytes() = Page_t{}
	return h, nil
}

// Free reports the number of frames currently available.
func (a *Allocator_t) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freelen
}

// Total reports the total number of frames the allocator was created with.
func (a *Allocator_t) Total() int {
	return len(a.arena)
}

// PpnToIndex converts a physical page number owned by this allocator back
// to an arena index, panicking if it is out of range — used by the page
// table walker to dereference a PTE's physical page number.
func (a *Allocator_t) PpnToIndex(ppn Ppn_t) uint32 {
	if ppn < a.startn || int(ppn-a.startn) >= len(a.arena) {
		panic("mem: ppn out of arena range")
	}
	return uint32(ppn - a.startn)
}

// PageAt returns the backing page for a physical page number owned by
// this allocator — the direct-map view of that frame.
func (a *Allocator_t) PageAt(ppn Ppn_t) *Page_t {
	return &a.arena[a.PpnToIndex(ppn)]
}

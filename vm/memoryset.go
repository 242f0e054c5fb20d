package vm

import (
	"fmt"

	"rvsmp/mem"
)

// MapAreaKind distinguishes an area whose VA range is pinned 1:1 onto PA
// (kernel identity mappings) from one backed by frames allocated when
// the area is pushed.
type MapAreaKind int

const (
	Identical MapAreaKind = iota
	Framed
)

// MapArea_t is a contiguous, page-aligned VPN range sharing one kind
// and one permission set.
type MapArea_t struct {
	vpnStart Vpn_t
	vpnEnd   Vpn_t // exclusive
	perm     uint64
	kind     MapAreaKind
	frames   map[Vpn_t]*mem.FrameHandle // Framed only
}

func newMapArea(start, end Vpn_t, perm uint64, kind MapAreaKind) *MapArea_t {
	a := &MapArea_t{vpnStart: start, vpnEnd: end, perm: perm, kind: kind}
	if kind == Framed {
		a.frames = make(map[Vpn_t]*mem.FrameHandle)
	}
	return a
}

func (a *MapArea_t) contains(vpn Vpn_t) bool { return vpn >= a.vpnStart && vpn < a.vpnEnd }

func (a *MapArea_t) overlaps(start, end Vpn_t) bool {
	return a.vpnStart < end && start < a.vpnEnd
}

func (a *MapArea_t) mapOnePage(pt *PageTable_t, alloc *mem.Allocator_t, vpn Vpn_t) error {
	switch a.kind {
	case Identical:
		pt.Map(vpn, mem.Ppn_t(vpn), a.perm)
	case Framed:
		f, err := alloc.Alloc()
		if err != nil {
			return err
		}
		a.frames[vpn] = f
		pt.Map(vpn, f.Ppn(), a.perm)
	}
	return nil
}

func (a *MapArea_t) mapAll(pt *PageTable_t, alloc *mem.Allocator_t) error {
	for vpn := a.vpnStart; vpn < a.vpnEnd; vpn++ {
		if err := a.mapOnePage(pt, alloc, vpn); err != nil {
			return err
		}
	}
	return nil
}

func (a *MapArea_t) unmapAll(pt *PageTable_t) {
	for vpn := a.vpnStart; vpn < a.vpnEnd; vpn++ {
		pt.Unmap(vpn)
		if a.kind == Framed {
			if f, ok := a.frames[vpn]; ok {
				f.Release()
				delete(a.frames, vpn)
			}
		}
	}
}

// copyData copies data into a Framed area's backing frames page by
// page, starting at vpnStart — how a loader populates a fresh segment's
// frames before first use.
func (a *MapArea_t) copyData(alloc *mem.Allocator_t, data []byte) {
	off := 0
	for vpn := a.vpnStart; vpn < a.vpnEnd && off < len(data); vpn++ {
		f := a.frames[vpn]
		n := copy(f.Bytes()[:], data[off:])
		off += n
	}
}

// MemorySet_t is one process's address space: a page table plus the
// list of MapAreas that describe it.
type MemorySet_t struct {
	alloc *mem.Allocator_t
	pt    *PageTable_t
	areas []*MapArea_t
}

// NewMemorySet allocates a fresh, empty address space.
func NewMemorySet(alloc *mem.Allocator_t) (*MemorySet_t, error) {
	pt, err := NewPageTable(alloc)
	if err != nil {
		return nil, err
	}
	return &MemorySet_t{alloc: alloc, pt: pt}, nil
}

// PageTable exposes the underlying table, e.g. so a hart can read RootPpn
// for satp.
func (ms *MemorySet_t) PageTable() *PageTable_t { return ms.pt }

// Push installs area into the address space, mapping every page it covers
// and (if data is non-nil) copying it into the Framed area's frames.
func (ms *MemorySet_t) Push(area *MapArea_t, data []byte) error {
	if err := area.mapAll(ms.pt, ms.alloc); err != nil {
		return err
	}
	if data != nil && area.kind == Framed {
		area.copyData(ms.alloc, data)
	}
	ms.areas = append(ms.areas, area)
	return nil
}

// hasOverlap reports whether [start,end) intersects any existing area.
func (ms *MemorySet_t) hasOverlap(start, end Vpn_t) bool {
	for _, a := range ms.areas {
		if a.overlaps(start, end) {
			return true
		}
	}
	return false
}

// InsertFramedArea maps a fresh Framed, U-accessible area over [startVa,
// endVa) with the given permission bits, rejecting the call outright if
// it would overlap an existing area.
func (ms *MemorySet_t) InsertFramedArea(startVa, endVa uint64, perm uint64) error {
	start := Vpn_t(startVa >> PageShiftBits)
	end := Vpn_t(roundUpPage(endVa) >> PageShiftBits)
	if ms.hasOverlap(start, end) {
		return fmt.Errorf("vm: area [%#x,%#x) overlaps existing mapping", startVa, endVa)
	}
	area := newMapArea(start, end, perm|PteU, Framed)
	return ms.Push(area, nil)
}

// RemoveAreaWithStartVpn unmaps and releases the single area beginning
// exactly at vpn.
func (ms *MemorySet_t) RemoveAreaWithStartVpn(vpn Vpn_t) error {
	for i, a := range ms.areas {
		if a.vpnStart == vpn {
			a.unmapAll(ms.pt)
			ms.areas = append(ms.areas[:i], ms.areas[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("vm: no area starting at vpn %#x", vpn)
}

// Translate exposes PageTable_t.Translate for a single vpn.
func (ms *MemorySet_t) Translate(vpn Vpn_t) (Pte_t, bool) { return ms.pt.Translate(vpn) }

// Mmap implements the mmap syscall contract:
// start must be page-aligned; port must have at least one of R/W/X set
// and no bits outside {R,W,X}; the target range [start,start+len) must be
// entirely unmapped. On success it installs a Framed area, allocating a
// frame for every page at once (no page is framed lazily on first
// access), and returns nil; any violation returns an error without
// partial effect.
func (ms *MemorySet_t) Mmap(start, length uint64, port uint64) error {
	const rwx = 0x7
	if start%mem.PageSize != 0 {
		return fmt.Errorf("vm: mmap start %#x not page-aligned", start)
	}
	if port == 0 || port&^rwx != 0 {
		return fmt.Errorf("vm: mmap invalid port bits %#x", port)
	}
	end := start + length
	startVpn := Vpn_t(start >> PageShiftBits)
	endVpn := Vpn_t(roundUpPage(end) >> PageShiftBits)
	if ms.hasOverlap(startVpn, endVpn) {
		return fmt.Errorf("vm: mmap range [%#x,%#x) already mapped", start, end)
	}
	flags := PteU
	if port&0x1 != 0 {
		flags |= PteR
	}
	if port&0x2 != 0 {
		flags |= PteW
	}
	if port&0x4 != 0 {
		flags |= PteX
	}
	area := newMapArea(startVpn, endVpn, uint64(flags), Framed)
	return ms.Push(area, nil)
}

// Munmap implements the munmap contract: the target range
// must exactly match an area that Mmap created; a partial unmap attempt is
// rejected rather than silently splitting the area.
func (ms *MemorySet_t) Munmap(start, length uint64) error {
	startVpn := Vpn_t(start >> PageShiftBits)
	endVpn := Vpn_t(roundUpPage(start+length) >> PageShiftBits)
	for _, a := range ms.areas {
		if a.vpnStart == startVpn && a.vpnEnd == endVpn {
			return ms.RemoveAreaWithStartVpn(startVpn)
		}
	}
	return fmt.Errorf("vm: munmap [%#x,%#x) does not match a mapped area exactly", start, start+length)
}

const PageShiftBits = 12

func roundUpPage(v uint64) uint64 {
	return (v + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

// MapTrampoline installs the trampoline page at the fixed high-memory
// VA. Every address space maps the same physical frame at the same
// virtual address, so the privilege-switch shim stays executable across
// a page-table switch.
func (ms *MemorySet_t) MapTrampoline(ppn mem.Ppn_t) {
	vpn := TrampolineVpn
	if _, ok := ms.pt.Translate(vpn); ok {
		return
	}
	ms.pt.Map(vpn, ppn, PteR|PteX)
}

// TrampolineVpn is the fixed VPN every address space maps the trampoline
// page at: the highest VPN representable in SV39's 39-bit VA space.
const TrampolineVpn Vpn_t = (1 << 27) - 1

// Release tears down the whole address space: every Framed area's frames
// and the page table's own root/intermediate frames. Callers must not use
// ms afterward. Needed wherever a process's address space is replaced or
// dropped (exec, process exit) since frames are handed back explicitly,
// never by a finalizer.
func (ms *MemorySet_t) Release() {
	for _, a := range ms.areas {
		a.unmapAll(ms.pt)
	}
	ms.areas = nil
	ms.pt.Release()
}

// KernelLayout describes the physical regions NewKernel identity-maps,
// supplied by the boot caller since this package has no link-time
// symbols to read them from.
type KernelLayout struct {
	TextStart, TextEnd     uint64
	RodataStart, RodataEnd uint64
	DataStart, DataEnd     uint64 // covers .data and .bss together
	FreeStart, FreeEnd     uint64
	MMIOWindows            [][2]uint64 // [start,end) pairs, R+W, non-executable
}

// NewKernel builds the kernel's own address space: identity mappings for
// .text (R+X), .rodata (R), .data+.bss (R+W), the free-frame region
// (R+W), and any MMIO windows (R+W), plus the trampoline. None of these
// areas are U-accessible.
func NewKernel(alloc *mem.Allocator_t, layout KernelLayout, trampolinePpn mem.Ppn_t) (*MemorySet_t, error) {
	ms, err := NewMemorySet(alloc)
	if err != nil {
		return nil, err
	}
	ranges := []struct {
		start, end uint64
		perm       uint64
	}{
		{layout.TextStart, layout.TextEnd, PteR | PteX},
		{layout.RodataStart, layout.RodataEnd, PteR},
		{layout.DataStart, layout.DataEnd, PteR | PteW},
		{layout.FreeStart, layout.FreeEnd, PteR | PteW},
	}
	for _, r := range ranges {
		if r.start == r.end {
			continue
		}
		area := newMapArea(Vpn_t(r.start>>PageShiftBits), Vpn_t(roundUpPage(r.end)>>PageShiftBits), r.perm, Identical)
		if err := ms.Push(area, nil); err != nil {
			return nil, err
		}
	}
	for _, w := range layout.MMIOWindows {
		area := newMapArea(Vpn_t(w[0]>>PageShiftBits), Vpn_t(roundUpPage(w[1])>>PageShiftBits), PteR|PteW, Identical)
		if err := ms.Push(area, nil); err != nil {
			return nil, err
		}
	}
	ms.MapTrampoline(trampolinePpn)
	return ms, nil
}

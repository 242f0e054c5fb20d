// Package vm implements the SV39 page-table manager and the per-process
// address-space (MemorySet) abstraction layered over it.
package vm

import (
	"fmt"

	"rvsmp/mem"
)

// PTE flag bits, SV39 layout (GLOSSARY).
const (
	PteV = 1 << 0 // valid
	PteR = 1 << 1 // readable
	PteW = 1 << 2 // writable
	PteX = 1 << 3 // executable
	PteU = 1 << 4 // user-accessible
	PteG = 1 << 5 // global
	PteA = 1 << 6 // accessed
	PteD = 1 << 7 // dirty

	pteFlagBits = 10
	ppnMask     = (uint64(1) << 44) - 1

	vpnBitsPerLevel = 9
	vpnLevels       = 3
)

// Vpn_t is a 39-bit virtual page number.
type Vpn_t uint64

// Pte_t is a raw SV39 page-table entry.
type Pte_t uint64

// Flags returns the low flag bits of the PTE.
func (p Pte_t) Flags() uint64 { return uint64(p) & (1<<pteFlagBits - 1) }

// Valid reports whether the V bit is set.
func (p Pte_t) Valid() bool { return uint64(p)&PteV != 0 }

// Leaf reports whether the PTE carries R/W/X, i.e. is not a pointer to a
// next-level table.
func (p Pte_t) Leaf() bool { return uint64(p)&(PteR|PteW|PteX) != 0 }

// Ppn extracts the physical page number the PTE points at.
func (p Pte_t) Ppn() mem.Ppn_t { return mem.Ppn_t((uint64(p) >> pteFlagBits) & ppnMask) }

func mkPte(ppn mem.Ppn_t, flags uint64) Pte_t {
	return Pte_t((uint64(ppn) << pteFlagBits) | flags | PteV)
}

// vpnIndex extracts level `lvl` (0 = lowest) index bits from a VPN.
func vpnIndex(vpn Vpn_t, lvl int) int {
	return int((uint64(vpn) >> (uint(lvl) * vpnBitsPerLevel)) & (1<<vpnBitsPerLevel - 1))
}

// PageTable_t owns its root frame plus every intermediate frame it has
// allocated while mapping pages: "PageTable owns its root
// frame plus all intermediate frames (auto-allocated on map)".
type PageTable_t struct {
	alloc  *mem.Allocator_t
	root   *mem.FrameHandle
	frames []*mem.FrameHandle // intermediate (non-leaf) frames, owned
}

// NewPageTable allocates a zeroed root frame.
func NewPageTable(alloc *mem.Allocator_t) (*PageTable_t, error) {
	root, err := alloc.Alloc()
	if err != nil {
		return nil, err
	}
	return &PageTable_t{alloc: alloc, root: root}, nil
}

// RootPpn returns the physical page number of the root table, the value a
// hart's satp register would carry.
func (pt *PageTable_t) RootPpn() mem.Ppn_t { return pt.root.Ppn() }

func pteTable(page *mem.Page_t) *[512]uint64 {
	return (*[512]uint64)(unsafeSlice(page))
}

// walk descends the three SV39 levels toward vpn. When alloc is true,
// missing intermediate tables are allocated and linked in; otherwise a
// missing table yields (nil, false) without side effects, matching the
// no-allocate contract of Translate.
func (pt *PageTable_t) walk(vpn Vpn_t, alloc bool) (*uint64, bool) {
	page := pt.root.Bytes()
	for lvl := vpnLevels - 1; lvl > 0; lvl-- {
		table := pteTable(page)
		idx := vpnIndex(vpn, lvl)
		pte := Pte_t(table[idx])
		if !pte.Valid() {
			if !alloc {
				return nil, false
			}
			nf, err := pt.alloc.Alloc()
			if err != nil {
				return nil, false
			}
			pt.frames = append(pt.frames, nf)
			table[idx] = uint64(mkPte(nf.Ppn(), 0))
			pte = Pte_t(table[idx])
		}
		page = pt.alloc.PageAt(pte.Ppn())
	}
	table := pteTable(page)
	idx := vpnIndex(vpn, 0)
	return &table[idx], true
}

// Translate walks the tree without allocating.
func (pt *PageTable_t) Translate(vpn Vpn_t) (Pte_t, bool) {
	slot, ok := pt.walk(vpn, false)
	if !ok || !Pte_t(*slot).Valid() {
		return 0, false
	}
	return Pte_t(*slot), true
}

// Map installs a leaf mapping vpn -> ppn with the given flag bits. It
// panics if vpn is already mapped: the caller (MapArea) is contractually
// responsible for never double-mapping a page.
func (pt *PageTable_t) Map(vpn Vpn_t, ppn mem.Ppn_t, flags uint64) {
	slot, ok := pt.walk(vpn, true)
	if !ok {
		panic(fmt.Sprintf("vm: out of memory mapping vpn %#x", vpn))
	}
	if Pte_t(*slot).Valid() {
		panic(fmt.Sprintf("vm: vpn %#x already mapped", vpn))
	}
	*slot = uint64(mkPte(ppn, flags|PteV))
}

// Unmap clears a leaf mapping. It panics if vpn was not mapped.
func (pt *PageTable_t) Unmap(vpn Vpn_t) {
	slot, ok := pt.walk(vpn, false)
	if !ok || !Pte_t(*slot).Valid() {
		panic(fmt.Sprintf("vm: vpn %#x not mapped", vpn))
	}
	*slot = 0
}

// Release returns every frame the page table owns (root plus all
// intermediate tables) to the allocator. Leaf (Framed-area) frames are not
// owned here — MapArea releases those.
func (pt *PageTable_t) Release() {
	for _, f := range pt.frames {
		f.Release()
	}
	pt.frames = nil
	pt.root.Release()
}

package vm

import (
	"rvsmp/limits"
	"rvsmp/mem"
)

// Per-thread resource layout below the trampoline page: each tid gets
// one trap-context page and one guard-paged user stack, descending from
// the trampoline so every thread's addresses are a pure function of its
// tid.
const (
	UserStackPages = 2 // pages of usable stack per thread, not counting the guard page

	// stacks start one guard page below the trap-context pages of
	// limits.MaxThreads threads
	userStackAreaTop = (uint64(TrampolineVpn) - limits.MaxThreads - 1) << PageShiftBits
)

// TrapCxVpn returns the VPN the given thread's trap context lives at:
// one page per tid, immediately below the trampoline page.
func TrapCxVpn(tid int) Vpn_t {
	return TrampolineVpn - 1 - Vpn_t(tid)
}

// trapCxAreaBottom returns the lowest VA of the region reserved for
// maxThreads threads' trap-context pages; the user stack region starts
// below it.
func trapCxAreaBottom(maxThreads int) uint64 {
	return uint64(TrapCxVpn(maxThreads-1)) << PageShiftBits
}

// userStackRange returns the [bottom, top) VA range reserved for tid's
// user stack, with one full guard page separating consecutive threads'
// stacks so a stack overflow faults instead of corrupting the next
// thread's memory.
func userStackRange(tid int) (bottom, top uint64) {
	perThread := uint64(UserStackPages+1) * mem.PageSize // +1 guard page
	top = userStackAreaTop - uint64(tid)*perThread
	bottom = top - uint64(UserStackPages)*mem.PageSize
	return
}

// MapTrapContext installs tid's trap-context page: one Framed page,
// kernel-only (R+W, no U bit), returning the VA a trap entry/return
// should read/write the TrapContext through.
func (ms *MemorySet_t) MapTrapContext(tid int) (va uint64, err error) {
	vpn := TrapCxVpn(tid)
	area := newMapArea(vpn, vpn+1, PteR|PteW, Framed)
	if err := ms.Push(area, nil); err != nil {
		return 0, err
	}
	return uint64(vpn) << PageShiftBits, nil
}

// AllocUserStack installs tid's user stack as a U|R|W Framed area,
// returning the stack's top VA (what the trap context's sp should be
// initialized to).
func (ms *MemorySet_t) AllocUserStack(tid int) (top uint64, err error) {
	bottom, top := userStackRange(tid)
	area := newMapArea(Vpn_t(bottom>>PageShiftBits), Vpn_t(top>>PageShiftBits), PteR|PteW|PteU, Framed)
	if err := ms.Push(area, nil); err != nil {
		return 0, err
	}
	return top, nil
}

// ReleaseThreadRes unmaps and releases tid's trap-context page and user
// stack. Missing areas (already released) are silently ignored so
// callers can use this idempotently during teardown.
func (ms *MemorySet_t) ReleaseThreadRes(tid int) {
	_ = ms.RemoveAreaWithStartVpn(TrapCxVpn(tid))
	bottom, _ := userStackRange(tid)
	_ = ms.RemoveAreaWithStartVpn(Vpn_t(bottom >> PageShiftBits))
}

// CopyUser deep-copies src into a fresh address space over alloc:
// Framed areas get their own freshly allocated frames with the source
// bytes copied in, Identical areas are reproduced with the same (shared,
// not copied) physical mapping. This is the address-space half of fork.
func CopyUser(alloc *mem.Allocator_t, src *MemorySet_t) (*MemorySet_t, error) {
	dst, err := NewMemorySet(alloc)
	if err != nil {
		return nil, err
	}
	for _, a := range src.areas {
		switch a.kind {
		case Identical:
			area := newMapArea(a.vpnStart, a.vpnEnd, a.perm, Identical)
			if err := dst.Push(area, nil); err != nil {
				return nil, err
			}
		case Framed:
			area := newMapArea(a.vpnStart, a.vpnEnd, a.perm, Framed)
			if err := dst.Push(area, nil); err != nil {
				return nil, err
			}
			for vpn := a.vpnStart; vpn < a.vpnEnd; vpn++ {
				srcFrame, ok := a.frames[vpn]
				if !ok {
					continue
				}
				dstFrame := area.frames[vpn]
				*dstFrame.Bytes() = *srcFrame.Bytes()
			}
		}
	}
	return dst, nil
}

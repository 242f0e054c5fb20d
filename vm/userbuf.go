package vm

import (
	"fmt"

	"rvsmp/mem"
)

// UserBuffer walks a user virtual-address range page by page,
// translating each page it crosses through a MemorySet and handing back
// a contiguous kernel-visible slice for it. Everything crossing the
// syscall boundary is copied through one of these.
type UserBuffer struct {
	ms     *MemorySet_t
	userva uint64
	length int
	off    int
}

// NewUserBuffer builds an iterator over [userva, userva+length) in ms.
func NewUserBuffer(ms *MemorySet_t, userva uint64, length int) *UserBuffer {
	return &UserBuffer{ms: ms, userva: userva, length: length}
}

// Remain returns the number of bytes not yet consumed.
func (ub *UserBuffer) Remain() int { return ub.length - ub.off }

// Totalsz returns the buffer's total length.
func (ub *UserBuffer) Totalsz() int { return ub.length }

// pageSlice translates one user page and returns the kernel-visible bytes
// starting at the page-internal offset of va, plus the error if the page
// is unmapped or lacks the required permission.
func (ub *UserBuffer) pageSlice(va uint64, write bool) ([]byte, error) {
	vpn := Vpn_t(va >> PageShiftBits)
	pte, ok := ub.ms.Translate(vpn)
	if !ok {
		return nil, fmt.Errorf("vm: userbuf va %#x unmapped", va)
	}
	need := uint64(PteU | PteR)
	if write {
		need |= PteW
	}
	if pte.Flags()&need != need {
		return nil, fmt.Errorf("vm: userbuf va %#x missing permission", va)
	}
	page := ub.ms.alloc.PageAt(pte.Ppn())
	pageOff := int(va & (mem.PageSize - 1))
	return page[pageOff:], nil
}

// tx is the shared core of Uioread/Uiowrite: it copies min(len(buf),
// remaining) bytes between buf and the user pages the cursor currently
// spans, advancing the cursor as it goes.
func (ub *UserBuffer) tx(buf []byte, write bool) (int, error) {
	did := 0
	for did < len(buf) && ub.Remain() > 0 {
		va := ub.userva + uint64(ub.off)
		ps, err := ub.pageSlice(va, write)
		if err != nil {
			return did, err
		}
		n := len(buf) - did
		if n > len(ps) {
			n = len(ps)
		}
		if n > ub.Remain() {
			n = ub.Remain()
		}
		if write {
			copy(ps[:n], buf[did:did+n])
		} else {
			copy(buf[did:did+n], ps[:n])
		}
		did += n
		ub.off += n
	}
	return did, nil
}

// Uioread copies from the user range into dst.
func (ub *UserBuffer) Uioread(dst []byte) (int, error) { return ub.tx(dst, false) }

// Uiowrite copies from src into the user range.
func (ub *UserBuffer) Uiowrite(src []byte) (int, error) { return ub.tx(src, true) }

// FakeBuffer presents the UserBuffer interface over a plain host-side
// byte slice with no page translation at all, for kernel-internal code
// that hands a byte region to an API shaped around UserBuffer without a
// real address space backing it. No package in this module constructs
// one.
type FakeBuffer struct {
	buf []byte
	off int
}

// NewFakeBuffer wraps buf for FakeBuffer iteration starting at offset 0.
func NewFakeBuffer(buf []byte) *FakeBuffer { return &FakeBuffer{buf: buf} }

// Remain returns the number of bytes not yet consumed.
func (fb *FakeBuffer) Remain() int { return len(fb.buf) - fb.off }

// Totalsz returns the wrapped slice's length.
func (fb *FakeBuffer) Totalsz() int { return len(fb.buf) }

func (fb *FakeBuffer) tx(buf []byte, write bool) int {
	n := len(buf)
	if n > fb.Remain() {
		n = fb.Remain()
	}
	if write {
		copy(fb.buf[fb.off:fb.off+n], buf[:n])
	} else {
		copy(buf[:n], fb.buf[fb.off:fb.off+n])
	}
	fb.off += n
	return n
}

// Uioread copies from the wrapped slice into dst.
func (fb *FakeBuffer) Uioread(dst []byte) (int, error) { return fb.tx(dst, false), nil }

// Uiowrite copies from src into the wrapped slice.
func (fb *FakeBuffer) Uiowrite(src []byte) (int, error) { return fb.tx(src, true), nil }

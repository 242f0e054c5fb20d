package vm

import (
	"unsafe"

	"rvsmp/mem"
)

// unsafeSlice reinterprets a physical page's byte storage as the pointer
// a [512]uint64 page-table view needs, the same unsafe.Pointer cast
// util.Readn/Writen use elsewhere in this tree to treat a byte buffer as a
// fixed-width record.
func unsafeSlice(page *mem.Page_t) unsafe.Pointer {
	return unsafe.Pointer(page)
}

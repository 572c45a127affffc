// Package arena provides the two inputs the allocator core actually
// consumes: a numeric region (base + size) and a zero-fill primitive.
// Everything else — boot sequence, BIOS wrappers, register headers — is
// an external collaborator and lives outside this module.
package arena

import (
	"fmt"
	"unsafe"
)

// Region is a contiguous byte range backed by a Go-managed slice. Real
// firmware would point this at a fixed work-RAM address; tests and the
// soak harness back it with a plain []byte.
type Region struct {
	mem []byte
	ptr unsafe.Pointer
}

// New wraps mem as a Region. mem's length is the region size; callers
// that need page alignment must size mem accordingly.
func New(mem []byte) (Region, error) {
	if len(mem) == 0 {
		return Region{}, fmt.Errorf("arena: region must not be empty")
	}
	return Region{mem: mem, ptr: unsafe.Pointer(&mem[0])}, nil
}

// Size returns the region size in bytes.
func (r Region) Size() uint32 { return uint32(len(r.mem)) }

// Base returns the region's base pointer.
func (r Region) Base() unsafe.Pointer { return r.ptr }

// At returns a pointer to byte offset off within the region.
func (r Region) At(off uint32) unsafe.Pointer {
	return unsafe.Add(r.ptr, uintptr(off))
}

// OffsetOf returns the byte offset of p within the region. Callers must
// only pass pointers previously obtained from At, Base, or arithmetic on
// either.
func (r Region) OffsetOf(p unsafe.Pointer) uint32 {
	return uint32(uintptr(p) - uintptr(r.ptr))
}

// Zero is the zero-fill primitive named in the purpose statement: clear
// size bytes starting at byte offset off. On real hardware this would be
// a BIOS-backed fast fill; here a plain clear() over the backing slice
// is the idiomatic Go equivalent. No allocator in this module calls it.
func (r Region) Zero(off, size uint32) {
	clear(r.mem[off : off+size])
}

// Bytes exposes the backing slice for a byte range, for callers that
// need to read or copy user payload (the heap and slab allocators never
// read user payload bytes themselves).
func (r Region) Bytes(off, size uint32) []byte {
	return r.mem[off : off+size]
}

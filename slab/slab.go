// Package slab implements a SLOB-style fixed-size object allocator: a
// single page frame hosts many same-size objects, and frames migrate
// between full, partial and free lists as their occupancy changes.
package slab

import (
	"fmt"
	"unsafe"

	"github.com/gmlibc/gbamm/arena"
	"github.com/gmlibc/gbamm/page"
)

// Config is the per-instance configuration of a slab allocator. Each
// Allocator serves exactly one object size, chosen one of two ways:
//
//   - ObjectSize, for an arbitrary fixed size — offsets within a frame
//     are computed by multiply/divide.
//   - ObjectShift, for a power-of-two size fixed at 1<<ObjectShift —
//     offsets are computed by shift instead, the distinct code path
//     SlobInitPow2 is for. Sizing is then implicit in ObjectShift and
//     ObjectSize is ignored.
type Config struct {
	ObjectSize      uint32
	ObjectShift     uint32
	EagerDeallocate bool
}

func (c Config) validate() error {
	if c.ObjectShift != 0 {
		if c.ObjectShift < 2 {
			return fmt.Errorf("slab: ObjectShift must be >= 2")
		}
		return nil
	}
	if c.ObjectSize < 4 {
		return fmt.Errorf("slab: ObjectSize must be >= 4")
	}
	return nil
}

const nullOff = ^uint32(0)

// magicConst anchors the per-frame magic check; it carries no meaning
// beyond being a fixed constant XORed against frame-derived bits.
const magicConst = uint32(0xcafebabe)

const headerSize = 28 // magic,used,top,objFreeHead,full,prev,next: 7 uint32 fields

type frameHeader struct {
	magic       uint32
	used        uint32
	top         uint32
	objFreeHead uint32 // 1-based index of the first free slot, 0 = none
	full        uint32 // 1 while linked into fullHead, else 0
	prev, next  uint32
}

func (h *frameHeader) computeMagic(frameOff uint32) uint32 {
	return frameOff ^ magicConst ^ (h.used | (h.top << 13) | (h.objFreeHead << 26))
}

// Allocator is a fixed-size slab allocator riding a page allocator's
// high-page arena. Every frame is exactly one page.
type Allocator struct {
	pages  *page.Allocator
	region arena.Region
	cfg    Config

	objectSize  uint32
	objectShift uint32 // 0 for the fixed-size path, else the pow2 path's shift
	numObjects  uint32

	fullHead, partialHead, sfreeHead uint32

	initialized bool
}

// New constructs a slab allocator over pages, which must already be
// initialized.
func New(pages *page.Allocator, region arena.Region, cfg Config) (*Allocator, error) {
	if !pages.HasInit() {
		return nil, fmt.Errorf("slab: page allocator not initialized")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	objectSize := cfg.ObjectSize
	objectShift := uint32(0)
	if cfg.ObjectShift != 0 {
		objectShift = cfg.ObjectShift
		objectSize = uint32(1) << objectShift
	}

	numObjects := (pages.PageSize() - headerSize) / objectSize
	if numObjects == 0 {
		return nil, fmt.Errorf("slab: object size %d leaves no room in a %d-byte page", objectSize, pages.PageSize())
	}

	return &Allocator{
		pages:       pages,
		region:      region,
		cfg:         cfg,
		objectSize:  objectSize,
		objectShift: objectShift,
		numObjects:  numObjects,
		fullHead:    nullOff,
		partialHead: nullOff,
		sfreeHead:   nullOff,
		initialized: true,
	}, nil
}

// HasInit reports whether the allocator has been set up.
func (a *Allocator) HasInit() bool { return a.initialized }

// ObjectSize returns the object size served by this allocator
// (1<<ObjectShift on the power-of-two path).
func (a *Allocator) ObjectSize() uint32 { return a.objectSize }

func (a *Allocator) frameAt(off uint32) *frameHeader {
	return (*frameHeader)(a.region.At(off))
}

func (a *Allocator) objectAt(frameOff, index uint32) unsafe.Pointer {
	if a.objectShift != 0 {
		return a.region.At(frameOff + headerSize + (index << a.objectShift))
	}
	return a.region.At(frameOff + headerSize + index*a.objectSize)
}

func (a *Allocator) syncMagic(frameOff uint32) {
	h := a.frameAt(frameOff)
	h.magic = h.computeMagic(frameOff)
}

func (a *Allocator) isFrameHeader(frameOff uint32) bool {
	h := a.frameAt(frameOff)
	return h.magic == h.computeMagic(frameOff)
}

// --- list bookkeeping: doubly-linked chains of frame offsets ---

func (a *Allocator) listInsertHead(head *uint32, frameOff uint32) {
	h := a.frameAt(frameOff)
	h.prev = nullOff
	h.next = *head
	if h.next != nullOff {
		a.frameAt(h.next).prev = frameOff
	}
	*head = frameOff
}

func (a *Allocator) listRemove(head *uint32, frameOff uint32) {
	h := a.frameAt(frameOff)
	if h.prev == nullOff {
		*head = h.next
	} else {
		a.frameAt(h.prev).next = h.next
	}
	if h.next != nullOff {
		a.frameAt(h.next).prev = h.prev
	}
	h.prev, h.next = nullOff, nullOff
}

// --- frame-local allocation ---

func (a *Allocator) allocateFromFrame(frameOff uint32) unsafe.Pointer {
	h := a.frameAt(frameOff)
	if h.objFreeHead == 0 {
		if h.top >= a.numObjects {
			return nil
		}
		ptr := a.objectAt(frameOff, h.top)
		h.top++
		h.used++
		a.syncMagic(frameOff)
		return ptr
	}

	ptr := a.objectAt(frameOff, h.objFreeHead-1)
	next := *(*uint32)(ptr)
	h.objFreeHead = next
	h.used++
	a.syncMagic(frameOff)
	return ptr
}

func (a *Allocator) deallocateToFrame(frameOff uint32, ptr unsafe.Pointer) bool {
	h := a.frameAt(frameOff)
	base := frameOff + headerSize
	off := a.region.OffsetOf(ptr)
	if off < base || h.used == 0 {
		return false
	}
	var index uint32
	if a.objectShift != 0 {
		index = (off - base) >> a.objectShift
	} else {
		index = (off - base) / a.objectSize
	}
	if index >= a.numObjects || a.region.OffsetOf(a.objectAt(frameOff, index)) != off {
		return false
	}

	*(*uint32)(ptr) = h.objFreeHead
	h.objFreeHead = index + 1
	h.used--
	a.syncMagic(frameOff)
	return true
}

func (a *Allocator) newFrame() (uint32, bool) {
	p, ok := a.pages.AllocateHigh(0)
	if !ok {
		return 0, false
	}
	off := a.region.OffsetOf(a.pages.Addr(p))
	h := a.frameAt(off)
	h.used, h.top, h.objFreeHead, h.full = 0, 0, 0, 0
	h.prev, h.next = nullOff, nullOff
	a.syncMagic(off)
	return off, true
}

func (a *Allocator) locateFrame(ptr unsafe.Pointer) (uint32, bool) {
	pageSize := a.pages.PageSize()
	off := a.region.OffsetOf(ptr)
	frameOff := off &^ (pageSize - 1)
	for {
		if a.isFrameHeader(frameOff) {
			return frameOff, true
		}
		if frameOff < pageSize {
			return 0, false
		}
		frameOff -= pageSize
	}
}

// --- public API ---

// Allocate returns one object, or nil, false on exhaustion.
func (a *Allocator) Allocate() (unsafe.Pointer, bool) {
	if a.partialHead == nullOff {
		if a.sfreeHead != nullOff {
			popped := a.sfreeHead
			a.listRemove(&a.sfreeHead, popped)
			a.listInsertHead(&a.partialHead, popped)
		} else {
			frameOff, ok := a.newFrame()
			if !ok {
				return nil, false
			}
			a.listInsertHead(&a.partialHead, frameOff)
		}
	}

	ptr := a.allocateFromFrame(a.partialHead)
	if ptr == nil {
		return nil, false
	}

	if a.frameAt(a.partialHead).used == a.numObjects {
		full := a.partialHead
		a.frameAt(full).full = 1
		a.listRemove(&a.partialHead, full)
		a.listInsertHead(&a.fullHead, full)
	}

	return ptr, true
}

// Free returns ptr, previously obtained from Allocate, to the
// allocator. Freeing nil, or an address this allocator did not hand
// out, is a no-op.
func (a *Allocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	frameOff, ok := a.locateFrame(ptr)
	if !ok {
		return
	}
	if !a.deallocateToFrame(frameOff, ptr) {
		return
	}

	h := a.frameAt(frameOff)
	if h.full == 1 {
		h.full = 0
		a.listRemove(&a.fullHead, frameOff)
		a.listInsertHead(&a.partialHead, frameOff)
	}

	if h.used == 0 {
		a.demote(frameOff)
	}
}

// demote removes an emptied frame from the partial list and either
// frees it immediately (EagerDeallocate) or retains it as the sole
// free frame, keeping whichever of the old and new free frame sits at
// the higher address and releasing the other.
func (a *Allocator) demote(frameOff uint32) {
	a.listRemove(&a.partialHead, frameOff)

	if a.cfg.EagerDeallocate {
		a.pages.FreeHigh(a.pages.PageOf(a.region.At(frameOff)), 0)
		return
	}

	if a.sfreeHead == nullOff {
		a.listInsertHead(&a.sfreeHead, frameOff)
		return
	}

	if frameOff > a.sfreeHead {
		a.pages.FreeHigh(a.pages.PageOf(a.region.At(a.sfreeHead)), 0)
		a.sfreeHead = nullOff
		a.listInsertHead(&a.sfreeHead, frameOff)
	} else {
		a.pages.FreeHigh(a.pages.PageOf(a.region.At(frameOff)), 0)
	}
}

// Package heap implements a dlmalloc-style fine-grained allocator:
// fast bins, small bins, large bins and an unsorted holding pen sit on
// top of a low-page bump supplied by a page allocator. Requests at or
// above one page bypass the bump entirely and are served directly from
// the high-page arena.
package heap

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/gmlibc/gbamm/arena"
	"github.com/gmlibc/gbamm/page"
)

// Config is the bin-threshold configuration of a HeapAllocator.
type Config struct {
	// FastbinMaxOrder: payload sizes below 1<<FastbinMaxOrder use the
	// fast bins (exact-size LIFO stacks, no splitting, no coalescing
	// until the chunk leaves the fast bin).
	FastbinMaxOrder uint32
	// SmallbinMaxOrder: payload sizes below 1<<SmallbinMaxOrder (and at
	// or above 1<<FastbinMaxOrder) use the small bins (exact-size
	// doubly-linked lists, scanned ascending, splittable).
	SmallbinMaxOrder uint32
}

func (c Config) validate(pageShift uint32) error {
	if c.FastbinMaxOrder == 0 {
		return fmt.Errorf("heap: FastbinMaxOrder must be > 0")
	}
	if c.SmallbinMaxOrder <= c.FastbinMaxOrder {
		return fmt.Errorf("heap: SmallbinMaxOrder must be > FastbinMaxOrder")
	}
	if c.SmallbinMaxOrder >= pageShift {
		return fmt.Errorf("heap: SmallbinMaxOrder must be < page shift")
	}
	return nil
}

const (
	headerSize  = 8 // prevSize + sizeFlags, one uint32 each
	minPayload  = 8 // room for the two-pointer free-node view

	flagPrevInUse = uint32(1)
	flagPageAlloc = uint32(2)
	flagMask      = flagPrevInUse | flagPageAlloc

	unsortedBit = uint32(1) << 31
)

const nullOff = ^uint32(0)

type chunkHeader struct {
	prevSize  uint32
	sizeFlags uint32
}

func (h *chunkHeader) size() uint32            { return h.sizeFlags &^ flagMask }
func (h *chunkHeader) setSize(sz uint32)       { h.sizeFlags = sz | (h.sizeFlags & flagMask) }
func (h *chunkHeader) prevInUse() bool         { return h.sizeFlags&flagPrevInUse != 0 }
func (h *chunkHeader) setPrevInUse(b bool) {
	if b {
		h.sizeFlags |= flagPrevInUse
	} else {
		h.sizeFlags &^= flagPrevInUse
	}
}
func (h *chunkHeader) pageAllocated() bool { return h.sizeFlags&flagPageAlloc != 0 }

// prevSize doubles as a one-bit "currently parked in the unsorted bin"
// flag, borrowed from its top bit — physical chunk sizes never come
// close to using it.
func (h *chunkHeader) prevPhysSize() uint32      { return h.prevSize &^ unsortedBit }
func (h *chunkHeader) setPrevPhysSize(v uint32)  { h.prevSize = (h.prevSize & unsortedBit) | v }
func (h *chunkHeader) inUnsorted() bool          { return h.prevSize&unsortedBit != 0 }
func (h *chunkHeader) setUnsorted(b bool) {
	if b {
		h.prevSize |= unsortedBit
	} else {
		h.prevSize &^= unsortedBit
	}
}

// smallNode is the free-node overlay shared by fast bins, small bins
// and the unsorted bin — all of them are plain doubly-linked lists.
type smallNode struct {
	prev, next uint32
}

// largeNode is the free-node overlay for large-bin chunks: a size
// chain through one representative per distinct size, and a peer chain
// of same-size chunks anchored at the representative. repr names the
// current representative for this chunk's size class (itself, if this
// chunk IS the representative).
type largeNode struct {
	repr               uint32
	sizePrev, sizeNext uint32
	peerPrev, peerNext uint32
}

// Allocator is a dlmalloc-style heap riding a page allocator's low-page
// bump. It is constructed against an already-initialized page
// allocator and starts with no top chunk; the top chunk is lazily
// created on first allocation.
type Allocator struct {
	pages  *page.Allocator
	region arena.Region
	cfg    Config

	pageSize uint32

	fastHead  []uint32
	smallHead []uint32
	largeHead []uint32
	largeTail []uint32

	unsortedHead uint32

	topChunk uint32
	topValid bool

	initialized bool
}

// New constructs a HeapAllocator over the same region a page allocator
// manages. pages must already be initialized.
func New(pages *page.Allocator, region arena.Region, cfg Config) (*Allocator, error) {
	if !pages.HasInit() {
		return nil, fmt.Errorf("heap: page allocator not initialized")
	}
	pageShift := uint32(bits.TrailingZeros32(pages.PageSize()))
	if err := cfg.validate(pageShift); err != nil {
		return nil, err
	}

	a := &Allocator{pages: pages, region: region, cfg: cfg, pageSize: pages.PageSize()}

	numFast := ((uint32(1)<<cfg.FastbinMaxOrder)-minPayload)/4 + 1
	numSmall := ((uint32(1) << cfg.SmallbinMaxOrder) - (uint32(1) << cfg.FastbinMaxOrder)) / 4
	numLarge := pageShift - cfg.SmallbinMaxOrder + 1

	a.fastHead = newNullSlice(numFast)
	a.smallHead = newNullSlice(numSmall)
	a.largeHead = newNullSlice(numLarge)
	a.largeTail = newNullSlice(numLarge)
	a.unsortedHead = nullOff

	a.initialized = true
	return a, nil
}

func newNullSlice(n uint32) []uint32 {
	s := make([]uint32, n)
	for i := range s {
		s[i] = nullOff
	}
	return s
}

// HasInit reports whether the allocator has been set up.
func (a *Allocator) HasInit() bool { return a.initialized }

func (a *Allocator) headerAt(off uint32) *chunkHeader {
	return (*chunkHeader)(a.region.At(off))
}

func (a *Allocator) nodeAt(off uint32) *smallNode {
	return (*smallNode)(a.region.At(off + headerSize))
}

func (a *Allocator) largeNodeAt(off uint32) *largeNode {
	return (*largeNode)(a.region.At(off + headerSize))
}

func (a *Allocator) physicalSize(payload uint32) uint32 { return payload + headerSize }

func (a *Allocator) heapEnd() uint32 { return a.pages.LowPages() * a.pageSize }

func roundUpPayload(n uint32) uint32 {
	n = (n + 3) &^ 3
	if n < minPayload {
		n = minPayload
	}
	return n
}

func (a *Allocator) fastClass(sz uint32) uint32 { return (sz - minPayload) / 4 }
func (a *Allocator) smallClass(sz uint32) uint32 {
	return (sz - (1 << a.cfg.FastbinMaxOrder)) / 4
}
func (a *Allocator) largeClass(sz uint32) uint32 {
	order := uint32(bits.Len32(sz - 1))
	if order < a.cfg.SmallbinMaxOrder {
		order = a.cfg.SmallbinMaxOrder
	}
	// coalesced chunks can outgrow a page; they share the last class.
	class := order - a.cfg.SmallbinMaxOrder
	if last := uint32(len(a.largeHead)) - 1; class > last {
		class = last
	}
	return class
}

// --- generic doubly-linked class lists (fast bins, small bins) ---

func (a *Allocator) dllInsertHead(heads []uint32, class, off uint32) {
	node := a.nodeAt(off)
	node.prev = nullOff
	node.next = heads[class]
	if node.next != nullOff {
		a.nodeAt(node.next).prev = off
	}
	heads[class] = off
}

func (a *Allocator) dllUnlink(heads []uint32, class, off uint32) {
	node := a.nodeAt(off)
	if node.prev == nullOff {
		heads[class] = node.next
	} else {
		a.nodeAt(node.prev).next = node.next
	}
	if node.next != nullOff {
		a.nodeAt(node.next).prev = node.prev
	}
}

// --- unsorted bin ---

func (a *Allocator) unsortedPush(off uint32) {
	a.headerAt(off).setUnsorted(true)
	node := a.nodeAt(off)
	node.prev = nullOff
	node.next = a.unsortedHead
	if node.next != nullOff {
		a.nodeAt(node.next).prev = off
	}
	a.unsortedHead = off
}

func (a *Allocator) unsortedUnlink(off uint32) {
	a.headerAt(off).setUnsorted(false)
	node := a.nodeAt(off)
	if node.prev == nullOff {
		a.unsortedHead = node.next
	} else {
		a.nodeAt(node.prev).next = node.next
	}
	if node.next != nullOff {
		a.nodeAt(node.next).prev = node.prev
	}
}

// --- large bin: size chain of representatives + peer chain ---

func (a *Allocator) largeInsert(off, sz uint32) {
	class := a.largeClass(sz)
	node := a.largeNodeAt(off)

	repr := a.largeHead[class]
	for repr != nullOff {
		rh := a.headerAt(repr)
		if rh.size() == sz {
			rn := a.largeNodeAt(repr)
			node.repr = repr
			node.peerPrev = repr
			node.peerNext = rn.peerNext
			a.largeNodeAt(rn.peerNext).peerPrev = off
			rn.peerNext = off
			return
		}
		if rh.size() > sz {
			break
		}
		repr = a.largeNodeAt(repr).sizeNext
	}

	// off becomes the representative for this size, spliced into the
	// ascending size chain immediately before repr (or at the tail).
	node.repr = off
	node.peerPrev, node.peerNext = off, off

	if repr == nullOff {
		node.sizePrev = a.largeTail[class]
		node.sizeNext = nullOff
		if a.largeTail[class] != nullOff {
			a.largeNodeAt(a.largeTail[class]).sizeNext = off
		} else {
			a.largeHead[class] = off
		}
		a.largeTail[class] = off
		return
	}

	rn := a.largeNodeAt(repr)
	node.sizePrev = rn.sizePrev
	node.sizeNext = repr
	rn.sizePrev = off
	if node.sizePrev == nullOff {
		a.largeHead[class] = off
	} else {
		a.largeNodeAt(node.sizePrev).sizeNext = off
	}
}

func (a *Allocator) largeUnlink(off uint32) {
	sz := a.headerAt(off).size()
	class := a.largeClass(sz)
	node := a.largeNodeAt(off)

	if node.repr != off {
		prev, next := node.peerPrev, node.peerNext
		a.largeNodeAt(prev).peerNext = next
		a.largeNodeAt(next).peerPrev = prev
		return
	}

	if node.peerNext != off {
		newRepr := node.peerNext
		prev, next := node.peerPrev, node.peerNext
		a.largeNodeAt(prev).peerNext = next
		a.largeNodeAt(next).peerPrev = prev

		nn := a.largeNodeAt(newRepr)
		nn.sizePrev, nn.sizeNext = node.sizePrev, node.sizeNext
		if node.sizePrev == nullOff {
			a.largeHead[class] = newRepr
		} else {
			a.largeNodeAt(node.sizePrev).sizeNext = newRepr
		}
		if node.sizeNext == nullOff {
			a.largeTail[class] = newRepr
		} else {
			a.largeNodeAt(node.sizeNext).sizePrev = newRepr
		}

		for p := newRepr; ; {
			a.largeNodeAt(p).repr = newRepr
			p = a.largeNodeAt(p).peerNext
			if p == newRepr {
				break
			}
		}
		return
	}

	if node.sizePrev == nullOff {
		a.largeHead[class] = node.sizeNext
	} else {
		a.largeNodeAt(node.sizePrev).sizeNext = node.sizeNext
	}
	if node.sizeNext == nullOff {
		a.largeTail[class] = node.sizePrev
	} else {
		a.largeNodeAt(node.sizeNext).sizePrev = node.sizePrev
	}
}

// --- dispatch + free/in-use bookkeeping ---

func (a *Allocator) arrangeChunk(off uint32) {
	h := a.headerAt(off)
	sz := h.size()
	switch {
	case sz < (1 << a.cfg.FastbinMaxOrder):
		a.dllInsertHead(a.fastHead, a.fastClass(sz), off)
	case sz < (1 << a.cfg.SmallbinMaxOrder):
		a.dllInsertHead(a.smallHead, a.smallClass(sz), off)
	default:
		a.largeInsert(off, sz)
	}
}

func (a *Allocator) safelyUnlink(off, sz uint32) {
	h := a.headerAt(off)
	if h.inUnsorted() {
		a.unsortedUnlink(off)
		return
	}
	switch {
	case sz < (1 << a.cfg.FastbinMaxOrder):
		a.dllUnlink(a.fastHead, a.fastClass(sz), off)
	case sz < (1 << a.cfg.SmallbinMaxOrder):
		a.dllUnlink(a.smallHead, a.smallClass(sz), off)
	default:
		a.largeUnlink(off)
	}
}

// publishFree marks off as free for P4's purposes: the next physical
// chunk's prevInUse bit is cleared and its prevSize set to off's
// physical size.
func (a *Allocator) publishFree(off uint32) {
	h := a.headerAt(off)
	next := off + a.physicalSize(h.size())
	if next+headerSize <= a.heapEnd() {
		nh := a.headerAt(next)
		nh.setPrevPhysSize(a.physicalSize(h.size()))
		nh.setPrevInUse(false)
	}
}

// publishInUse is publishFree's counterpart for a chunk handed to a
// caller.
func (a *Allocator) publishInUse(off uint32) {
	h := a.headerAt(off)
	next := off + a.physicalSize(h.size())
	if next+headerSize <= a.heapEnd() {
		a.headerAt(next).setPrevInUse(true)
	}
}

func (a *Allocator) isFree(off uint32) bool {
	h := a.headerAt(off)
	next := off + a.physicalSize(h.size())
	if next+headerSize > a.heapEnd() {
		return false
	}
	return !a.headerAt(next).prevInUse()
}

// --- splitting ---

func (a *Allocator) splitUseChunk(off, want uint32) {
	h := a.headerAt(off)
	avail := h.size()
	if avail-want < headerSize+minPayload {
		return
	}

	h.setSize(want)
	newOff := off + a.physicalSize(want)
	remainderPayload := avail - want - headerSize
	nh := a.headerAt(newOff)
	nh.setPrevPhysSize(a.physicalSize(want))
	nh.sizeFlags = remainderPayload | flagPrevInUse
	a.arrangeChunk(newOff)
	a.publishFree(newOff)
}

// --- coalescing ---

func (a *Allocator) coalesceBefore(off uint32) uint32 {
	for {
		h := a.headerAt(off)
		if h.prevInUse() {
			return off
		}
		prevOff := off - h.prevPhysSize()
		prevH := a.headerAt(prevOff)
		a.safelyUnlink(prevOff, prevH.size())
		merged := (off + a.physicalSize(h.size())) - prevOff - headerSize
		prevH.setSize(merged)
		off = prevOff
	}
}

func (a *Allocator) coalesceAfter(off uint32) {
	for {
		h := a.headerAt(off)
		next := off + a.physicalSize(h.size())
		if next == a.topChunk || !a.isFree(next) {
			return
		}
		nh := a.headerAt(next)
		a.safelyUnlink(next, nh.size())
		merged := (next + a.physicalSize(nh.size())) - off - headerSize
		h.setSize(merged)
	}
}

func (a *Allocator) coalesceNeighbors(off uint32) uint32 {
	off = a.coalesceBefore(off)
	a.coalesceAfter(off)
	return off
}

// --- top chunk ---

func (a *Allocator) ensureTop() bool {
	if a.topValid {
		return true
	}
	if !a.pages.AllocateLow(1) {
		return false
	}
	a.topChunk = 0
	h := a.headerAt(0)
	h.setPrevPhysSize(0)
	h.sizeFlags = (a.pageSize - headerSize) | flagPrevInUse
	a.topValid = true
	return true
}

func (a *Allocator) growTopAndCarve(n uint32) (uint32, bool) {
	if !a.ensureTop() {
		return 0, false
	}
	want := a.physicalSize(n)
	for a.physicalSize(a.headerAt(a.topChunk).size()) < want+headerSize {
		if !a.pages.AllocateLow(1) {
			return 0, false
		}
		h := a.headerAt(a.topChunk)
		h.setSize(h.size() + a.pageSize)
	}

	carved := a.topChunk
	h := a.headerAt(carved)
	oldPhysical := a.physicalSize(h.size())
	h.setSize(n)

	newTop := carved + want
	remainderPayload := oldPhysical - want - headerSize
	nh := a.headerAt(newTop)
	nh.setPrevPhysSize(want)
	nh.sizeFlags = remainderPayload | flagPrevInUse
	a.topChunk = newTop

	return carved, true
}

// shrinkTop releases whole low pages from the high end of the top
// chunk's free span back to the page allocator while the top chunk's
// start still leaves a full page spare.
func (a *Allocator) shrinkTop() {
	h := a.headerAt(a.topChunk)
	for {
		end := a.heapEnd()
		if end < a.pageSize || end-a.pageSize < a.topChunk+headerSize {
			return
		}
		a.pages.FreeLow(1)
		newEnd := end - a.pageSize
		h.setSize(newEnd - a.topChunk - headerSize)
	}
}

// --- bin takes ---

func (a *Allocator) fastTake(n uint32) (uint32, bool) {
	class := a.fastClass(n)
	off := a.fastHead[class]
	if off == nullOff {
		return 0, false
	}
	a.dllUnlink(a.fastHead, class, off)
	return off, true
}

func (a *Allocator) smallTake(n uint32) (uint32, bool) {
	start := a.smallClass(n)
	for class := start; class < uint32(len(a.smallHead)); class++ {
		off := a.smallHead[class]
		if off == nullOff {
			continue
		}
		a.dllUnlink(a.smallHead, class, off)
		a.splitUseChunk(off, n)
		return off, true
	}
	return 0, false
}

func (a *Allocator) pickLarge(repr uint32) uint32 {
	node := a.largeNodeAt(repr)
	if node.peerNext != repr {
		peer := node.peerNext
		a.largeUnlink(peer)
		return peer
	}
	a.largeUnlink(repr)
	return repr
}

func (a *Allocator) largeTake(n uint32) (uint32, bool) {
	start := a.largeClass(n)
	for class := start; class < uint32(len(a.largeHead)); class++ {
		repr := a.largeHead[class]
		for repr != nullOff {
			if a.headerAt(repr).size() >= n {
				chosen := a.pickLarge(repr)
				a.splitUseChunk(chosen, n)
				return chosen, true
			}
			repr = a.largeNodeAt(repr).sizeNext
		}
	}
	return 0, false
}

func (a *Allocator) unsortedTake(n uint32) (uint32, bool) {
	best := nullOff
	for a.unsortedHead != nullOff {
		off := a.unsortedHead
		a.unsortedUnlink(off)
		merged := a.coalesceNeighbors(off)
		h := a.headerAt(merged)
		if best == nullOff && h.size() >= n {
			best = merged
			continue
		}
		a.arrangeChunk(merged)
		a.publishFree(merged)
	}
	if best == nullOff {
		return 0, false
	}
	a.splitUseChunk(best, n)
	return best, true
}

// --- page delegation ---

func (a *Allocator) allocatePages(n uint32) (unsafe.Pointer, bool) {
	order := uint32(0)
	need := headerSize + n
	for (a.pageSize << order) < need {
		order++
	}
	p, ok := a.pages.AllocateHigh(order)
	if !ok {
		return nil, false
	}
	// Addr(p) is the block's highest-address page; the chunk starts at
	// its lowest-address page, pfn p+2^order-1.
	off := a.region.OffsetOf(a.pages.Addr(p + page.Page(1<<order) - 1))
	h := a.headerAt(off)
	h.prevSize = 0
	h.sizeFlags = (order << 2) | flagPageAlloc
	return a.region.At(off + headerSize), true
}

func (a *Allocator) freePages(off uint32) {
	h := a.headerAt(off)
	order := h.size() >> 2
	a.pages.FreeHigh(a.pages.PageOf(a.region.At(off))+1-page.Page(1<<order), order)
}

// --- public API ---

// Allocate returns size bytes of 4-byte-aligned memory, or nil,
// false on exhaustion. Requesting size 0 returns nil, false.
func (a *Allocator) Allocate(size uint32) (unsafe.Pointer, bool) {
	if size == 0 {
		return nil, false
	}
	n := roundUpPayload(size)

	if a.physicalSize(n) > a.pageSize {
		return a.allocatePages(n)
	}

	if !a.ensureTop() {
		return nil, false
	}

	if n < (1 << a.cfg.FastbinMaxOrder) {
		if off, ok := a.fastTake(n); ok {
			a.publishInUse(off)
			return a.region.At(off + headerSize), true
		}
	}
	if n < (1 << a.cfg.SmallbinMaxOrder) {
		if off, ok := a.smallTake(n); ok {
			a.publishInUse(off)
			return a.region.At(off + headerSize), true
		}
	}
	if off, ok := a.largeTake(n); ok {
		a.publishInUse(off)
		return a.region.At(off + headerSize), true
	}
	if off, ok := a.unsortedTake(n); ok {
		a.publishInUse(off)
		return a.region.At(off + headerSize), true
	}

	off, ok := a.growTopAndCarve(n)
	if !ok {
		return nil, false
	}
	a.publishInUse(off)
	return a.region.At(off + headerSize), true
}

// Free returns ptr, previously obtained from Allocate, to the
// allocator. Freeing nil is a no-op.
func (a *Allocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	off := a.region.OffsetOf(ptr) - headerSize
	h := a.headerAt(off)

	if h.pageAllocated() {
		a.freePages(off)
		return
	}

	a.publishFree(off)
	a.unsortedPush(off)

	top := a.headerAt(a.topChunk)
	if !top.prevInUse() {
		a.topChunk = a.coalesceBefore(a.topChunk)
		a.shrinkTop()
	}
}

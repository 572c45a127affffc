// Package gbamm wires a PageAllocator, a HeapAllocator and any number
// of slab instances over one memory region, exposing the same sentinel
// -on-failure surface as the three packages underneath it: page init
// and malloc init are each idempotency-gated, slob init binds a new
// instance on every call, and every
// operation here either succeeds or returns a zero value — nothing in
// this package logs, panics, or returns an error.
package gbamm

import (
	"unsafe"

	"github.com/gmlibc/gbamm/arena"
	"github.com/gmlibc/gbamm/heap"
	"github.com/gmlibc/gbamm/page"
	"github.com/gmlibc/gbamm/slab"
)

// Core owns one region, its PageAllocator, and at most one
// HeapAllocator. Any number of SlobHandles may additionally be bound
// against the same Core.
type Core struct {
	region arena.Region

	pages     *page.Allocator
	pagesInit bool

	heap     *heap.Allocator
	heapInit bool
}

// NewCoreZero returns an unconfigured Core. PageInit must be called
// before anything else.
func NewCoreZero() *Core { return &Core{} }

// PageInit binds the page allocator to mem. It is idempotent: calling
// it again on an already-initialized Core is a no-op that reports
// failure, matching pageInit's guard in the source this is modeled on.
func (c *Core) PageInit(mem []byte, cfg page.Config) bool {
	if c.pagesInit {
		return false
	}
	region, err := arena.New(mem)
	if err != nil {
		return false
	}
	pages, err := page.New(region, cfg)
	if err != nil {
		return false
	}
	c.region = region
	c.pages = pages
	c.pagesInit = true
	return true
}

// PageHasInit reports whether PageInit has succeeded.
func (c *Core) PageHasInit() bool { return c.pagesInit }

// PageAlloc allocates a high-arena block of the given order.
func (c *Core) PageAlloc(order uint32) (page.Page, bool) {
	if !c.pagesInit {
		return page.NoPage, false
	}
	return c.pages.AllocateHigh(order)
}

// PageFree returns a high-arena block to the page allocator.
func (c *Core) PageFree(p page.Page, order uint32) {
	if !c.pagesInit {
		return
	}
	c.pages.FreeHigh(p, order)
}

// MallocInit binds the heap allocator. It requires PageInit to have
// already succeeded, and is itself idempotent.
func (c *Core) MallocInit(cfg heap.Config) bool {
	if !c.pagesInit || c.heapInit {
		return false
	}
	h, err := heap.New(c.pages, c.region, cfg)
	if err != nil {
		return false
	}
	c.heap = h
	c.heapInit = true
	return true
}

// MallocHasInit reports whether MallocInit has succeeded.
func (c *Core) MallocHasInit() bool { return c.heapInit }

// Malloc allocates size bytes from the heap allocator.
func (c *Core) Malloc(size uint32) (unsafe.Pointer, bool) {
	if !c.heapInit {
		return nil, false
	}
	return c.heap.Allocate(size)
}

// Free returns ptr, previously obtained from Malloc, to the heap
// allocator. Freeing nil is a no-op.
func (c *Core) Free(ptr unsafe.Pointer) {
	if !c.heapInit {
		return
	}
	c.heap.Free(ptr)
}

// SlobHandle is one bound slab instance. Unlike the heap allocator, a
// Core may carry any number of these simultaneously — one per object
// type, each with its own size and demotion policy, all sharing the
// same page allocator.
type SlobHandle struct {
	alloc *slab.Allocator
}

// SlobInit binds a new fixed-size slab instance to this Core's page
// allocator. It requires PageInit to have already succeeded.
func (c *Core) SlobInit(objectSize uint32, eagerDeallocate bool) (*SlobHandle, bool) {
	return c.slobInit(slab.Config{ObjectSize: objectSize, EagerDeallocate: eagerDeallocate})
}

// SlobInitPow2 binds a new slab instance whose object size is
// 1<<objectShift, using shift-based offset arithmetic throughout
// instead of the fixed-size path's multiply/divide.
func (c *Core) SlobInitPow2(objectShift uint32, eagerDeallocate bool) (*SlobHandle, bool) {
	return c.slobInit(slab.Config{ObjectShift: objectShift, EagerDeallocate: eagerDeallocate})
}

func (c *Core) slobInit(cfg slab.Config) (*SlobHandle, bool) {
	if !c.pagesInit {
		return nil, false
	}
	a, err := slab.New(c.pages, c.region, cfg)
	if err != nil {
		return nil, false
	}
	return &SlobHandle{alloc: a}, true
}

// SlobHasInit reports whether h names a bound slab instance.
func (h *SlobHandle) SlobHasInit() bool { return h != nil && h.alloc != nil }

// SlobAlloc returns one object from h.
func (h *SlobHandle) SlobAlloc() (unsafe.Pointer, bool) {
	if !h.SlobHasInit() {
		return nil, false
	}
	return h.alloc.Allocate()
}

// SlobFree returns ptr to h. A pointer not owned by h, or nil, is
// silently dropped.
func (h *SlobHandle) SlobFree(ptr unsafe.Pointer) {
	if !h.SlobHasInit() {
		return
	}
	h.alloc.Free(ptr)
}

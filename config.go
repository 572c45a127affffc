package gbamm

import (
	"github.com/gmlibc/gbamm/heap"
	"github.com/gmlibc/gbamm/page"
)

// Config bundles the page- and heap-layer knobs needed to stand up a
// fully wired Core in one call. Slab instances are not part of this
// bundle: a Core may host any number of them, each bound separately
// with SlobInit/SlobInitPow2 after construction.
type Config struct {
	// PageShift sets the page size to 1<<PageShift bytes.
	PageShift uint32
	// MaxPageOrder bounds the largest buddy block at 1<<(MaxPageOrder-1)
	// pages.
	MaxPageOrder uint32
	// EagerHighBreakShrink controls whether freeing a high-arena block
	// recursively retracts the high break after a merge reaches it.
	EagerHighBreakShrink bool

	// FastbinMaxOrder and SmallbinMaxOrder set the heap allocator's bin
	// thresholds; see heap.Config for their exact meaning.
	FastbinMaxOrder  uint32
	SmallbinMaxOrder uint32
}

func (cfg Config) pageConfig() page.Config {
	return page.Config{
		PageShift:            cfg.PageShift,
		MaxOrder:             cfg.MaxPageOrder,
		EagerHighBreakShrink: cfg.EagerHighBreakShrink,
	}
}

func (cfg Config) heapConfig() heap.Config {
	return heap.Config{
		FastbinMaxOrder:  cfg.FastbinMaxOrder,
		SmallbinMaxOrder: cfg.SmallbinMaxOrder,
	}
}

// NewCore wires a PageAllocator and HeapAllocator over mem in one
// step, returning false if either stage rejects cfg or mem.
func NewCore(mem []byte, cfg Config) (*Core, bool) {
	c := &Core{}
	if !c.PageInit(mem, cfg.pageConfig()) {
		return nil, false
	}
	if !c.MallocInit(cfg.heapConfig()) {
		return nil, false
	}
	return c, true
}

package heap

import (
	"testing"
	"unsafe"

	"github.com/gmlibc/gbamm/arena"
	"github.com/gmlibc/gbamm/page"
	"github.com/stretchr/testify/assert"
)

func newTestHeap(t *testing.T, lowPages int, pageShift, maxOrder uint32, cfg Config) (*Allocator, *page.Allocator) {
	t.Helper()
	mem := make([]byte, lowPages<<pageShift)
	region, err := arena.New(mem)
	assert.NoError(t, err)

	pages, err := page.New(region, page.Config{PageShift: pageShift, MaxOrder: maxOrder})
	assert.NoError(t, err)

	h, err := New(pages, region, cfg)
	assert.NoError(t, err)
	return h, pages
}

func TestZeroSizeAllocateFails(t *testing.T) {
	h, _ := newTestHeap(t, 4, 8, 4, Config{FastbinMaxOrder: 4, SmallbinMaxOrder: 7})
	p, ok := h.Allocate(0)
	assert.False(t, ok)
	assert.Nil(t, p)
}

func TestFastbinAllocFreeRoundTrip(t *testing.T) {
	h, pages := newTestHeap(t, 4, 8, 4, Config{FastbinMaxOrder: 4, SmallbinMaxOrder: 7})

	p, ok := h.Allocate(8)
	assert.True(t, ok)
	assert.NotNil(t, p)
	assert.Equal(t, uint32(1), pages.LowPages())

	h.Free(p)

	// the whole page comes back together as a single top chunk.
	assert.Equal(t, uint32(0), h.topChunk)
	assert.Equal(t, h.pageSize-headerSize, h.headerAt(h.topChunk).size())
	assert.Equal(t, uint32(1), pages.LowPages())
}

func TestAllocateGrowsTopWithinPage(t *testing.T) {
	h, pages := newTestHeap(t, 8, 8, 4, Config{FastbinMaxOrder: 4, SmallbinMaxOrder: 7})

	seen := map[unsafe.Pointer]bool{}
	for i := 0; i < 5; i++ {
		p, ok := h.Allocate(40)
		assert.True(t, ok)
		assert.False(t, seen[p])
		seen[p] = true
	}
	assert.Equal(t, uint32(1), pages.LowPages())
}

func TestCoalesceMergesAdjacentFreedChunksOnNextAllocate(t *testing.T) {
	h, _ := newTestHeap(t, 4, 8, 4, Config{FastbinMaxOrder: 4, SmallbinMaxOrder: 7})

	a, ok := h.Allocate(40)
	assert.True(t, ok)
	b, ok := h.Allocate(40)
	assert.True(t, ok)
	_, ok = h.Allocate(40) // c: keeps b from abutting the top chunk
	assert.True(t, ok)

	h.Free(b)
	h.Free(a)

	merged, ok := h.Allocate(88)
	assert.True(t, ok)
	assert.Equal(t, a, merged)
}

func TestPageDelegationRoundTrip(t *testing.T) {
	h, pages := newTestHeap(t, 4, 8, 4, Config{FastbinMaxOrder: 4, SmallbinMaxOrder: 7})

	p, ok := h.Allocate(300)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), pages.HighPages())

	h.Free(p)
	assert.Equal(t, uint32(0), pages.HighPages())
}

func TestLargeBinPrefersPeerOverRepresentative(t *testing.T) {
	h, _ := newTestHeap(t, 4, 9, 4, Config{FastbinMaxOrder: 4, SmallbinMaxOrder: 7})

	a, ok := h.Allocate(150)
	assert.True(t, ok)
	_, ok = h.Allocate(150) // b: spacer, keeps a from ever abutting c
	assert.True(t, ok)
	c, ok := h.Allocate(150)
	assert.True(t, ok)
	_, ok = h.Allocate(150) // d: spacer, keeps c from abutting the top chunk
	assert.True(t, ok)

	h.Free(a)
	h.Free(c)

	// a request neither free chunk satisfies forces both into the large
	// bin: c (swept first, LIFO) becomes the representative, a joins it
	// as a peer.
	_, ok = h.Allocate(200)
	assert.True(t, ok)

	reused, ok := h.Allocate(150)
	assert.True(t, ok)
	assert.Equal(t, a, reused)
}

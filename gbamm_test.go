package gbamm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testConfig() Config {
	return Config{
		PageShift:        8,
		MaxPageOrder:     4,
		FastbinMaxOrder:  4,
		SmallbinMaxOrder: 7,
	}
}

func TestPageInitIsIdempotent(t *testing.T) {
	c := NewCoreZero()
	mem := make([]byte, 4<<8)
	assert.True(t, c.PageInit(mem, testConfig().pageConfig()))
	assert.True(t, c.PageHasInit())
	assert.False(t, c.PageInit(mem, testConfig().pageConfig()))
}

func TestMallocInitRequiresPageInit(t *testing.T) {
	c := NewCoreZero()
	assert.False(t, c.MallocInit(testConfig().heapConfig()))
	assert.False(t, c.MallocHasInit())
}

func TestMallocNilOnUninitializedCore(t *testing.T) {
	c := NewCoreZero()
	p, ok := c.Malloc(16)
	assert.False(t, ok)
	assert.Nil(t, p)
	c.Free(nil) // must not panic
}

func TestTopChunkGrowsByOnePageBeforeSplitting(t *testing.T) {
	c, ok := NewCore(make([]byte, 8<<8), testConfig())
	assert.True(t, ok)

	_, ok = c.Malloc(240) // pageSize(256) - 16
	assert.True(t, ok)
	assert.Equal(t, uint32(1), c.pages.LowPages())

	_, ok = c.Malloc(240)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), c.pages.LowPages())
}

func TestFreeingAdjacentChunksCoalescesForALargerRequest(t *testing.T) {
	c, ok := NewCore(make([]byte, 4<<8), testConfig())
	assert.True(t, ok)

	a, ok := c.Malloc(40)
	assert.True(t, ok)
	b, ok := c.Malloc(40)
	assert.True(t, ok)
	_, ok = c.Malloc(40) // spacer, keeps b from abutting the top chunk
	assert.True(t, ok)

	c.Free(b)
	c.Free(a)

	merged, ok := c.Malloc(88)
	assert.True(t, ok)
	assert.Equal(t, a, merged)
}

func TestPageDelegationRoundTripsThroughFacade(t *testing.T) {
	c, ok := NewCore(make([]byte, 4<<8), testConfig())
	assert.True(t, ok)

	p, ok := c.Malloc(300)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), c.pages.HighPages())

	c.Free(p)
	assert.Equal(t, uint32(0), c.pages.HighPages())
}

func TestSlobRoundTripThroughFacade(t *testing.T) {
	c, ok := NewCore(make([]byte, 4<<8), testConfig())
	assert.True(t, ok)

	h, ok := c.SlobInit(8, false)
	assert.True(t, ok)
	assert.True(t, h.SlobHasInit())

	p, ok := h.SlobAlloc()
	assert.True(t, ok)
	assert.NotNil(t, p)

	h.SlobFree(p)
	reused, ok := h.SlobAlloc()
	assert.True(t, ok)
	assert.Equal(t, p, reused)
}

func TestSlobInitRequiresPageInit(t *testing.T) {
	c := NewCoreZero()
	h, ok := c.SlobInit(8, false)
	assert.False(t, ok)
	assert.Nil(t, h)
}

func TestSlobFreeOnNilHandleIsNoOp(t *testing.T) {
	var h *SlobHandle
	h.SlobFree(nil)
	p, ok := h.SlobAlloc()
	assert.False(t, ok)
	assert.Nil(t, p)
}

func TestMultipleIndependentSlobInstancesShareOneCore(t *testing.T) {
	c, ok := NewCore(make([]byte, 8<<8), testConfig())
	assert.True(t, ok)

	small, ok := c.SlobInit(8, false)
	assert.True(t, ok)
	large, ok := c.SlobInitPow2(6, false)
	assert.True(t, ok)

	sp, ok := small.SlobAlloc()
	assert.True(t, ok)
	lp, ok := large.SlobAlloc()
	assert.True(t, ok)

	assert.NotEqual(t, sp, lp)
	small.SlobFree(sp)
	large.SlobFree(lp)
}

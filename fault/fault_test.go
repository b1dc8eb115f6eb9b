package fault_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-os/demandpaging/fault"
	"github.com/biscuit-os/demandpaging/mem"
	"github.com/biscuit-os/demandpaging/proc"
	"github.com/biscuit-os/demandpaging/replace"
	"github.com/biscuit-os/demandpaging/rmap"
	"github.com/biscuit-os/demandpaging/swap"
)

func newFleet(frames, slots int) (*proc.Table, *fault.Handler, *replace.Replacer, *mem.Physmem, *rmap.Map, *swap.Table) {
	mm := mem.NewPhysmem(frames)
	rm := rmap.New()
	sw := swap.NewTable(slots)
	procs := proc.NewTable(8, mm, rm, sw, nil, 0xFFFFFFFF)
	r := replace.NewReplacer(procs, mm, rm, sw, nil, nil)
	h := fault.NewHandler(mm, rm, sw, procs, r, nil, nil)
	return procs, h, r, mm, rm, sw
}

func TestCOWFastPathUpgradesSoleReference(t *testing.T) {
	procs, h, _, _, rm, _ := newFleet(8, 4)
	a, err := procs.Spawn("A")
	require.NoError(t, err)

	pte := a.As.Lookup(0)
	*pte &^= mem.PTE_WRITABLE

	frame := mem.FrameOf(mem.Pa(mem.PTE_ADDR(*pte)))
	require.Equal(t, 1, rm.Count(frame))

	require.NoError(t, h.PageFault(a, 0))
	assert.True(t, *pte&mem.PTE_WRITABLE != 0)
}

func TestCOWSplitOnSharedFrame(t *testing.T) {
	procs, h, _, mm, rm, _ := newFleet(8, 4)
	a, err := procs.Spawn("A")
	require.NoError(t, err)
	b, err := procs.Fork(a)
	require.NoError(t, err)

	aPte := a.As.Lookup(0)
	bPte := b.As.Lookup(0)
	origFrame := mem.FrameOf(mem.Pa(mem.PTE_ADDR(*bPte)))
	require.Equal(t, 2, rm.Count(origFrame))

	mm.Dmap(mem.Pa(mem.PTE_ADDR(*bPte)))[0] = 0x7

	require.NoError(t, h.PageFault(b, 0))

	assert.True(t, *bPte&mem.PTE_WRITABLE != 0)
	newFrame := mem.FrameOf(mem.Pa(mem.PTE_ADDR(*bPte)))
	assert.NotEqual(t, origFrame, newFrame)
	assert.Equal(t, 1, rm.Count(newFrame))
	assert.Equal(t, 1, rm.Count(origFrame))
	assert.Equal(t, byte(0x7), mm.Dmap(mem.Pa(mem.PTE_ADDR(*bPte)))[0])

	assert.True(t, *aPte&mem.PTE_WRITABLE == 0)
	assert.Equal(t, origFrame, mem.FrameOf(mem.Pa(mem.PTE_ADDR(*aPte))))
}

func TestCOWOnWritablePTEIsFatal(t *testing.T) {
	procs, h, _, _, _, _ := newFleet(8, 4)
	a, err := procs.Spawn("A")
	require.NoError(t, err)
	err = h.PageFault(a, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrIllegalWriteOnWritable)
}

func TestSwapInRestoresAllSharersAndCreditsRSS(t *testing.T) {
	procs, h, r, mm, rm, _ := newFleet(8, 4)
	a, err := procs.Spawn("A")
	require.NoError(t, err)
	b, err := procs.Fork(a)
	require.NoError(t, err)

	pte := a.As.Lookup(0)
	pa := mem.Pa(mem.PTE_ADDR(*pte))
	mm.Dmap(pa)[0] = 0x99

	require.NoError(t, r.SwapPageOut())
	assert.True(t, *pte&mem.PTE_SWAPPED != 0)
	aRssAfterSwap, bRssAfterSwap := a.Rss, b.Rss

	require.NoError(t, h.PageFault(a, 0))

	assert.True(t, *pte&mem.PTE_PRESENT != 0)
	assert.True(t, *pte&mem.PTE_SWAPPED == 0)
	assert.Equal(t, byte(0x99), mm.Dmap(mem.Pa(mem.PTE_ADDR(*pte)))[0])

	bPte := b.As.Lookup(0)
	assert.True(t, *bPte&mem.PTE_PRESENT != 0)

	assert.Equal(t, aRssAfterSwap+mem.PGSIZE, a.Rss)
	assert.Equal(t, bRssAfterSwap+mem.PGSIZE, b.Rss)

	frame := mem.FrameOf(mem.Pa(mem.PTE_ADDR(*pte)))
	assert.Equal(t, rm.Count(frame), mm.Refcnt(mem.Pa(mem.PTE_ADDR(*pte))),
		"rmap sharer count and physical refcount must stay paired after a multi-sharer swap-in")
	assert.Equal(t, 2, rm.Count(frame))
}

func TestSwapInRetriesAllocationThroughReplacerOnOOM(t *testing.T) {
	procs, h, r, mm, _, _ := newFleet(7, 4)
	a, err := procs.Spawn("A")
	require.NoError(t, err)
	require.NoError(t, procs.Growproc(a, 4*mem.PGSIZE))
	require.Equal(t, 0, mm.Free())

	pte0 := a.As.Lookup(0)
	require.NoError(t, r.SwapPageOut())
	assert.True(t, *pte0&mem.PTE_SWAPPED != 0)
	require.Equal(t, 1, mm.Free())

	require.NoError(t, procs.Growproc(a, mem.PGSIZE))
	require.Equal(t, 0, mm.Free())

	pte1 := a.As.Lookup(uint32(mem.PGSIZE))
	require.NoError(t, h.PageFault(a, 0))

	assert.True(t, *pte0&mem.PTE_PRESENT != 0)
	assert.True(t, *pte1&mem.PTE_SWAPPED != 0)
}

func TestIllegalFaultOnUnmappedAddress(t *testing.T) {
	procs, h, _, _, _, _ := newFleet(8, 4)
	a, err := procs.Spawn("A")
	require.NoError(t, err)
	err = h.PageFault(a, 10*uint32(mem.PGSIZE))
	assert.ErrorIs(t, err, fault.ErrIllegalFault)
}

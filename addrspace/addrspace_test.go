package addrspace_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-os/demandpaging/addrspace"
	"github.com/biscuit-os/demandpaging/mem"
	"github.com/biscuit-os/demandpaging/pagetable"
	"github.com/biscuit-os/demandpaging/rmap"
	"github.com/biscuit-os/demandpaging/swap"
)

func newEnv(frames int) (*mem.Physmem, *rmap.Map, *swap.Table) {
	return mem.NewPhysmem(frames), rmap.New(), swap.NewTable(4)
}

func TestAllocuvmChargesRSSPerPage(t *testing.T) {
	mm, rm, sw := newEnv(8)
	d, err := pagetable.NewDirectory(mm)
	require.NoError(t, err)
	var rss int

	newSz, err := addrspace.Allocuvm(mm, rm, sw, d, &rss, 0, uint32(3*mem.PGSIZE))
	require.NoError(t, err)
	assert.Equal(t, uint32(3*mem.PGSIZE), newSz)
	assert.Equal(t, 3*mem.PGSIZE, rss)

	for va := uint32(0); va < newSz; va += uint32(mem.PGSIZE) {
		pte := d.Lookup(va)
		require.NotNil(t, pte)
		assert.True(t, *pte&mem.PTE_PRESENT != 0)
		assert.True(t, *pte&mem.PTE_WRITABLE != 0)
		assert.True(t, *pte&mem.PTE_USER != 0)
	}
}

func TestAllocuvmOOMUndoesPartialWork(t *testing.T) {
	mm, rm, sw := newEnv(2)
	d, err := pagetable.NewDirectory(mm)
	require.NoError(t, err)
	var rss int

	_, err = addrspace.Allocuvm(mm, rm, sw, d, &rss, 0, uint32(5*mem.PGSIZE))
	require.ErrorIs(t, err, mem.ErrOOM)
	assert.Equal(t, 0, rss)
	assert.Equal(t, 1, mm.Free())
}

func TestDeallocuvmFreesPresentPages(t *testing.T) {
	mm, rm, sw := newEnv(8)
	d, err := pagetable.NewDirectory(mm)
	require.NoError(t, err)
	var rss int
	sz, err := addrspace.Allocuvm(mm, rm, sw, d, &rss, 0, uint32(3*mem.PGSIZE))
	require.NoError(t, err)

	newSz := addrspace.Deallocuvm(mm, rm, sw, d, &rss, sz, 0)
	assert.Equal(t, uint32(0), newSz)
	assert.Equal(t, 0, rss)
	// The directory and its one page table stay allocated; only Freevm
	// releases them.
	assert.Equal(t, 6, mm.Free())
}

func TestCopyuvmSharesPresentPagesReadOnly(t *testing.T) {
	mm, rm, sw := newEnv(8)
	parent, err := pagetable.NewDirectory(mm)
	require.NoError(t, err)
	var parentRss int
	sz, err := addrspace.Allocuvm(mm, rm, sw, parent, &parentRss, 0, uint32(2*mem.PGSIZE))
	require.NoError(t, err)

	var childRss int
	child, err := addrspace.Copyuvm(mm, rm, sw, parent, sz, &childRss, nil)
	require.NoError(t, err)
	assert.Equal(t, 2*mem.PGSIZE, childRss)

	for va := uint32(0); va < sz; va += uint32(mem.PGSIZE) {
		ppte := parent.Lookup(va)
		cpte := child.Lookup(va)
		require.NotNil(t, ppte)
		require.NotNil(t, cpte)
		assert.True(t, *ppte&mem.PTE_WRITABLE == 0)
		assert.True(t, *cpte&mem.PTE_WRITABLE == 0)
		assert.Equal(t, mem.PTE_ADDR(*ppte), mem.PTE_ADDR(*cpte))
		frame := mem.FrameOf(mem.Pa(mem.PTE_ADDR(*ppte)))
		assert.Equal(t, 2, rm.Count(frame))
		assert.Equal(t, 2, mm.Refcnt(mem.Pa(mem.PTE_ADDR(*ppte))))
	}
}

func TestCopyuvmAttachesSwappedPagesWithoutRSS(t *testing.T) {
	mm, rm, sw := newEnv(8)
	parent, err := pagetable.NewDirectory(mm)
	require.NoError(t, err)

	pa, err := mm.Kalloc()
	require.NoError(t, err)
	require.NoError(t, parent.MapRange(0, mem.PGSIZE, pa, mem.PTE_WRITABLE|mem.PTE_USER, pagetable.MapTracked, func(pte *uint32) {
		rm.Inc(mem.FrameOf(pa), pte)
	}))
	parentPte := parent.Lookup(0)

	slot, err := sw.AllocateFreeSlot()
	require.NoError(t, err)
	rm.Dec(mem.FrameOf(pa), parentPte)
	sw.SwapoutCommit([]*uint32{parentPte}, slot)
	mm.Kfree(pa)

	var childRss int
	child, err := addrspace.Copyuvm(mm, rm, sw, parent, uint32(mem.PGSIZE), &childRss, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, childRss)

	childPte := child.Lookup(0)
	require.NotNil(t, childPte)
	assert.True(t, *childPte&mem.PTE_SWAPPED != 0)
	assert.Equal(t, 2, sw.Refcount(slot))
}

func TestCopyuvmMissingPTEIsFatal(t *testing.T) {
	mm, rm, sw := newEnv(8)
	parent, err := pagetable.NewDirectory(mm)
	require.NoError(t, err)
	var childRss int
	_, err = addrspace.Copyuvm(mm, rm, sw, parent, uint32(mem.PGSIZE), &childRss, nil)
	assert.ErrorIs(t, err, addrspace.ErrMissingPTE)
}

func TestFreevmReleasesDirectoryAndTables(t *testing.T) {
	mm, rm, sw := newEnv(8)
	d, err := pagetable.NewDirectory(mm)
	require.NoError(t, err)
	var rss int
	_, err = addrspace.Allocuvm(mm, rm, sw, d, &rss, 0, uint32(2*mem.PGSIZE))
	require.NoError(t, err)

	before := mm.Free()
	addrspace.Freevm(mm, rm, sw, d, &rss, 0xFFFFFFFF)
	assert.Equal(t, 0, rss)
	assert.Greater(t, mm.Free(), before)
}

// Package swap implements the swap table and the synchronous on-disk
// swap area described in spec.md §4.2 and §6, grounded in
// original_source/code/charizard.c's swap_table/pageswapinit/
// swapout_helper/swapin_helper/flush.
package swap

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/biscuit-os/demandpaging/mem"
)

// MaxSharers bounds the number of PTEs a single swap slot may track,
// mirroring charizard.c's struct s1.pte_array[64] and rmap.MaxSharers.
const MaxSharers = 64

// blocksPerSlot is PGSIZE/BSIZE — how many disk blocks one swapped page
// occupies.
const blocksPerSlot = mem.PGSIZE / mem.BSIZE

// firstDataBlock mirrors charizard.c's "2 +" offset, which reserves the
// boot block and superblock before the swap area begins.
const firstDataBlock = 2

// slot is one fixed-size on-disk region.
type slot struct {
	free     bool
	diskBase int
	refs     [MaxSharers]*uint32
	n        int
}

// Disk is the synchronous block device interface from spec.md §6:
// page_disk_interface(buf, disk_block_base, dir). It is modelled as an
// in-memory array of blocks so the whole subsystem is testable without a
// real disk.
type Disk struct {
	blocks [][mem.BSIZE]byte
}

// NewDisk allocates a simulated disk with nblocks blocks.
func NewDisk(nblocks int) *Disk {
	return &Disk{blocks: make([][mem.BSIZE]byte, nblocks)}
}

// WritePage writes a full PGSIZE page from buf to the slot starting at
// diskBase, blocking (dir==0 in spec.md §6).
func (d *Disk) WritePage(buf *mem.Frame, diskBase int) {
	for i := 0; i < blocksPerSlot; i++ {
		copy(d.blocks[diskBase+i][:], buf[i*mem.BSIZE:(i+1)*mem.BSIZE])
	}
}

// ReadPage reads a full PGSIZE page from the slot starting at diskBase
// into buf, blocking (dir==1 in spec.md §6).
func (d *Disk) ReadPage(buf *mem.Frame, diskBase int) {
	for i := 0; i < blocksPerSlot; i++ {
		copy(buf[i*mem.BSIZE:(i+1)*mem.BSIZE], d.blocks[diskBase+i][:])
	}
}

// ErrSlotNotFound indicates Flush could not locate the PTE in its slot's
// sharer list — an invariant violation per spec.md §3 (S2/S3), fatal
// (Flush panics with it).
var ErrSlotNotFound = errors.New("swap: pte not found in slot")

// Table is the swap table: a fixed number of slots, each precomputed with
// its disk_base at init per spec.md §4.2.
type Table struct {
	slots []slot
	disk  *Disk
}

// NewTable creates a swap table with nslots slots and its backing disk.
// Matches pageswapinit: each slot starts free with disk_base =
// 2 + i*(PGSIZE/BSIZE).
func NewTable(nslots int) *Table {
	t := &Table{
		slots: make([]slot, nslots),
		disk:  NewDisk(firstDataBlock + nslots*blocksPerSlot),
	}
	for i := range t.slots {
		t.slots[i].free = true
		t.slots[i].diskBase = firstDataBlock + i*blocksPerSlot
	}
	return t
}

// NSlots reports the total number of swap slots.
func (t *Table) NSlots() int { return len(t.slots) }

// Disk exposes the backing block device, e.g. for swap-out/swap-in to
// read/write page contents.
func (t *Table) Disk() *Disk { return t.disk }

// slotOfBlock finds the slot whose disk_base equals blk, matching
// charizard.c's `reducer` (which derives the slot index from the encoded
// block number rather than storing it directly).
func (t *Table) slotOfBlock(blk int) int {
	for i := range t.slots {
		if t.slots[i].diskBase == blk {
			return i
		}
	}
	panic(fmt.Sprintf("swap: no slot for block %d", blk))
}

// SlotOfBlock exposes slotOfBlock for callers that decode a swapped PTE's
// block number directly (the fault handler).
func (t *Table) SlotOfBlock(blk int) int { return t.slotOfBlock(blk) }

// DiskBase returns the disk block base for slot s.
func (t *Table) DiskBase(s int) int { return t.slots[s].diskBase }

// Refcount returns the number of PTEs currently attached to slot s.
func (t *Table) Refcount(s int) int { return t.slots[s].n }

// IsFree reports whether slot s is unoccupied (invariant S1).
func (t *Table) IsFree(s int) bool { return t.slots[s].free }

// AllocateFreeSlot linear-scans for a free slot and marks it occupied,
// returning its index, or ErrSwapFull if none remain.
func (t *Table) AllocateFreeSlot() (int, error) {
	for i := range t.slots {
		if t.slots[i].free {
			t.slots[i].free = false
			return i, nil
		}
	}
	return 0, errors.WithStack(mem.ErrSwapFull)
}

// Attach appends pteNew to the slot identified by the block encoded in
// *pteExisting — used at fork when the parent's page is already swapped
// (spec.md §4.2 attach).
func (t *Table) Attach(pteNew *uint32, pteExisting *uint32) {
	blk := int(mem.PTE_ADDR(*pteExisting) >> mem.PGSHIFT)
	s := t.slotOfBlock(blk)
	sl := &t.slots[s]
	if sl.n >= MaxSharers {
		panic("swap: slot exceeds MaxSharers")
	}
	sl.refs[sl.n] = pteNew
	sl.n++
}

// Flush removes pte from its slot's refs, freeing the slot if it becomes
// empty. Invoked when a swapped PTE is being destroyed (dealloc or exit),
// per spec.md §4.2.
func (t *Table) Flush(pte *uint32) {
	blk := int(mem.PTE_ADDR(*pte) >> mem.PGSHIFT)
	s := t.slotOfBlock(blk)
	sl := &t.slots[s]
	idx := -1
	for i := 0; i < sl.n; i++ {
		if sl.refs[i] == pte {
			idx = i
			break
		}
	}
	if idx == -1 {
		panic(errors.WithStack(ErrSlotNotFound))
	}
	for i := idx; i < sl.n-1; i++ {
		sl.refs[i] = sl.refs[i+1]
	}
	sl.n--
	sl.refs[sl.n] = nil
	if sl.n == 0 {
		sl.free = true
	}
}

// SwapoutCommit rewrites every PTE in refs so that it points at slot s
// instead of frame, setting SWAPPED and clearing PRESENT, and moves the
// refcount from the frame's sharer list to the slot. The caller must
// already have written the frame's contents to disk_base(s) and must
// clear the frame's reverse-map entry afterwards (spec.md §4.2).
func (t *Table) SwapoutCommit(refs []*uint32, s int) {
	sl := &t.slots[s]
	if len(refs) > MaxSharers {
		panic("swap: too many sharers for one slot")
	}
	blk := uint32(sl.diskBase) << mem.PGSHIFT
	for i, pte := range refs {
		flags := mem.PTE_FLAGS(*pte)
		*pte = blk | flags | mem.PTE_SWAPPED
		*pte &^= mem.PTE_PRESENT
		sl.refs[i] = pte
	}
	sl.n = len(refs)
}

// SwapinCommit rewrites every PTE attached to slot s so that it points at
// fnew instead, setting PRESENT and clearing SWAPPED, then frees the slot.
// It returns the rewritten PTE handles so the caller can credit RSS to
// their owning processes (spec.md §4.2, §4.5a).
func (t *Table) SwapinCommit(fnew mem.Pa, s int) []*uint32 {
	sl := &t.slots[s]
	out := make([]*uint32, sl.n)
	for i := 0; i < sl.n; i++ {
		pte := sl.refs[i]
		flags := mem.PTE_FLAGS(*pte)
		*pte = uint32(fnew) | flags | mem.PTE_PRESENT
		*pte &^= mem.PTE_SWAPPED
		out[i] = pte
		sl.refs[i] = nil
	}
	sl.n = 0
	sl.free = true
	return out
}

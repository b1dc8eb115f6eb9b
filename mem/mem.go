// Package mem models the physical memory that backs the paging core: a
// fixed array of frames, refcounted the way biscuit's mem.Physmem_t
// refcounts physical pages, plus the PTE flag bits spec'd bit-exact for
// the two-level x86 page table this module simulates.
package mem

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET uint32 = 0xfff

// PGMASK masks the page number out of an address.
const PGMASK uint32 = ^PGOFFSET

// BSIZE is the size of one disk block in bytes; swap slots are measured in
// blocks of this size, matching the xv6 block layer this subsystem swaps
// through.
const BSIZE int = 512

// PTE flag bits. Bit-exact per spec: PRESENT/WRITABLE/USER/ACCESSED sit
// where x86 hardware puts them; SWAPPED is the OS-defined AVL bit this
// subsystem repurposes to mark a swapped-out mapping.
const (
	PTE_PRESENT  uint32 = 0x001
	PTE_WRITABLE uint32 = 0x002
	PTE_USER     uint32 = 0x004
	PTE_ACCESSED uint32 = 0x020
	PTE_SWAPPED  uint32 = 0x200
)

// PTE_ADDR extracts the address/frame bits of a PTE word.
func PTE_ADDR(e uint32) uint32 { return e & PGMASK }

// PTE_FLAGS extracts the flag bits of a PTE word.
func PTE_FLAGS(e uint32) uint32 { return e & uint32(PGOFFSET) }

// Frame is one page-aligned chunk of simulated physical RAM.
type Frame [PGSIZE]byte

// Pa is a physical address: a frame-aligned offset into the simulated RAM
// array, i.e. frame_number << PGSHIFT.
type Pa uint32

// FrameOf returns the frame number backing a physical address.
func FrameOf(pa Pa) uint32 { return uint32(pa) >> PGSHIFT }

// physpg tracks one physical frame's refcount and, while free, its place
// on the free list.
type physpg struct {
	refcnt int
	nexti  uint32
	used   bool
}

// Physmem manages a fixed pool of physical frames, mirroring the
// allocator contract spec.md §6 assumes: kalloc()/kfree() plus the
// refcount bookkeeping COW and swap both depend on.
type Physmem struct {
	mu     sync.Mutex
	frames []Frame
	pgs    []physpg
	freei  uint32
	nfree  int
}

const noFrame = ^uint32(0)

// NewPhysmem creates a physical memory pool of nframes frames.
func NewPhysmem(nframes int) *Physmem {
	if nframes <= 0 {
		panic("nframes must be positive")
	}
	p := &Physmem{
		frames: make([]Frame, nframes),
		pgs:    make([]physpg, nframes),
	}
	for i := range p.pgs {
		p.pgs[i].nexti = uint32(i + 1)
	}
	p.pgs[nframes-1].nexti = noFrame
	p.freei = 0
	p.nfree = nframes
	return p
}

// NFrames reports the total number of frames in the pool.
func (p *Physmem) NFrames() int { return len(p.frames) }

// Kalloc returns a zeroed physical frame with refcount 1, or ErrOOM if the
// pool is exhausted. This is the external allocator contract from
// spec.md §6.
func (p *Physmem) Kalloc() (Pa, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freei == noFrame {
		return 0, errors.WithStack(ErrOOM)
	}
	idx := p.freei
	p.freei = p.pgs[idx].nexti
	p.nfree--
	p.pgs[idx].refcnt = 1
	p.pgs[idx].used = true
	for i := range p.frames[idx] {
		p.frames[idx][i] = 0
	}
	return Pa(idx) << PGSHIFT, nil
}

// Kfree releases a frame allocated via Kalloc, ignoring its refcount — it
// is the caller's responsibility (via Refup/Refdown) to only call Kfree
// once a frame is truly unreferenced. Matches the external kfree(v)
// contract in spec.md §6: it releases one frame unconditionally.
func (p *Physmem) Kfree(pa Pa) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := FrameOf(pa)
	p.checkIdx(idx)
	if !p.pgs[idx].used {
		panic("double free")
	}
	p.pgs[idx].used = false
	p.pgs[idx].refcnt = 0
	p.pgs[idx].nexti = p.freei
	p.freei = idx
	p.nfree++
}

func (p *Physmem) checkIdx(idx uint32) {
	if int(idx) >= len(p.pgs) {
		panic("physical address out of range")
	}
}

// Dmap returns the byte-addressable contents of the frame at pa — the
// simulation's stand-in for biscuit's direct map (mem.Physmem_t.Dmap),
// which turns a physical address into a kernel-addressable pointer.
func (p *Physmem) Dmap(pa Pa) *Frame {
	idx := FrameOf(pa)
	p.checkIdx(idx)
	return &p.frames[idx]
}

// Refup increments a frame's reference count. Used whenever a new PTE
// starts pointing at an already-live frame (fork's COW sharing).
func (p *Physmem) Refup(pa Pa) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := FrameOf(pa)
	p.checkIdx(idx)
	if !p.pgs[idx].used {
		panic("refup on free frame")
	}
	p.pgs[idx].refcnt++
}

// Refdown decrements a frame's reference count and frees it once it
// reaches zero, returning whether the frame was freed.
func (p *Physmem) Refdown(pa Pa) bool {
	p.mu.Lock()
	idx := FrameOf(pa)
	p.checkIdx(idx)
	if !p.pgs[idx].used {
		p.mu.Unlock()
		panic("refdown on free frame")
	}
	p.pgs[idx].refcnt--
	c := p.pgs[idx].refcnt
	if c < 0 {
		p.mu.Unlock()
		panic("negative refcount")
	}
	p.mu.Unlock()
	if c == 0 {
		p.Kfree(pa)
		return true
	}
	return false
}

// Refcnt reports a frame's current reference count.
func (p *Physmem) Refcnt(pa Pa) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := FrameOf(pa)
	p.checkIdx(idx)
	return p.pgs[idx].refcnt
}

// Free reports the number of frames currently on the free list — used by
// tests to drain the allocator for swap-pressure scenarios.
func (p *Physmem) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nfree
}

// IsFree reports whether the frame at pa is on the allocator's free list.
// Used to assert invariant 3 (disjointness) in tests.
func (p *Physmem) IsFree(pa Pa) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := FrameOf(pa)
	p.checkIdx(idx)
	return !p.pgs[idx].used
}

// PTArray is a page-directory or page-table page reinterpreted as 1024
// 32-bit PTEs, exactly filling one PGSIZE frame (1024 * 4 == PGSIZE).
// This is how intermediate page tables are represented: they are
// ordinary kalloc'd frames, just like biscuit's mem.Pg2bytes/Bytepg2pg
// reinterpret a frame's backing array for different consumers.
type PTArray [1024]uint32

// AsPTEs reinterprets a frame as a 1024-entry PTE array.
func AsPTEs(f *Frame) *PTArray {
	return (*PTArray)(unsafe.Pointer(f))
}

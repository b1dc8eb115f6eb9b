// Package pagetable implements the two-level x86-style page-table walker
// and mapper described in spec.md §4.3, grounded in walkpgdir/mappages
// from original_source/code/vm.c and charizard.c. A directory entry
// (PDE) and a leaf entry (PTE) share the same 32-bit encoding; the
// directory's own frame and each second-level table's frame are
// ordinary kalloc'd pages, reinterpreted via mem.AsPTEs.
package pagetable

import (
	"github.com/pkg/errors"

	"github.com/biscuit-os/demandpaging/mem"
	"github.com/biscuit-os/demandpaging/util"
)

// NPDENTRIES and NPTENTRIES are the per-level fan-out of the two-level
// page table this module simulates (10 bits each, matching PDX/PTX).
const (
	NPDENTRIES = 1024
	NPTENTRIES = 1024
)

// PDX extracts the page-directory index from a virtual address.
func PDX(va uint32) uint32 { return (va >> 22) & 0x3FF }

// PTX extracts the page-table index from a virtual address.
func PTX(va uint32) uint32 { return (va >> 12) & 0x3FF }

// PGROUNDDOWN rounds va down to the nearest page boundary.
func PGROUNDDOWN(va uint32) uint32 { return util.Rounddown(va, uint32(mem.PGSIZE)) }

// PGROUNDUP rounds va up to the nearest page boundary.
func PGROUNDUP(va uint32) uint32 { return util.Roundup(va, uint32(mem.PGSIZE)) }

// ErrRemap is returned (and, per spec.md §7, should be treated as fatal by
// callers) when MapRange would overwrite an already-present PTE.
var ErrRemap = errors.New("pagetable: remap of present PTE")

// Directory is one process's page directory: a kalloc'd frame holding
// 1024 PDEs, each either zero or pointing (PTE_ADDR) at a kalloc'd
// second-level table frame.
type Directory struct {
	phys mem.Pa
	mm   *mem.Physmem
}

// NewDirectory allocates and zeroes a fresh page directory.
func NewDirectory(mm *mem.Physmem) (*Directory, error) {
	pa, err := mm.Kalloc()
	if err != nil {
		return nil, err
	}
	return &Directory{phys: pa, mm: mm}, nil
}

// Phys returns the physical address of the directory's own frame — the
// value that would be loaded into cr3.
func (d *Directory) Phys() mem.Pa { return d.phys }

func (d *Directory) entries() *mem.PTArray {
	return mem.AsPTEs(d.mm.Dmap(d.phys))
}

// Walk returns a pointer to the PTE for va, allocating the intermediate
// page table if alloc is true and it is missing. It returns nil when
// alloc is false and the intermediate table does not exist, matching
// walkpgdir's soft-fail contract in spec.md §4.3.
func (d *Directory) Walk(va uint32, alloc bool) (*uint32, error) {
	pde := &d.entries()[PDX(va)]
	var table *mem.PTArray
	if *pde&mem.PTE_PRESENT != 0 {
		table = mem.AsPTEs(d.mm.Dmap(mem.Pa(mem.PTE_ADDR(*pde))))
	} else {
		if !alloc {
			return nil, nil
		}
		pa, err := d.mm.Kalloc()
		if err != nil {
			return nil, err
		}
		table = mem.AsPTEs(d.mm.Dmap(pa))
		*pde = uint32(pa) | mem.PTE_PRESENT | mem.PTE_WRITABLE | mem.PTE_USER
	}
	return &table[PTX(va)], nil
}

// Lookup is Walk(va, false) returning only the PTE (nil when the
// intermediate table is absent; callers decide what "no PTE" means). It
// panics if Walk reports an error, which Walk does not do when it is not
// allocating.
func (d *Directory) Lookup(va uint32) *uint32 {
	pte, err := d.Walk(va, false)
	if err != nil {
		panic(err)
	}
	return pte
}

// HasTable reports whether the second-level table for va's directory
// entry has been allocated at all, without allocating one — used by
// Deallocuvm's fast-forward-to-next-PDE behavior (spec.md §4.4,
// original_source/code/vm.c's deallocuvm).
func (d *Directory) HasTable(va uint32) bool {
	pde := d.entries()[PDX(va)]
	return pde&mem.PTE_PRESENT != 0
}

// PDEFrames returns the physical addresses of every allocated
// second-level table, for freevm to release them (spec.md §4.4).
func (d *Directory) PDEFrames() []mem.Pa {
	var out []mem.Pa
	for _, pde := range d.entries() {
		if pde&mem.PTE_PRESENT != 0 {
			out = append(out, mem.Pa(mem.PTE_ADDR(pde)))
		}
	}
	return out
}

// MapMode is the explicit tagged variant spec.md §9 recommends in place
// of the original's var1*var2 multiplication trick in mappages.
type MapMode int

const (
	// MapPlain installs pa|perm|PRESENT with no reverse-map side effect.
	// Used for the kernel's own fixed mappings (setup_kernel_vm).
	MapPlain MapMode = iota
	// MapTracked installs pa|perm|PRESENT and registers the PTE with the
	// reverse map. Used for ordinary user pages.
	MapTracked
	// MapSwapPlaceholder installs pa|perm with PRESENT deliberately
	// unset; the caller is responsible for attaching the PTE to a swap
	// slot afterwards.
	MapSwapPlaceholder
)

// MapRange installs PTEs for [PGROUNDDOWN(va), PGROUNDDOWN(va+size-1)]
// mapping to physical addresses starting at pa, per spec.md §4.3. In
// MapTracked mode onInstall, when non-nil, is invoked with each installed
// PTE pointer — callers use it to register reverse-map entries; the other
// modes do not call it.
func (d *Directory) MapRange(va uint32, size int, pa mem.Pa, perm uint32, mode MapMode, onInstall func(pte *uint32)) error {
	a := PGROUNDDOWN(va)
	last := PGROUNDDOWN(va + uint32(size) - 1)
	for {
		pte, err := d.Walk(a, true)
		if err != nil {
			return err
		}
		if *pte&mem.PTE_PRESENT != 0 {
			return errors.WithStack(ErrRemap)
		}
		switch mode {
		case MapPlain:
			*pte = uint32(pa) | perm | mem.PTE_PRESENT
		case MapTracked:
			*pte = uint32(pa) | perm | mem.PTE_PRESENT
			if onInstall != nil {
				onInstall(pte)
			}
		case MapSwapPlaceholder:
			*pte = uint32(pa) | perm
		default:
			panic("pagetable: unknown MapMode")
		}
		if a == last {
			break
		}
		a += uint32(mem.PGSIZE)
		pa += mem.Pa(mem.PGSIZE)
	}
	return nil
}

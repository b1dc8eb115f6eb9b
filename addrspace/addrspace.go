// Package addrspace implements the address-space operations of
// spec.md §4.4: allocating/deallocating a process's user pages, COW
// cloning at fork, and tearing down a page directory. Grounded in
// allocuvm/deallocuvm/copyuvm/freevm/setupkvm from
// original_source/code/vm.c, generalized the way biscuit's vm.Vm_t
// generalizes the same operations for its own address-space type.
//
// RSS is not tracked here: spec.md models it as a property of the owning
// process (p->rss), so every operation that charges or credits RSS takes
// the counter as an explicit *int rather than owning one itself — this
// keeps the package free of any dependency on the process table.
package addrspace

import (
	"github.com/pkg/errors"

	"github.com/biscuit-os/demandpaging/mem"
	"github.com/biscuit-os/demandpaging/pagetable"
	"github.com/biscuit-os/demandpaging/rmap"
	"github.com/biscuit-os/demandpaging/swap"
)

// ErrMissingPTE is returned (and, per spec.md §7, treated as fatal) when
// Copyuvm finds a parent page that is neither PRESENT nor SWAPPED.
var ErrMissingPTE = errors.New("addrspace: copyuvm: missing pte")

// KernelMapping describes one fixed range installed by SetupKernelVM,
// mirroring vm.c's static kmap[] table (I/O space, kernel text/rodata,
// kernel data, device space).
type KernelMapping struct {
	Virt  uint32
	Phys  mem.Pa
	Size  int
	Perms uint32
}

// SetupKernelVM installs the kernel half of a fresh page directory from a
// fixed table of mappings, all in MapPlain mode (spec.md §4.4).
func SetupKernelVM(mm *mem.Physmem, kmap []KernelMapping) (*pagetable.Directory, error) {
	d, err := pagetable.NewDirectory(mm)
	if err != nil {
		return nil, err
	}
	for _, k := range kmap {
		if err := d.MapRange(k.Virt, k.Size, k.Phys, k.Perms, pagetable.MapPlain, nil); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Allocuvm allocates zeroed frames and installs tracked, writable,
// user-accessible mappings for every page in [PGROUNDUP(old), newSize),
// charging rss PGSIZE per installed page. On any allocation failure it
// undoes its partial work via Deallocuvm and returns mem.ErrOOM, matching
// original_source/code/vm.c's allocuvm.
func Allocuvm(mm *mem.Physmem, rm *rmap.Map, sw *swap.Table, pd *pagetable.Directory, rss *int, oldSize, newSize uint32) (uint32, error) {
	if newSize < oldSize {
		return oldSize, nil
	}
	a := pagetable.PGROUNDUP(oldSize)
	for ; a < newSize; a += uint32(mem.PGSIZE) {
		pa, err := mm.Kalloc()
		if err != nil {
			Deallocuvm(mm, rm, sw, pd, rss, a+uint32(mem.PGSIZE), oldSize)
			return oldSize, err
		}
		perm := mem.PTE_WRITABLE | mem.PTE_USER
		installErr := pd.MapRange(a, mem.PGSIZE, pa, perm, pagetable.MapTracked, func(pte *uint32) {
			rm.Inc(mem.FrameOf(pa), pte)
		})
		if installErr != nil {
			mm.Kfree(pa)
			Deallocuvm(mm, rm, sw, pd, rss, a+uint32(mem.PGSIZE), oldSize)
			return oldSize, installErr
		}
		*rss += mem.PGSIZE
	}
	return newSize, nil
}

// Deallocuvm releases pages in [PGROUNDUP(newSize), oldSize), dropping
// reverse-map references (freeing frames at refcount zero), flushing
// swap-slot references, and decrementing rss per present page it frees.
// When an intermediate page table is absent it fast-forwards to the next
// directory entry, per original_source/code/vm.c's deallocuvm.
func Deallocuvm(mm *mem.Physmem, rm *rmap.Map, sw *swap.Table, pd *pagetable.Directory, rss *int, oldSize, newSize uint32) uint32 {
	if newSize >= oldSize {
		return oldSize
	}
	a := pagetable.PGROUNDUP(newSize)
	for a < oldSize {
		if !pd.HasTable(a) {
			a = nextDirEntry(a)
			if a == 0 {
				break // stepped past the last directory entry
			}
			continue
		}
		pte := pd.Lookup(a)
		switch {
		case *pte&mem.PTE_PRESENT != 0:
			frame := mem.PTE_ADDR(*pte)
			rm.Dec(frame>>mem.PGSHIFT, pte)
			mm.Refdown(mem.Pa(frame))
			*rss -= mem.PGSIZE
			*pte = 0
			a += uint32(mem.PGSIZE)
		case *pte&mem.PTE_SWAPPED != 0:
			sw.Flush(pte)
			*pte = 0
			a += uint32(mem.PGSIZE)
		default:
			a += uint32(mem.PGSIZE)
		}
		if a == 0 {
			break // stepped past the top of the 32-bit address space
		}
	}
	return newSize
}

func nextDirEntry(a uint32) uint32 {
	pdx := pagetable.PDX(a)
	return (pdx + 1) << 22
}

// Copyuvm clones the parent's user mappings in [0, sz) into a fresh child
// directory, installing copy-on-write sharing for present pages and
// swap-placeholder attachments for swapped pages (spec.md §4.4). It
// charges childRss PGSIZE for every present page shared, and leaves the
// parent's PTEs read-only. The caller must invalidate the parent's TLB
// afterwards (out of scope for this simulation).
func Copyuvm(mm *mem.Physmem, rm *rmap.Map, sw *swap.Table, parent *pagetable.Directory, sz uint32, childRss *int, kmap []KernelMapping) (*pagetable.Directory, error) {
	child, err := SetupKernelVM(mm, kmap)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < sz; i += uint32(mem.PGSIZE) {
		pte := parent.Lookup(i)
		if pte == nil {
			return nil, errors.WithStack(ErrMissingPTE)
		}
		present := *pte&mem.PTE_PRESENT != 0
		swapped := *pte&mem.PTE_SWAPPED != 0
		switch {
		case swapped:
			pa := mem.Pa(mem.PTE_ADDR(*pte))
			flags := mem.PTE_FLAGS(*pte)
			if err := child.MapRange(i, mem.PGSIZE, pa, flags, pagetable.MapSwapPlaceholder, nil); err != nil {
				return nil, err
			}
			childPte := child.Lookup(i)
			sw.Attach(childPte, pte)
		case present:
			*pte &^= mem.PTE_WRITABLE
			pa := mem.Pa(mem.PTE_ADDR(*pte))
			flags := mem.PTE_FLAGS(*pte)
			if err := child.MapRange(i, mem.PGSIZE, pa, flags, pagetable.MapTracked, func(cpte *uint32) {
				rm.Inc(mem.FrameOf(pa), cpte)
				mm.Refup(pa)
			}); err != nil {
				return nil, err
			}
			*childRss += mem.PGSIZE
		default:
			return nil, errors.WithStack(ErrMissingPTE)
		}
	}
	return child, nil
}

// Freevm tears down an address space entirely: releases every user page
// and swap slot in [0, KERNBASE) via Deallocuvm, frees every allocated
// intermediate page table, and frees the directory's own frame, per
// original_source/code/vm.c's freevm.
func Freevm(mm *mem.Physmem, rm *rmap.Map, sw *swap.Table, pd *pagetable.Directory, rss *int, kernbase uint32) {
	Deallocuvm(mm, rm, sw, pd, rss, kernbase, 0)
	for _, pa := range pd.PDEFrames() {
		mm.Kfree(pa)
	}
	mm.Kfree(pd.Phys())
}

package proc

import (
	"github.com/biscuit-os/demandpaging/mem"
	"github.com/biscuit-os/demandpaging/pagetable"
)

// RSSDecrementer walks every non-Unused process's user range and, for the
// first present PTE it finds mapping pa, subtracts PGSIZE from that
// process's rss — at most one hit per process. Called before a page is
// swapped out so a shared frame is charged exactly to its current
// sharers (spec.md §4.7), grounded in original_source/proc.c's
// rss_decrementer.
func (t *Table) RSSDecrementer(pa mem.Pa) {
	t.adjustRSS(pa, -mem.PGSIZE)
}

// RSSIncrementer is RSSDecrementer's counterpart, invoked after a page is
// swapped in (spec.md §4.7), grounded in original_source/proc.c's
// rss_incrementer.
func (t *Table) RSSIncrementer(pa mem.Pa) {
	t.adjustRSS(pa, mem.PGSIZE)
}

func (t *Table) adjustRSS(pa mem.Pa, delta int) {
	target := mem.PTE_ADDR(uint32(pa))
	for _, p := range t.All() {
		for va := uint32(0); va < p.Size; va += uint32(mem.PGSIZE) {
			pte := p.As.Lookup(va)
			if pte == nil {
				va = nextDirEntryBoundary(va)
				continue
			}
			if *pte&mem.PTE_PRESENT != 0 && mem.PTE_ADDR(*pte) == target {
				p.Rss += delta
				break
			}
		}
	}
}

func nextDirEntryBoundary(va uint32) uint32 {
	pdx := pagetable.PDX(va)
	return (pdx+1)<<22 - uint32(mem.PGSIZE)
}

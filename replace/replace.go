// Package replace implements victim selection and swap-out (spec.md
// §4.6), grounded in original_source/proc.c's select_victim_process,
// select_victim_page, clear_access, page_replacement, and
// original_source/code/charizard.c's swap_page_out.
package replace

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/biscuit-os/demandpaging/mem"
	"github.com/biscuit-os/demandpaging/pagetable"
	"github.com/biscuit-os/demandpaging/proc"
	"github.com/biscuit-os/demandpaging/rmap"
	"github.com/biscuit-os/demandpaging/swap"
)

// agingStride is "every 10th" PTE in original_source/proc.c's
// clear_access: of every ten PRESENT|USER|ACCESSED PTEs the sweep visits,
// the first of each group of ten has ACCESSED cleared.
const agingStride = 10

// Replacer selects victim pages and performs swap-out across a process
// table. It is safe for concurrent use only to the extent the embedded
// sync discipline of proc.Table and rmap.Map/swap.Table is — spec.md §5
// notes the reverse map and swap table are serial per frame by design,
// so callers must serialize calls into a single Replacer the same way
// the original serializes page_replacement() under ptable.lock.
type Replacer struct {
	Procs *proc.Table
	Mm    *mem.Physmem
	Rm    *rmap.Map
	Sw    *swap.Table
	Log   *slog.Logger

	// agingCounter persists the "every 10th" counter across sweeps, per
	// original_source/proc.c's `count` static-across-the-sweep variable.
	agingCounter int

	evictions     prometheus.Counter
	agingSweeps   prometheus.Counter
}

// NewReplacer constructs a Replacer and registers its Prometheus
// counters with reg (nil to skip registration, e.g. in tests that don't
// care about metrics).
func NewReplacer(procs *proc.Table, mm *mem.Physmem, rm *rmap.Map, sw *swap.Table, log *slog.Logger, reg prometheus.Registerer) *Replacer {
	if log == nil {
		log = slog.Default()
	}
	r := &Replacer{
		Procs: procs,
		Mm:    mm,
		Rm:    rm,
		Sw:    sw,
		Log:   log,
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "demandpaging_page_evictions_total",
			Help: "Number of pages swapped out by the replacer.",
		}),
		agingSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "demandpaging_aging_sweeps_total",
			Help: "Number of access-bit aging sweeps performed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.evictions, r.agingSweeps)
	}
	return r
}

// SelectVictimProcess scans the process table for the process with
// maximum rss, breaking ties by smallest pid. Processes with rss == 0 are
// never selected (they hold no evictable pages), per spec.md §4.6.
//
// Precondition (spec.md §9 Open Question, resolved): every PRESENT page
// counted in a process's rss is a USER page — victim selection trusts
// this and does not re-check PTE_USER at the process level, only at the
// page level in SelectVictimPage.
func (r *Replacer) SelectVictimProcess() *proc.Process {
	var victim *proc.Process
	maxRss := 0
	for _, p := range r.Procs.All() {
		if p.Rss <= 0 {
			continue
		}
		if p.Rss > maxRss || (p.Rss == maxRss && (victim == nil || p.Pid < victim.Pid)) {
			victim = p
			maxRss = p.Rss
		}
	}
	return victim
}

// SelectVictimPage scans victim's page directory/page tables in
// directory-entry order, then page-table-entry order, and returns the
// first PTE that is PRESENT, USER, and has ACCESSED cleared. It returns
// nil if no such page exists.
func (r *Replacer) SelectVictimPage(victim *proc.Process) *uint32 {
	for va := uint32(0); va < victim.Size; va += uint32(mem.PGSIZE) {
		if !victim.As.HasTable(va) {
			va = nextDirEntry(va)
			continue
		}
		pte := victim.As.Lookup(va)
		if pte == nil {
			continue
		}
		if *pte&mem.PTE_PRESENT != 0 && *pte&mem.PTE_USER != 0 && *pte&mem.PTE_ACCESSED == 0 {
			return pte
		}
	}
	return nil
}

// ClearAccess walks victim's PTEs and clears ACCESSED on every tenth
// PRESENT|USER|ACCESSED page it finds, re-arming SelectVictimPage's
// eligibility test. The stride counter persists across sweeps on the
// Replacer, matching original_source/proc.c's clear_access.
func (r *Replacer) ClearAccess(victim *proc.Process) {
	r.agingSweeps.Inc()
	for va := uint32(0); va < victim.Size; va += uint32(mem.PGSIZE) {
		if !victim.As.HasTable(va) {
			va = nextDirEntry(va)
			continue
		}
		pte := victim.As.Lookup(va)
		if pte == nil {
			continue
		}
		if *pte&mem.PTE_PRESENT != 0 && *pte&mem.PTE_USER != 0 && *pte&mem.PTE_ACCESSED != 0 {
			if r.agingCounter == 0 {
				*pte &^= mem.PTE_ACCESSED
			}
			r.agingCounter = (r.agingCounter + 1) % agingStride
		}
	}
}

// PageReplacement returns the PTE of a victim page, running the aging
// sweep and retrying as many times as necessary to make progress, per
// spec.md §4.6 ("Repeat selection" — a loop, not a single retry).
func (r *Replacer) PageReplacement() (*proc.Process, *uint32) {
	victim := r.SelectVictimProcess()
	if victim == nil {
		return nil, nil
	}
	pte := r.SelectVictimPage(victim)
	for pte == nil {
		r.ClearAccess(victim)
		pte = r.SelectVictimPage(victim)
	}
	return victim, pte
}

// SwapPageOut picks a victim page via PageReplacement and evicts it:
// decrements rss for every sharer, allocates a free swap slot, writes
// the frame to disk, commits the swap-table rewrite, and frees the
// frame. Returns mem.ErrSwapFull if no slot is available, per spec.md
// §4.6.
func (r *Replacer) SwapPageOut() error {
	_, pte := r.PageReplacement()
	if pte == nil {
		// No process holds any evictable page; nothing to do.
		return nil
	}
	frame := mem.PTE_ADDR(*pte)
	pa := mem.Pa(frame)

	r.Procs.RSSDecrementer(pa)

	slot, err := r.Sw.AllocateFreeSlot()
	if err != nil {
		return err
	}

	buf := r.Mm.Dmap(pa)
	r.Sw.Disk().WritePage(buf, r.Sw.DiskBase(slot))

	refs := r.Rm.Refs(mem.FrameOf(pa))
	r.Sw.SwapoutCommit(refs, slot)
	r.Rm.Clear(mem.FrameOf(pa))

	r.Mm.Kfree(pa)
	r.evictions.Inc()
	r.Log.Info("swapped out page", "frame", frame, "slot", slot, "sharers", len(refs))
	return nil
}

func nextDirEntry(a uint32) uint32 {
	pdx := pagetable.PDX(a)
	return (pdx+1)<<22 - uint32(mem.PGSIZE)
}

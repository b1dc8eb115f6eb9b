// Package fault implements the page-fault dispatcher of spec.md §4.5:
// decode the faulting PTE's flags and route to the swap-in path or the
// copy-on-write path. Grounded in original_source/code/charizard.c's
// page_fault/case_swap/case_cow.
package fault

import (
	"log/slog"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/biscuit-os/demandpaging/mem"
	"github.com/biscuit-os/demandpaging/proc"
	"github.com/biscuit-os/demandpaging/replace"
	"github.com/biscuit-os/demandpaging/rmap"
	"github.com/biscuit-os/demandpaging/swap"
)

// ErrIllegalFault indicates a page-fault reached the handler on an
// address with no PTE, or with an all-zero PTE — out of scope per spec.md §4.5 step 1,
// which hands this off to the generic trap path. Callers that model no
// such path can treat this as the process's termination signal.
var ErrIllegalFault = errors.New("fault: no pte for faulting address")

// ErrIllegalWriteOnWritable marks a COW fault on a PTE that was already
// writable — a hardware-spurious fault per spec.md §4.5b, fatal.
var ErrIllegalWriteOnWritable = errors.New("fault: cow fault on writable pte")

// ErrMissingPTE marks a COW fault on a PTE that is neither PRESENT nor
// SWAPPED, resolved as fatal per spec.md §9's Open Question (distinct
// from the source's silent no-op).
var ErrMissingPTE = errors.New("fault: cow fault on absent pte")

// Handler dispatches page faults for a kernel instance: the physical
// memory pool, reverse map, swap table, process table, and a Replacer
// to retry allocation through on OOM.
type Handler struct {
	Mm       *mem.Physmem
	Rm       *rmap.Map
	Sw       *swap.Table
	Procs    *proc.Table
	Replacer *replace.Replacer
	Log      *slog.Logger

	swapIns  prometheus.Counter
	cowFast  prometheus.Counter
	cowSplit prometheus.Counter
	oomRetry prometheus.Counter
}

// NewHandler constructs a Handler and registers its Prometheus counters
// with reg (nil to skip registration).
func NewHandler(mm *mem.Physmem, rm *rmap.Map, sw *swap.Table, procs *proc.Table, r *replace.Replacer, log *slog.Logger, reg prometheus.Registerer) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		Mm: mm, Rm: rm, Sw: sw, Procs: procs, Replacer: r, Log: log,
		swapIns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "demandpaging_swap_ins_total",
			Help: "Number of pages read back in from swap.",
		}),
		cowFast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "demandpaging_cow_last_reference_total",
			Help: "Number of COW faults resolved by upgrading the last reference in place.",
		}),
		cowSplit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "demandpaging_cow_splits_total",
			Help: "Number of COW faults resolved by copying into a fresh frame.",
		}),
		oomRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "demandpaging_oom_retries_total",
			Help: "Number of times kalloc failure triggered a replacer retry.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.swapIns, h.cowFast, h.cowSplit, h.oomRetry)
	}
	return h
}

// PageFault handles a fault at virtual address va in process p: it
// looks up the PTE without allocating an intermediate table, and if
// none exists or it is all zero (the address was never mapped), returns
// ErrIllegalFault (spec.md §4.5 step 1). Otherwise it dispatches on the
// SWAPPED flag.
func (h *Handler) PageFault(p *proc.Process, va uint32) error {
	pte, err := p.As.Walk(va, false)
	if err != nil {
		return err
	}
	if pte == nil || *pte == 0 {
		return errors.WithStack(ErrIllegalFault)
	}
	if *pte&mem.PTE_SWAPPED != 0 {
		return h.swapIn(pte)
	}
	return h.cow(pte)
}

// kallocOrEvict allocates a frame, invoking the replacer and retrying on
// OOM as many times as necessary to make progress, per spec.md §4.5a
// ("if that fails, invoke the replacer and retry").
func (h *Handler) kallocOrEvict() (mem.Pa, error) {
	for {
		pa, err := h.Mm.Kalloc()
		if err == nil {
			return pa, nil
		}
		if !errors.Is(err, mem.ErrOOM) {
			return 0, err
		}
		h.oomRetry.Inc()
		if evictErr := h.Replacer.SwapPageOut(); evictErr != nil {
			return 0, evictErr
		}
	}
}

// swapIn implements spec.md §4.5a: decode the slot from the faulting
// PTE, allocate a fresh frame (evicting under pressure if necessary),
// read the page back from disk, commit the swap-table rewrite, and
// credit RSS to every process now referencing the frame.
func (h *Handler) swapIn(pte *uint32) error {
	blk := int(mem.PTE_ADDR(*pte) >> mem.PGSHIFT)
	s := h.Sw.SlotOfBlock(blk)

	fnew, err := h.kallocOrEvict()
	if err != nil {
		return err
	}

	buf := h.Mm.Dmap(fnew)
	h.Sw.Disk().ReadPage(buf, h.Sw.DiskBase(s))

	restored := h.Sw.SwapinCommit(fnew, s)
	for i, rpte := range restored {
		h.Rm.Inc(mem.FrameOf(fnew), rpte)
		if i > 0 {
			// fnew's refcnt starts at 1 from kallocOrEvict's Kalloc, which
			// only accounts for the first sharer; every additional sharer
			// restored onto this frame needs its own Refup to keep
			// mem.Physmem.Refcnt paired with rmap.Map.Count, the same
			// pairing addrspace.Copyuvm keeps for COW forks.
			h.Mm.Refup(fnew)
		}
	}
	// rss_incrementer scans every process and credits each one at most
	// once per call (spec.md §4.7), so one call per swap-in event
	// correctly charges every sharer exactly once regardless of how
	// many PTEs were just restored.
	h.Procs.RSSIncrementer(fnew)
	h.swapIns.Inc()
	h.Log.Info("swapped in page", "frame", mem.FrameOf(fnew), "slot", s, "sharers", len(restored))
	return nil
}

// cow implements spec.md §4.5b. Precondition: pte is PRESENT and
// WRITABLE is clear — a write fault on a read-only shared page. A PTE
// that is already WRITABLE reaching here is a hardware-spurious fault
// (ErrIllegalWriteOnWritable); a PTE that is neither PRESENT nor
// SWAPPED reaching here is ErrMissingPTE, per spec.md §9's resolved
// Open Question.
func (h *Handler) cow(pte *uint32) error {
	if *pte&mem.PTE_PRESENT == 0 {
		return errors.WithStack(ErrMissingPTE)
	}
	if *pte&mem.PTE_WRITABLE != 0 {
		return errors.WithStack(ErrIllegalWriteOnWritable)
	}

	frame := mem.FrameOf(mem.Pa(mem.PTE_ADDR(*pte)))
	refc := h.Rm.Count(frame)

	if refc == 1 {
		*pte |= mem.PTE_WRITABLE
		h.cowFast.Inc()
		return nil
	}

	h.Rm.Dec(frame, pte)
	src := mem.Pa(mem.PTE_ADDR(*pte))
	fnew, err := h.kallocOrEvict()
	if err != nil {
		return err
	}
	*h.Mm.Dmap(fnew) = *h.Mm.Dmap(src)
	h.Mm.Refdown(src)

	flags := mem.PTE_FLAGS(*pte)
	*pte = uint32(fnew) | flags | mem.PTE_WRITABLE
	h.Rm.Inc(mem.FrameOf(fnew), pte)
	h.cowSplit.Inc()
	h.Log.Info("cow split", "old_frame", frame, "new_frame", mem.FrameOf(fnew))
	return nil
}

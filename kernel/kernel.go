// Package kernel bundles the physical memory pool, reverse map, swap
// table, process table, replacer, and fault handler into a single
// kernel-state value, per spec.md §9's design note recommending that a
// systems-language rewrite "encapsulate them in a single kernel-state
// value owned by the boot thread" rather than as free-standing globals
// the way charizard.c's pinit/pageswapinit leave them.
package kernel

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/biscuit-os/demandpaging/addrspace"
	"github.com/biscuit-os/demandpaging/fault"
	"github.com/biscuit-os/demandpaging/mem"
	"github.com/biscuit-os/demandpaging/proc"
	"github.com/biscuit-os/demandpaging/replace"
	"github.com/biscuit-os/demandpaging/rmap"
	"github.com/biscuit-os/demandpaging/swap"
)

// Config sizes a Kernel instance: frame-pool capacity, swap-slot
// capacity, process-table capacity, and the fixed kernel mappings
// installed into every address space. Follows the opts-struct
// convention used for the demo CLI's own flags.
type Config struct {
	Frames   int
	Slots    int
	NProc    int
	KernBase uint32
	KernelVM []addrspace.KernelMapping
	Log      *slog.Logger
	Registry prometheus.Registerer
}

// Kernel is the wired-together subsystem: everything a scenario or test
// needs to drive fork/exit/wait, growproc, and page faults end to end.
type Kernel struct {
	Mm       *mem.Physmem
	Rm       *rmap.Map
	Sw       *swap.Table
	Procs    *proc.Table
	Replacer *replace.Replacer
	Faults   *fault.Handler
}

// New constructs a Kernel from cfg. A nil cfg.Log defaults to
// slog.Default(); a nil cfg.Registry skips metrics registration
// entirely (tests that don't care about counters can omit it).
func New(cfg Config) *Kernel {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	mm := mem.NewPhysmem(cfg.Frames)
	rm := rmap.New()
	sw := swap.NewTable(cfg.Slots)
	kernBase := cfg.KernBase
	if kernBase == 0 {
		kernBase = 0xFFFFFFFF
	}
	procs := proc.NewTable(cfg.NProc, mm, rm, sw, cfg.KernelVM, kernBase)
	rep := replace.NewReplacer(procs, mm, rm, sw, cfg.Log, cfg.Registry)
	flt := fault.NewHandler(mm, rm, sw, procs, rep, cfg.Log, cfg.Registry)
	return &Kernel{Mm: mm, Rm: rm, Sw: sw, Procs: procs, Replacer: rep, Faults: flt}
}

// Command pagingctl drives the demand-paging core through its canned
// scenarios and prints a pass/fail report plus the Prometheus counters
// the replacer and fault handler accumulated along the way. It is a
// demonstration/scenario runner, not the subsystem's own interface —
// the paging core itself exposes no CLI surface.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"

	"github.com/biscuit-os/demandpaging/kernel"
	"github.com/biscuit-os/demandpaging/mem"
)

type opts struct {
	frames int
	slots  int
	nproc  int
	quiet  bool
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "pagingctl",
		Short: "Run the demand-paging core's scenario suite",
		Long: `pagingctl wires together a Kernel (frame pool, reverse map, swap
table, process table, replacer, and fault handler) and exercises it
through growth/exit, fork/write, swap-out/swap-in, aging, and
fork-of-a-swapped-page scenarios, reporting pass/fail for each.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o)
		},
	}

	root.Flags().IntVar(&o.frames, "frames", 64, "physical frame pool size")
	root.Flags().IntVar(&o.slots, "slots", 8, "swap-table slot count")
	root.Flags().IntVar(&o.nproc, "nproc", 16, "process table capacity")
	root.Flags().BoolVar(&o.quiet, "quiet", false, "suppress per-scenario logging")

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type scenario struct {
	name string
	run  func(k *kernel.Kernel) error
}

func run(o opts) error {
	reg := prometheus.NewRegistry()
	logLevel := slog.LevelInfo
	if o.quiet {
		logLevel = slog.LevelError
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	scenarios := []scenario{
		{"S1 growth+exit", scenarioGrowthAndExit},
		{"S2 fork+write", scenarioForkAndWrite},
		{"S3+S4 swap-out then swap-in", scenarioSwapRoundTrip},
		{"S5 aging", scenarioAging},
		{"S6 fork of swapped page", scenarioForkOfSwapped},
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCENARIO\tRESULT")
	fmt.Fprintln(tw, "--------\t------")

	failed := 0
	for _, s := range scenarios {
		k := kernel.New(kernel.Config{
			Frames: o.frames, Slots: o.slots, NProc: o.nproc,
			Log: log, Registry: prometheus.WrapRegistererWith(prometheus.Labels{"scenario": s.name}, reg),
		})
		err := s.run(k)
		status := "PASS"
		if err != nil {
			status = "FAIL: " + err.Error()
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\n", s.name, status)
	}
	tw.Flush()

	fmt.Println()
	printCounters(reg)

	if failed > 0 {
		return fmt.Errorf("%d scenario(s) failed", failed)
	}
	return nil
}

func printCounters(reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		slog.Warn("gather metrics", "err", err)
		return
	}
	fmt.Println("counters:")
	for _, f := range families {
		for _, m := range f.GetMetric() {
			fmt.Printf("  %s %s\n", f.GetName(), counterValue(m))
		}
	}
}

func counterValue(m *dto.Metric) string {
	if c := m.GetCounter(); c != nil {
		return fmt.Sprintf("%.0f", c.GetValue())
	}
	return "?"
}

func scenarioGrowthAndExit(k *kernel.Kernel) error {
	init_, err := k.Procs.Spawn("init")
	if err != nil {
		return err
	}
	freeBefore := k.Mm.Free()
	a, err := k.Procs.Spawn("A")
	if err != nil {
		return err
	}
	a.Parent = init_

	if err := k.Procs.Growproc(a, 4*mem.PGSIZE); err != nil {
		return err
	}
	if a.Rss != 5*mem.PGSIZE {
		return fmt.Errorf("expected rss %d, got %d", 5*mem.PGSIZE, a.Rss)
	}
	k.Procs.Exit(a)
	if _, ok := k.Procs.Wait(init_); !ok {
		return fmt.Errorf("wait did not reclaim child")
	}
	if k.Mm.Free() != freeBefore {
		return fmt.Errorf("expected %d free frames after exit, got %d", freeBefore, k.Mm.Free())
	}
	return nil
}

func scenarioForkAndWrite(k *kernel.Kernel) error {
	a, err := k.Procs.Spawn("A")
	if err != nil {
		return err
	}
	if err := k.Procs.Growproc(a, 2*mem.PGSIZE); err != nil {
		return err
	}
	b, err := k.Procs.Fork(a)
	if err != nil {
		return err
	}
	if err := k.Faults.PageFault(b, uint32(mem.PGSIZE)); err != nil {
		return err
	}
	bpte := b.As.Lookup(uint32(mem.PGSIZE))
	if *bpte&mem.PTE_WRITABLE == 0 {
		return fmt.Errorf("child's faulted page did not become writable")
	}
	return nil
}

func scenarioSwapRoundTrip(k *kernel.Kernel) error {
	a, err := k.Procs.Spawn("A")
	if err != nil {
		return err
	}
	pa := mem.Pa(mem.PTE_ADDR(*a.As.Lookup(0)))
	k.Mm.Dmap(pa)[0] = 0xAB

	if err := k.Replacer.SwapPageOut(); err != nil {
		return err
	}
	if err := k.Faults.PageFault(a, 0); err != nil {
		return err
	}
	newPa := mem.Pa(mem.PTE_ADDR(*a.As.Lookup(0)))
	if k.Mm.Dmap(newPa)[0] != 0xAB {
		return fmt.Errorf("swap round-trip lost page contents")
	}
	return nil
}

func scenarioAging(k *kernel.Kernel) error {
	a, err := k.Procs.Spawn("A")
	if err != nil {
		return err
	}
	if err := k.Procs.Growproc(a, 14*mem.PGSIZE); err != nil {
		return err
	}
	for va := uint32(0); va < a.Size; va += uint32(mem.PGSIZE) {
		pte := a.As.Lookup(va)
		*pte |= mem.PTE_ACCESSED
	}
	if k.Replacer.SelectVictimPage(a) != nil {
		return fmt.Errorf("expected no victim before aging sweep")
	}
	k.Replacer.ClearAccess(a)
	if k.Replacer.SelectVictimPage(a) == nil {
		return fmt.Errorf("expected a victim after aging sweep")
	}
	return nil
}

func scenarioForkOfSwapped(k *kernel.Kernel) error {
	a, err := k.Procs.Spawn("A")
	if err != nil {
		return err
	}
	if err := k.Procs.Growproc(a, 2*mem.PGSIZE); err != nil {
		return err
	}
	if err := k.Replacer.SwapPageOut(); err != nil {
		return err
	}
	b, err := k.Procs.Fork(a)
	if err != nil {
		return err
	}
	if a.Rss != b.Rss {
		return fmt.Errorf("fork of swapped page should not change child rss parity: a=%d b=%d", a.Rss, b.Rss)
	}
	return nil
}

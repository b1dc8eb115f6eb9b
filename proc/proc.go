// Package proc models the paging-relevant slice of process lifecycle
// (spec.md §4.8) plus RSS accounting (spec.md §4.7): a process table
// protected by one global lock, the way xv6/biscuit protect ptable with
// a single mutex (spec.md §5), and fork/exit/wait/growproc reduced to
// their address-space effects. Scheduler, trap dispatch, and sleep/wakeup
// channels are out of scope per spec.md §1 and are not modelled.
package proc

import (
	"sync"

	"github.com/biscuit-os/demandpaging/addrspace"
	"github.com/biscuit-os/demandpaging/mem"
	"github.com/biscuit-os/demandpaging/pagetable"
	"github.com/biscuit-os/demandpaging/rmap"
	"github.com/biscuit-os/demandpaging/swap"
)

// State is a process's lifecycle state. Only the states relevant to
// paging teardown are modelled.
type State int

const (
	Unused State = iota
	Embryo
	Runnable
	Running
	Zombie
)

// KernelVM, when set on a Table, is installed in every new process's
// directory the way setupkvm() installs the kernel half of every page
// table in original_source/code/vm.c. Nil is a valid, empty kernel map —
// fine for a paging-core simulation that doesn't model kernel text/data.
type KernelVM = []addrspace.KernelMapping

// Process is the paging-relevant subset of struct proc.
type Process struct {
	Pid     int
	State   State
	Parent  *Process
	Killed  bool
	As      *pagetable.Directory
	Size    uint32
	Rss     int
	Name    string
}

// Table is the process table: a slice of processes, grown on demand and
// protected by a single lock, mirroring xv6's `struct { struct spinlock lock;
// struct proc proc[NPROC]; } ptable`.
type Table struct {
	mu      sync.Mutex
	procs   []*Process
	nextPid int
	mm      *mem.Physmem
	rm      *rmap.Map
	sw      *swap.Table
	kmap    KernelVM
	kernbase uint32
}

// NewTable creates an empty process table presized for capacity processes
// (NPROC in the original); the table grows past it. kernbase bounds Freevm's teardown range; callers that
// don't model kernel virtual space can pass a large sentinel such as
// 0xFFFFFFFF.
func NewTable(capacity int, mm *mem.Physmem, rm *rmap.Map, sw *swap.Table, kmap KernelVM, kernbase uint32) *Table {
	return &Table{
		procs:    make([]*Process, 0, capacity),
		mm:       mm,
		rm:       rm,
		sw:       sw,
		kmap:     kmap,
		kernbase: kernbase,
	}
}

// All returns every non-Unused process currently in the table. Used by
// the replacer and RSS accounting, which both need to scan the whole
// table (spec.md §4.6, §4.7).
func (t *Table) All() []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		if p.State != Unused {
			out = append(out, p)
		}
	}
	return out
}

// allocProc reserves a process slot in the EMBRYO state and assigns it a
// pid.
func (t *Table) allocProc(name string) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextPid++
	p := &Process{Pid: t.nextPid, State: Embryo, Name: name}
	t.procs = append(t.procs, p)
	return p
}

// Spawn creates the first process of a tree: a fresh address space with
// one zeroed page at virtual address 0, rss = PGSIZE, state RUNNABLE.
// There is no xv6 analogue in this subsystem's scope beyond "some
// process must exist before fork can run" — modelled directly rather
// than via exec()/the ELF loader, which are out of scope (spec.md §1).
func (t *Table) Spawn(name string) (*Process, error) {
	p := t.allocProc(name)
	d, err := addrspace.SetupKernelVM(t.mm, t.kmap)
	if err != nil {
		return nil, err
	}
	p.As = d
	newSz, err := addrspace.Allocuvm(t.mm, t.rm, t.sw, d, &p.Rss, 0, uint32(mem.PGSIZE))
	if err != nil {
		return nil, err
	}
	p.Size = newSz
	p.State = Runnable
	return p, nil
}

// Growproc grows (n>0) or shrinks (n<0) the current process's address
// space by n bytes, per spec.md §4.8.
func (t *Table) Growproc(p *Process, n int) error {
	sz := p.Size
	if n > 0 {
		newSz, err := addrspace.Allocuvm(t.mm, t.rm, t.sw, p.As, &p.Rss, sz, sz+uint32(n))
		if err != nil {
			return err
		}
		sz = newSz
	} else if n < 0 {
		sz = addrspace.Deallocuvm(t.mm, t.rm, t.sw, p.As, &p.Rss, sz, sz-uint32(-n))
	}
	p.Size = sz
	return nil
}

// Fork creates a child of curproc via copy-on-write cloning (spec.md
// §4.4, §4.8). The child is left RUNNABLE.
func (t *Table) Fork(curproc *Process) (*Process, error) {
	child := t.allocProc(curproc.Name)
	childAs, err := addrspace.Copyuvm(t.mm, t.rm, t.sw, curproc.As, curproc.Size, &child.Rss, t.kmap)
	if err != nil {
		t.mu.Lock()
		child.State = Unused
		t.mu.Unlock()
		return nil, err
	}
	child.As = childAs
	child.Size = curproc.Size
	child.Parent = curproc
	child.State = Runnable
	return child, nil
}

// Exit transitions curproc to ZOMBIE. Its address space is left alive for
// Wait to reclaim, per spec.md §4.8 (exit() "leave page directory alive
// for wait to reclaim").
func (t *Table) Exit(curproc *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p.Parent == curproc {
			p.Parent = nil
		}
	}
	curproc.State = Zombie
}

// Wait reclaims one zombie child of curproc: frees its address space
// (every present page, every owned swap slot) and recycles its table
// slot, per spec.md §4.8/§3 (Lifecycle teardown).
func (t *Table) Wait(curproc *Process) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.procs {
		if p.Parent == curproc && p.State == Zombie {
			pid := p.Pid
			addrspace.Freevm(t.mm, t.rm, t.sw, p.As, &p.Rss, t.kernbase)
			p.State = Unused
			p.Pid = 0
			p.Parent = nil
			t.procs[i] = t.procs[len(t.procs)-1]
			t.procs = t.procs[:len(t.procs)-1]
			return pid, true
		}
	}
	return 0, false
}

// Kill sets the killed flag on the process with the given pid, per
// spec.md §5 (Cancellation). In-flight fault handling is not
// interrupted, matching the spec.
func (t *Table) Kill(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p.Pid == pid {
			p.Killed = true
			return true
		}
	}
	return false
}

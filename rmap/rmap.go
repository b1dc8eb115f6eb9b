// Package rmap implements the reverse map from physical frame to the set
// of page-table entries that reference it (spec.md §4.1), grounded in
// charizard.c's reverse_map/rmap arrays from original_source/. Each PTE
// handle is a direct Go pointer into a fixed-size page table array; since
// those arrays never grow or move once allocated, the pointers stay
// valid for as long as the page table itself lives — the same aliasing
// contract biscuit's reverse-map-free design relies on implicitly via
// *mem.Pa_t, made explicit here as spec.md §9 recommends.
package rmap

import "fmt"

// MaxSharers bounds how many PTEs may reference a single frame at once —
// the fixed-length pte_array[64] in charizard.c, chosen to exceed any
// legitimate number of sharing processes.
const MaxSharers = 64

// entry is the reverse-map bookkeeping for a single frame.
type entry struct {
	refs [MaxSharers]*uint32
	n    int
}

// Map is the reverse map, indexed by frame number (physical address
// right-shifted by PGSHIFT).
type Map struct {
	byFrame map[uint32]*entry
}

// New creates an empty reverse map.
func New() *Map {
	return &Map{byFrame: make(map[uint32]*entry)}
}

func (m *Map) get(frame uint32) *entry {
	e, ok := m.byFrame[frame]
	if !ok {
		e = &entry{}
		m.byFrame[frame] = e
	}
	return e
}

// Inc appends pte to refs(frame) and increments refcount(frame). pte must
// not already be present in refs(frame) — violating that is a bug in the
// caller, not a recoverable condition, so it panics like the rest of this
// subsystem's invariant checks.
func (m *Map) Inc(frame uint32, pte *uint32) {
	e := m.get(frame)
	for i := 0; i < e.n; i++ {
		if e.refs[i] == pte {
			panic("rmap: Inc: pte already present")
		}
	}
	if e.n >= MaxSharers {
		panic(fmt.Sprintf("rmap: frame %d exceeds MaxSharers", frame))
	}
	e.refs[e.n] = pte
	e.n++
}

// Dec locates pte in refs(frame), removes it compacting the list, and
// decrements refcount(frame). Fails fatally if pte is not found — an
// invariant violation per spec.md §8.1 (ReverseMapNotFound, spec.md §7).
func (m *Map) Dec(frame uint32, pte *uint32) {
	e, ok := m.byFrame[frame]
	if !ok {
		panic("rmap: Dec: ReverseMapNotFound")
	}
	idx := -1
	for i := 0; i < e.n; i++ {
		if e.refs[i] == pte {
			idx = i
			break
		}
	}
	if idx == -1 {
		panic("rmap: Dec: ReverseMapNotFound")
	}
	for i := idx; i < e.n-1; i++ {
		e.refs[i] = e.refs[i+1]
	}
	e.n--
	e.refs[e.n] = nil
}

// Count returns the current refcount for a frame.
func (m *Map) Count(frame uint32) int {
	e, ok := m.byFrame[frame]
	if !ok {
		return 0
	}
	return e.n
}

// Clear zeroes the refcount and discards the sharer list for a frame. Used
// when a frame is returned to the allocator outside the normal Dec path
// (swap-out, which unmaps every sharer at once).
func (m *Map) Clear(frame uint32) {
	delete(m.byFrame, frame)
}

// Refs returns a copy of the PTE handles currently sharing a frame, in
// insertion order. Used by swap-out to rewrite every sharer and by tests
// to assert invariant 1 (RevMap consistency).
func (m *Map) Refs(frame uint32) []*uint32 {
	e, ok := m.byFrame[frame]
	if !ok {
		return nil
	}
	out := make([]*uint32, e.n)
	copy(out, e.refs[:e.n])
	return out
}

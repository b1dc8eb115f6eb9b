package mem

import "errors"

// Error kinds per spec.md §7. OOM and SwapFull are ordinary returned
// errors a caller may retry after a yield. The other kinds are bugs and
// are defined next to the code that detects them: Remap (pagetable),
// MissingPTE and IllegalWriteOnWritable (fault) are returned errors that
// callers treat as fatal; a missing reverse-map entry panics in rmap.Dec.
var (
	// ErrOOM indicates no free frame was available. The caller may invoke
	// the replacer and retry.
	ErrOOM = errors.New("paging: out of physical memory")

	// ErrSwapFull indicates every swap slot is occupied. Recoverable by
	// the caller (e.g. retry after a yield) rather than fatal.
	ErrSwapFull = errors.New("paging: swap area full")
)

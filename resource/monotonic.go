package resource

import (
	"github.com/shynur/shmalloc"
)

// growthFactor is the geometric growth applied to each successive
// upstream request once the active Segment runs out of room. spec.md §9
// Q1 leaves this open in [1.5, 2]; 1.5 is chosen as the conservative end,
// matching common std::pmr::monotonic_buffer_resource implementations.
const growthFactor = 1.5

// Monotonic is the memory-resource that carves sub-allocations out of
// Segments fetched lazily from a hashed Raw Resource upstream (spec.md
// §4.4). It never tracks individual allocations; Deallocate is a no-op.
type Monotonic struct {
	upstream *Raw
	initial  int
	nextSize int
	active   *shmalloc.Segment
	cursor   int
}

var _ Allocator = (*Monotonic)(nil)

// NewMonotonic returns a Monotonic buffer whose first upstream request is
// for initialSize bytes (minimum one page, per spec.md §4.4).
func NewMonotonic(initialSize int) *Monotonic {
	if initialSize < 1 {
		initialSize = 1
	}
	rounded := shmalloc.CeilToPageSize(initialSize)
	return &Monotonic{
		upstream: NewHashedRaw(),
		initial:  rounded,
		nextSize: rounded,
	}
}

// Upstream returns the Raw Resource this buffer draws Segments from.
func (m *Monotonic) Upstream() *Raw { return m.upstream }

// Allocate carves size bytes, aligned to align, out of the active Segment,
// fetching a fresh one from upstream (growing geometrically) when the
// current tail can't satisfy the request.
func (m *Monotonic) Allocate(size, align int) (Ptr, error) {
	if align > shmalloc.PageSize() {
		return 0, &shmalloc.TooLargeAlignmentError{Requested: align, PageSize: shmalloc.PageSize()}
	}
	if size < 1 {
		return 0, shmalloc.ErrZeroLength
	}

	for {
		if m.active != nil {
			aligned := alignUp(m.cursor, align)
			if aligned+size <= m.active.Len() {
				m.cursor = aligned + size
				return m.active.Addr() + uintptr(aligned), nil
			}
		}

		reqSize := m.nextSize
		if reqSize < size {
			reqSize = size
		}
		reqSize = shmalloc.CeilToPageSize(reqSize)
		if _, err := m.upstream.Allocate(reqSize, align); err != nil {
			return 0, err
		}
		seg, err := m.upstream.LastInserted()
		if err != nil {
			return 0, err
		}
		m.active = seg
		m.cursor = 0
		m.nextSize = int(float64(reqSize) * growthFactor)
	}
}

// Deallocate is a no-op: the Monotonic buffer has no per-allocation
// bookkeeping to release (spec.md §4.4).
func (m *Monotonic) Deallocate(Ptr, int, int) error { return nil }

// IsEqual reports identity equality.
func (m *Monotonic) IsEqual(other Allocator) bool {
	o, ok := other.(*Monotonic)
	return ok && o == m
}

// Release destroys every Segment held via the upstream and resets the next
// request size back to the configured initial size (spec.md §4.4).
func (m *Monotonic) Release() {
	m.upstream.Clear()
	m.active = nil
	m.cursor = 0
	m.nextSize = m.initial
}

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	if rem := n % align; rem != 0 {
		return n + (align - rem)
	}
	return n
}

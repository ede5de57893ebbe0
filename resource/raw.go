// Package resource implements the memory-resource adapters that manufacture,
// subdivide, track, and release named shared segments: Raw (§4.3),
// Monotonic (§4.4), and Pool (§4.5).
package resource

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/shynur/shmalloc"
	"github.com/shynur/shmalloc/internal/hashset"
)

// Ptr is the address of an allocation, exactly as spec.md's
// allocate(size, align) contract returns.
type Ptr = uintptr

// Allocator is the shared contract implemented by Monotonic and Pool,
// standing in for spec.md §9's "polymorphic memory-resource" role that
// std::pmr::memory_resource plays in the C++ original.
type Allocator interface {
	Allocate(size, align int) (Ptr, error)
	Deallocate(p Ptr, size, align int) error
	IsEqual(other Allocator) bool
}

// Flavor selects a Raw Resource's internal storage: Ordered supports
// FindArena in O(log N); Hashed supports LastInserted in O(1).
type Flavor int

const (
	FlavorHashed Flavor = iota
	FlavorOrdered
)

// Raw is the memory-resource that manufactures whole Segments and indexes
// them for reverse lookup (spec.md §4.3).
type Raw struct {
	flavor  Flavor
	prefix  string
	ordered []*shmalloc.Segment // sorted by Addr(), ordered flavor only
	hashed  *hashset.Set[*shmalloc.Segment]
	last    *shmalloc.Segment
}

// NewOrderedRaw returns a Raw Resource backed by an address-sorted set,
// supporting FindArena.
func NewOrderedRaw() *Raw {
	return &Raw{flavor: FlavorOrdered}
}

// NewHashedRaw returns a Raw Resource backed by a hash set, supporting
// LastInserted.
func NewHashedRaw() *Raw {
	return &Raw{flavor: FlavorHashed, hashed: hashset.New[*shmalloc.Segment]()}
}

// WithPrefix sets the name prefix used for segments this Raw manufactures.
// Returns the receiver for chaining.
func (r *Raw) WithPrefix(prefix string) *Raw {
	r.prefix = prefix
	return r
}

// Flavor reports which storage flavor this Raw uses.
func (r *Raw) Flavor() Flavor { return r.flavor }

// Allocate manufactures a brand-new creator Segment of size (rounded up to
// a page multiple) and indexes it by its mapping base address.
func (r *Raw) Allocate(size, align int) (Ptr, error) {
	if align > shmalloc.PageSize() {
		return 0, &shmalloc.TooLargeAlignmentError{Requested: align, PageSize: shmalloc.PageSize()}
	}
	if size < 1 {
		return 0, shmalloc.ErrZeroLength
	}
	mappedLen := shmalloc.CeilToPageSize(size)
	name := shmalloc.GenerateName(r.prefix)
	seg, err := shmalloc.NewCreator(name, mappedLen)
	if err != nil {
		return 0, err
	}
	r.insert(seg)
	return seg.Addr(), nil
}

// Deallocate locates the Segment whose base equals p, checks that size
// matches what it was allocated with (spec.md §4.3: "the caller's size is
// recorded only to satisfy the deallocate size-matching invariant"),
// removes it from the index, and closes it (unmap + unlink). Deallocating
// a pointer this Raw never allocated is a caller contract violation,
// mirrored here as a plain wrapped error rather than one of spec.md's
// enumerated kinds, since it has no valid recovery in the source design
// either.
func (r *Raw) Deallocate(p Ptr, size, align int) error {
	seg, ok := r.find(p)
	if !ok {
		return errors.Errorf("resource: no allocation at %#x to deallocate", p)
	}
	if want := shmalloc.CeilToPageSize(size); want != seg.Len() {
		return errors.Errorf("resource: deallocate size mismatch at %#x: size %d rounds to %d, segment is %d bytes", p, size, want, seg.Len())
	}
	r.remove(p)
	return seg.Close()
}

// find locates the Segment whose base address equals addr without removing
// it from the index.
func (r *Raw) find(addr Ptr) (*shmalloc.Segment, bool) {
	if r.flavor == FlavorOrdered {
		idx := sort.Search(len(r.ordered), func(i int) bool {
			return r.ordered[i].Addr() >= addr
		})
		if idx == len(r.ordered) || r.ordered[idx].Addr() != addr {
			return nil, false
		}
		return r.ordered[idx], true
	}
	return r.hashed.Get(addr)
}

// IsEqual reports identity equality: two Raw Resources are equal iff they
// are the same instance.
func (r *Raw) IsEqual(other Allocator) bool {
	o, ok := other.(*Raw)
	return ok && o == r
}

// FindArena returns the Segment whose address range [base, base+length)
// contains p. Only available on the ordered flavor.
func (r *Raw) FindArena(p Ptr) (*shmalloc.Segment, error) {
	if r.flavor != FlavorOrdered {
		return nil, shmalloc.ErrWrongFlavor
	}
	// upper_bound(p): first segment whose base is strictly greater than p.
	idx := sort.Search(len(r.ordered), func(i int) bool {
		return r.ordered[i].Addr() > p
	})
	if idx == 0 {
		return nil, shmalloc.ErrObjectNotInArena
	}
	cand := r.ordered[idx-1]
	if p >= cand.Addr() && p < cand.Addr()+uintptr(cand.Len()) {
		return cand, nil
	}
	return nil, shmalloc.ErrObjectNotInArena
}

// LastInserted returns the most recently allocated Segment. Only available
// on the hashed flavor.
func (r *Raw) LastInserted() (*shmalloc.Segment, error) {
	if r.flavor != FlavorHashed {
		return nil, shmalloc.ErrWrongFlavor
	}
	return r.last, nil
}

// ToOrdered converts a hashed-flavor Raw into a freshly constructed
// ordered-flavor Raw, moving each Segment individually (spec.md §4.3 "Move
// semantics"). Only valid on a hashed-flavor receiver.
func (r *Raw) ToOrdered() (*Raw, error) {
	if r.flavor != FlavorHashed {
		return nil, shmalloc.ErrWrongFlavor
	}
	dst := NewOrderedRaw().WithPrefix(r.prefix)
	r.hashed.Range(func(_ uintptr, seg *shmalloc.Segment) bool {
		dst.insert(seg)
		return true
	})
	r.hashed = hashset.New[*shmalloc.Segment]()
	r.last = nil
	return dst, nil
}

// Resources returns a read-only snapshot of all Segments this Raw owns.
func (r *Raw) Resources() []*shmalloc.Segment {
	if r.flavor == FlavorOrdered {
		out := make([]*shmalloc.Segment, len(r.ordered))
		copy(out, r.ordered)
		return out
	}
	out := make([]*shmalloc.Segment, 0, r.hashed.Len())
	r.hashed.Range(func(_ uintptr, seg *shmalloc.Segment) bool {
		out = append(out, seg)
		return true
	})
	return out
}

// Clear destroys every Segment this Raw owns (used by Monotonic.Release
// and by teardown paths that want to drop an entire arena at once).
func (r *Raw) Clear() {
	for _, seg := range r.Resources() {
		seg.Close()
	}
	if r.flavor == FlavorOrdered {
		r.ordered = nil
	} else {
		r.hashed = hashset.New[*shmalloc.Segment]()
		r.last = nil
	}
}

func (r *Raw) insert(seg *shmalloc.Segment) {
	if r.flavor == FlavorOrdered {
		idx := sort.Search(len(r.ordered), func(i int) bool {
			return r.ordered[i].Addr() >= seg.Addr()
		})
		r.ordered = append(r.ordered, nil)
		copy(r.ordered[idx+1:], r.ordered[idx:])
		r.ordered[idx] = seg
		return
	}
	r.hashed.Insert(seg.Addr(), seg)
	r.last = seg
}

func (r *Raw) remove(addr Ptr) (*shmalloc.Segment, bool) {
	if r.flavor == FlavorOrdered {
		idx := sort.Search(len(r.ordered), func(i int) bool {
			return r.ordered[i].Addr() >= addr
		})
		if idx == len(r.ordered) || r.ordered[idx].Addr() != addr {
			return nil, false
		}
		seg := r.ordered[idx]
		r.ordered = append(r.ordered[:idx], r.ordered[idx+1:]...)
		return seg, true
	}
	seg, ok := r.hashed.Delete(addr)
	if ok && r.last == seg {
		r.last = nil
	}
	return seg, ok
}

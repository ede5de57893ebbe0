// Package reader implements the consumer-side name→Segment cache described
// in spec.md §5: a borrow-counted map that lets many local readers share one
// underlying mmap per name, plus a typed accessor for reading values placed
// at a known offset by a producer.
package reader

import (
	"sync"
	"unsafe"

	cache "github.com/patrickmn/go-cache"

	"github.com/shynur/shmalloc"
)

type cacheEntry struct {
	seg     *shmalloc.Segment
	borrows int
}

// Cache is a consumer-side name→Segment map. Every SelectSegment/Read call
// against the same name shares one Segment mapping; the mapping is only
// unmapped once GC observes its borrow count has dropped to zero.
type Cache struct {
	mu      sync.Mutex
	entries *cache.Cache
}

// NewCache returns an empty Reader Cache. Entries never expire on their own;
// callers reclaim zero-borrow entries explicitly via GC.
func NewCache() *Cache {
	return &Cache{entries: cache.New(cache.NoExpiration, cache.NoExpiration)}
}

// SelectSegment returns the Segment for name, opening a new accessor mapping
// on first use and reusing (with an incremented borrow count) an existing
// one on subsequent calls. Callers must call Release when done with it.
func (c *Cache) SelectSegment(name string, opts ...shmalloc.AccessorOption) (*shmalloc.Segment, error) {
	return c.acquire(name, opts...)
}

// Release decrements name's borrow count. It does not unmap immediately;
// call GC to reclaim zero-borrow entries.
func (c *Cache) Release(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if raw, ok := c.entries.Get(name); ok {
		e := raw.(*cacheEntry)
		if e.borrows > 0 {
			e.borrows--
		}
	}
}

// GC unmaps every entry whose borrow count is zero and reports how many it
// reclaimed.
func (c *Cache) GC() int {
	c.mu.Lock()
	var toClose []*shmalloc.Segment
	for name, item := range c.entries.Items() {
		e := item.Object.(*cacheEntry)
		if e.borrows == 0 {
			toClose = append(toClose, e.seg)
			c.entries.Delete(name)
		}
	}
	c.mu.Unlock()

	for _, seg := range toClose {
		seg.Close()
	}
	return len(toClose)
}

// Len reports how many distinct names are currently cached.
func (c *Cache) Len() int { return c.entries.ItemCount() }

func (c *Cache) acquire(name string, opts ...shmalloc.AccessorOption) (*shmalloc.Segment, error) {
	c.mu.Lock()
	if raw, ok := c.entries.Get(name); ok {
		e := raw.(*cacheEntry)
		e.borrows++
		c.mu.Unlock()
		return e.seg, nil
	}
	c.mu.Unlock()

	seg, err := shmalloc.NewAccessor(name, opts...)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if raw, ok := c.entries.Get(name); ok {
		// Lost the race: another caller already inserted this name while we
		// were opening our own accessor. Keep theirs, drop ours.
		e := raw.(*cacheEntry)
		e.borrows++
		seg.Close()
		return e.seg, nil
	}
	c.entries.Set(name, &cacheEntry{seg: seg, borrows: 1}, cache.NoExpiration)
	return seg, nil
}

// Handle is a typed, borrow-counted view of a value of type T stored at
// offset bytes into a named Segment (spec.md §5's "locator" round trip: a
// producer places a value's (name, offset) somewhere else in shared memory,
// and a consumer resolves it back to a live *T without re-mapping if it
// already holds the Segment open).
type Handle[T any] struct {
	cache  *Cache
	name   string
	seg    *shmalloc.Segment
	offset int
}

// Read resolves name to a Segment (opening or reusing a cached mapping) and
// returns a Handle over the T value stored at offset. The offset+size(T)
// range must fit within the Segment.
func Read[T any](c *Cache, name string, offset int, opts ...shmalloc.AccessorOption) (*Handle[T], error) {
	seg, err := c.acquire(name, opts...)
	if err != nil {
		return nil, err
	}

	var zero T
	size := int(unsafe.Sizeof(zero))
	if offset < 0 || size > seg.Len()-offset {
		c.Release(name)
		return nil, shmalloc.ErrObjectNotInArena
	}

	return &Handle[T]{cache: c, name: name, seg: seg, offset: offset}, nil
}

// Value returns a pointer to the T living inside the Segment's mapping.
// It aliases the mapping directly: writes through it are visible to every
// other process mapping the same name, and the pointer is invalid once the
// Handle (or its Segment) has been released and unmapped.
func (h *Handle[T]) Value() *T {
	return (*T)(unsafe.Pointer(&h.seg.Bytes()[h.offset]))
}

// Segment returns the underlying Segment the value was resolved from.
func (h *Handle[T]) Segment() *shmalloc.Segment { return h.seg }

// Close decrements the backing Segment's borrow count in the Cache. It
// never fails: the Segment itself is only actually unmapped later, by GC,
// once every Handle and SelectSegment borrow against it has been closed.
func (h *Handle[T]) Close() error {
	h.cache.Release(h.name)
	return nil
}

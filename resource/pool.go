package resource

import (
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/shynur/shmalloc"
)

// blocksPerChunk is the minimum number of blocks of a size class a freshly
// split chunk carves out: the chunk is rounded up to a page multiple and
// every whole block that fits in it is used. spec.md §9 Q2 leaves the chunk-return policy open; this repo
// returns a chunk to upstream as soon as every block carved from it is
// freed again (tracked via chunkInfo.outstanding).
const blocksPerChunk = 64

// PoolOptions configures a Pool. LargestPooledBlock is the page-multiple
// ceiling above which allocations bypass the pool and go direct to
// upstream, one Segment per allocation. It is rounded up to a page
// multiple; zero selects one page.
type PoolOptions struct {
	LargestPooledBlock int
}

type chunkInfo struct {
	seg         *shmalloc.Segment
	blocks      []Ptr
	outstanding int
}

// Pool is the memory-resource that maintains size-class free-lists over
// Segments fetched from an ordered Raw Resource upstream (spec.md §4.5).
// The sync variant serializes all operations with an internal mutex and
// additionally uses a singleflight.Group to collapse concurrent chunk
// refills for the same size class into a single upstream allocation.
type Pool struct {
	upstream   *Raw
	opts       PoolOptions
	classSizes []int
	freeLists  [][]Ptr
	chunks     map[Ptr]*chunkInfo
	blockChunk map[Ptr]Ptr
	bypass     map[Ptr]struct{}

	mu *sync.Mutex
	sf *singleflight.Group
}

var _ Allocator = (*Pool)(nil)

// NewPool returns an unsynchronized Pool: callers must externally
// serialize allocate/deallocate calls on it.
func NewPool(opts PoolOptions) *Pool {
	return newPool(opts, false)
}

// NewSyncPool returns a Pool whose allocate/deallocate calls are
// serialized by an internal mutex.
func NewSyncPool(opts PoolOptions) *Pool {
	return newPool(opts, true)
}

func newPool(opts PoolOptions, synchronized bool) *Pool {
	if opts.LargestPooledBlock <= 0 {
		opts.LargestPooledBlock = shmalloc.PageSize()
	}
	opts.LargestPooledBlock = shmalloc.CeilToPageSize(opts.LargestPooledBlock)
	classSizes := buildClassSizes(opts.LargestPooledBlock)
	p := &Pool{
		upstream:   NewOrderedRaw(),
		opts:       opts,
		classSizes: classSizes,
		freeLists:  make([][]Ptr, len(classSizes)),
		chunks:     make(map[Ptr]*chunkInfo),
		blockChunk: make(map[Ptr]Ptr),
		bypass:     make(map[Ptr]struct{}),
	}
	if synchronized {
		p.mu = &sync.Mutex{}
		p.sf = &singleflight.Group{}
	}
	return p
}

func buildClassSizes(largest int) []int {
	var sizes []int
	for cur := 16; cur < largest; cur *= 2 {
		sizes = append(sizes, cur)
	}
	if len(sizes) == 0 || sizes[len(sizes)-1] != largest {
		sizes = append(sizes, largest)
	}
	return sizes
}

// Upstream returns the ordered Raw Resource this pool draws chunks from.
func (p *Pool) Upstream() *Raw { return p.upstream }

// Options returns the pool's configured options.
func (p *Pool) Options() PoolOptions { return p.opts }

func (p *Pool) classIndex(size int) int {
	return sort.Search(len(p.classSizes), func(i int) bool {
		return p.classSizes[i] >= size
	})
}

func (p *Pool) lock() {
	if p.mu != nil {
		p.mu.Lock()
	}
}

func (p *Pool) unlock() {
	if p.mu != nil {
		p.mu.Unlock()
	}
}

// Allocate returns a block of at least size bytes. Requests larger than
// Options().LargestPooledBlock bypass the free-lists entirely and are
// served directly from upstream, one Segment per allocation.
func (p *Pool) Allocate(size, align int) (Ptr, error) {
	if align > shmalloc.PageSize() {
		return 0, &shmalloc.TooLargeAlignmentError{Requested: align, PageSize: shmalloc.PageSize()}
	}
	if size < 1 {
		return 0, shmalloc.ErrZeroLength
	}
	if size > p.opts.LargestPooledBlock {
		return p.allocateBypass(size, align)
	}
	return p.allocatePooled(size, align)
}

func (p *Pool) allocateBypass(size, align int) (Ptr, error) {
	segSize := shmalloc.CeilToPageSize(size)
	ptr, err := p.upstream.Allocate(segSize, align)
	if err != nil {
		return 0, err
	}
	p.lock()
	p.bypass[ptr] = struct{}{}
	p.unlock()
	return ptr, nil
}

func (p *Pool) allocatePooled(size, align int) (Ptr, error) {
	idx := p.classIndex(size)

	if ptr, ok := p.popFree(idx); ok {
		return ptr, nil
	}

	refill := func() error { return p.refill(idx, align) }
	var err error
	if p.sf != nil {
		_, err, _ = p.sf.Do(strconv.Itoa(idx), func() (interface{}, error) {
			return nil, refill()
		})
	} else {
		err = refill()
	}
	if err != nil {
		return 0, err
	}

	if ptr, ok := p.popFree(idx); ok {
		return ptr, nil
	}
	return 0, errors.Errorf("resource: pool refill for class %d produced no block", idx)
}

func (p *Pool) popFree(idx int) (Ptr, bool) {
	p.lock()
	defer p.unlock()
	list := p.freeLists[idx]
	if len(list) == 0 {
		return 0, false
	}
	addr := list[len(list)-1]
	p.freeLists[idx] = list[:len(list)-1]
	if ci, ok := p.chunks[p.blockChunk[addr]]; ok {
		ci.outstanding++
	}
	return addr, true
}

func (p *Pool) refill(idx, align int) error {
	blockSize := p.classSizes[idx]
	chunkSize := shmalloc.CeilToPageSize(blockSize * blocksPerChunk)

	ptr, err := p.upstream.Allocate(chunkSize, align)
	if err != nil {
		return err
	}
	seg, err := p.upstream.FindArena(ptr)
	if err != nil {
		return err
	}

	nBlocks := seg.Len() / blockSize
	blocks := make([]Ptr, 0, nBlocks)
	for i := 0; i < nBlocks; i++ {
		blocks = append(blocks, ptr+uintptr(i*blockSize))
	}

	p.lock()
	defer p.unlock()
	p.freeLists[idx] = append(p.freeLists[idx], blocks...)
	p.chunks[ptr] = &chunkInfo{seg: seg, blocks: blocks}
	for _, b := range blocks {
		p.blockChunk[b] = ptr
	}
	return nil
}

// Deallocate returns a block to its size class's free-list, or (for a
// bypass allocation) returns the Segment directly to upstream. Once every
// block of a chunk has been freed again, the chunk itself is returned to
// upstream (spec.md §9 Q2).
func (p *Pool) Deallocate(addr Ptr, size, align int) error {
	p.lock()
	if _, isBypass := p.bypass[addr]; isBypass {
		delete(p.bypass, addr)
		p.unlock()
		return p.upstream.Deallocate(addr, shmalloc.CeilToPageSize(size), align)
	}

	idx := p.classIndex(size)
	chunkBase, ok := p.blockChunk[addr]
	if !ok {
		p.unlock()
		return errors.Errorf("resource: no chunk owns block %#x", addr)
	}
	ci := p.chunks[chunkBase]
	p.freeLists[idx] = append(p.freeLists[idx], addr)
	ci.outstanding--

	if ci.outstanding > 0 {
		p.unlock()
		return nil
	}

	// Chunk is fully free again: reclaim it.
	remaining := p.freeLists[idx][:0]
	for _, b := range p.freeLists[idx] {
		if p.blockChunk[b] != chunkBase {
			remaining = append(remaining, b)
		}
	}
	p.freeLists[idx] = remaining
	for _, b := range ci.blocks {
		delete(p.blockChunk, b)
	}
	delete(p.chunks, chunkBase)
	seg := ci.seg
	p.unlock()

	return p.upstream.Deallocate(chunkBase, seg.Len(), align)
}

// IsEqual reports identity equality.
func (p *Pool) IsEqual(other Allocator) bool {
	o, ok := other.(*Pool)
	return ok && o == p
}

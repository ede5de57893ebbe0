//go:build linux && (amd64 || arm64)

package resource

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shynur/shmalloc"
)

func TestPoolAllocateReusesFreedBlock(t *testing.T) {
	p := NewPool(PoolOptions{LargestPooledBlock: shmalloc.PageSize()})

	// Keep a second block of the same chunk outstanding, so freeing a does
	// not return the whole chunk to upstream.
	_, err := p.Allocate(16, 8)
	require.NoError(t, err)

	a, err := p.Allocate(16, 8)
	require.NoError(t, err)
	require.NoError(t, p.Deallocate(a, 16, 8))

	b, err := p.Allocate(16, 8)
	require.NoError(t, err)
	assert.Equal(t, a, b, "freeing then re-requesting the same class should reuse the block")
}

func TestPoolOversizedRequestsBypassPool(t *testing.T) {
	p := NewPool(PoolOptions{LargestPooledBlock: 64})

	big := shmalloc.PageSize() * 2
	ptr, err := p.Allocate(big, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, len(p.Upstream().Resources()))

	require.NoError(t, p.Deallocate(ptr, big, 8))
	assert.Equal(t, 0, len(p.Upstream().Resources()))
}

func TestPoolChunkReclaimedOnceFullyFreed(t *testing.T) {
	p := NewPool(PoolOptions{LargestPooledBlock: shmalloc.PageSize()})

	blockSize := p.classSizes[0] // smallest class, 16 bytes
	chunkSize := shmalloc.CeilToPageSize(blockSize * blocksPerChunk)
	nBlocks := chunkSize / blockSize

	ptrs := make([]Ptr, 0, nBlocks)
	for i := 0; i < nBlocks; i++ {
		ptr, err := p.Allocate(blockSize, 8)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	assert.Equal(t, 1, len(p.Upstream().Resources()), "one chunk should satisfy exactly nBlocks allocations")

	for _, ptr := range ptrs {
		require.NoError(t, p.Deallocate(ptr, blockSize, 8))
	}
	assert.Equal(t, 0, len(p.Upstream().Resources()), "chunk should be returned to upstream once every block is freed")
}

func TestPoolRejectsBadInput(t *testing.T) {
	p := NewPool(PoolOptions{})

	_, err := p.Allocate(0, 8)
	assert.ErrorIs(t, err, shmalloc.ErrZeroLength)

	_, err = p.Allocate(64, shmalloc.PageSize()*2)
	var tooLarge *shmalloc.TooLargeAlignmentError
	assert.ErrorAs(t, err, &tooLarge)
}

func TestNewSyncPoolConcurrentAllocateDeallocate(t *testing.T) {
	p := NewSyncPool(PoolOptions{LargestPooledBlock: shmalloc.PageSize()})

	const workers = 16
	const iterations = 50

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				ptr, err := p.Allocate(32, 8)
				if err != nil {
					t.Errorf("Allocate error = %v", err)
					return
				}
				if err := p.Deallocate(ptr, 32, 8); err != nil {
					t.Errorf("Deallocate error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

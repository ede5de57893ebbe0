//go:build linux && (amd64 || arm64)

package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shynur/shmalloc"
)

func TestOrderedRawFindArena(t *testing.T) {
	r := NewOrderedRaw().WithPrefix("rawtest")
	defer r.Clear()

	a, err := r.Allocate(100, 8)
	require.NoError(t, err)
	b, err := r.Allocate(shmalloc.PageSize()+1, 8)
	require.NoError(t, err)

	segA, err := r.FindArena(a)
	require.NoError(t, err)
	assert.Equal(t, a, segA.Addr())

	// An address strictly inside segA's range (not its base) resolves to
	// the same arena.
	interior, err := r.FindArena(a + 1)
	require.NoError(t, err)
	assert.True(t, interior.Equal(segA))

	segB, err := r.FindArena(b)
	require.NoError(t, err)
	assert.Equal(t, b, segB.Addr())

	// The byte just below the lowest owned base lies outside every owned
	// arena. a-1 alone is not enough: the kernel may map b directly below
	// a, in which case a-1 falls inside segB.
	low := a
	if b < low {
		low = b
	}
	_, err = r.FindArena(low - 1)
	assert.ErrorIs(t, err, shmalloc.ErrObjectNotInArena)
}

func TestOrderedRawDeallocateRemovesFromIndex(t *testing.T) {
	r := NewOrderedRaw()
	defer r.Clear()

	p, err := r.Allocate(64, 8)
	require.NoError(t, err)

	require.NoError(t, r.Deallocate(p, 64, 8))

	_, err = r.FindArena(p)
	assert.ErrorIs(t, err, shmalloc.ErrObjectNotInArena)
}

func TestOrderedRawLastInsertedIsWrongFlavor(t *testing.T) {
	r := NewOrderedRaw()
	defer r.Clear()
	_, err := r.LastInserted()
	assert.ErrorIs(t, err, shmalloc.ErrWrongFlavor)
}

func TestHashedRawLastInserted(t *testing.T) {
	r := NewHashedRaw()
	defer r.Clear()

	_, err := r.Allocate(64, 8)
	require.NoError(t, err)
	p2, err := r.Allocate(64, 8)
	require.NoError(t, err)

	last, err := r.LastInserted()
	require.NoError(t, err)
	assert.Equal(t, p2, last.Addr())
}

func TestHashedRawFindArenaIsWrongFlavor(t *testing.T) {
	r := NewHashedRaw()
	defer r.Clear()
	_, err := r.Allocate(64, 8)
	require.NoError(t, err)
	_, err = r.FindArena(0)
	assert.ErrorIs(t, err, shmalloc.ErrWrongFlavor)
}

func TestHashedRawToOrdered(t *testing.T) {
	r := NewHashedRaw()
	p1, err := r.Allocate(64, 8)
	require.NoError(t, err)
	p2, err := r.Allocate(64, 8)
	require.NoError(t, err)

	ordered, err := r.ToOrdered()
	require.NoError(t, err)
	defer ordered.Clear()

	assert.Equal(t, 0, len(r.Resources()))
	assert.Equal(t, 2, len(ordered.Resources()))

	seg1, err := ordered.FindArena(p1)
	require.NoError(t, err)
	assert.Equal(t, p1, seg1.Addr())
	seg2, err := ordered.FindArena(p2)
	require.NoError(t, err)
	assert.Equal(t, p2, seg2.Addr())
}

func TestRawAllocateRejectsBadInput(t *testing.T) {
	r := NewOrderedRaw()
	defer r.Clear()

	_, err := r.Allocate(0, 8)
	assert.ErrorIs(t, err, shmalloc.ErrZeroLength)

	_, err = r.Allocate(64, shmalloc.PageSize()*2)
	var tooLarge *shmalloc.TooLargeAlignmentError
	assert.ErrorAs(t, err, &tooLarge)
}

func TestRawDeallocateUnknownPointer(t *testing.T) {
	r := NewOrderedRaw()
	defer r.Clear()
	err := r.Deallocate(0xdead, 64, 8)
	assert.Error(t, err)
}

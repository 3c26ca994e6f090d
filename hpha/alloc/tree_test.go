package alloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hphakit/internal/format"
	"github.com/joshuapare/hphakit/internal/testutil"
)

// TestTreeBestFit leaves holes of 1024, 512 and 2048 bytes separated by
// live guards and checks that each request lands in the smallest hole that
// fits it.
func TestTreeBestFit(t *testing.T) {
	a := newTestAllocator(t, withoutPooling)

	holeA := a.Alloc(1024)
	guard1 := a.Alloc(64)
	holeC := a.Alloc(512)
	guard2 := a.Alloc(64)
	holeE := a.Alloc(2048)
	guard3 := a.Alloc(64)
	for _, p := range []unsafe.Pointer{holeA, guard1, holeC, guard2, holeE, guard3} {
		require.NotNil(t, p)
	}
	a.Free(holeA)
	a.Free(holeC)
	a.Free(holeE)
	require.NoError(t, a.Check())

	assert.Equal(t, holeC, a.Alloc(500))
	assert.Equal(t, holeA, a.Alloc(1000))
	assert.Equal(t, holeE, a.Alloc(1500))
	require.NoError(t, a.Check())
}

func TestTreeLowestAddressAmongEqualFits(t *testing.T) {
	a := newTestAllocator(t, withoutPooling)
	first := a.Alloc(512)
	g1 := a.Alloc(64)
	second := a.Alloc(512)
	g2 := a.Alloc(64)
	a.Free(second)
	a.Free(first)

	assert.Equal(t, first, a.Alloc(512))
	assert.Equal(t, second, a.Alloc(512))
	a.Free(g1)
	a.Free(g2)
}

func TestTreeCoalesce(t *testing.T) {
	a := newTestAllocator(t, withoutPooling)
	x := a.Alloc(1000)
	y := a.Alloc(1000)
	z := a.Alloc(1000)

	a.Free(x)
	a.Free(z)
	st := a.Stats()
	assert.Equal(t, 2, st.FreeBlocks, "x alone, z merged with the tail")

	a.Free(y)
	st = a.Stats()
	assert.Equal(t, 1, st.FreeBlocks)
	assert.Positive(t, st.CoalescedForward)
	assert.Positive(t, st.CoalescedBackward)
	assert.Equal(t, format.DefaultSystemChunkSize-format.SpanOverhead, a.MaxAllocationSize())
	require.NoError(t, a.Check())
}

func TestTreeGrowThenShrink(t *testing.T) {
	a := newTestAllocator(t, withoutPooling)
	var live []unsafe.Pointer
	for range 100 {
		p := a.Alloc(10000)
		require.NotNil(t, p)
		live = append(live, p)
	}
	grown := a.Stats().Spans
	assert.Greater(t, grown, 1)

	for _, p := range live {
		a.Free(p)
	}
	released := a.Purge()
	assert.Positive(t, released)
	assert.Equal(t, 0, a.Purge(), "purge is idempotent")

	st := a.Stats()
	assert.Equal(t, 0, st.Spans)
	assert.Equal(t, 0, a.Allocated())
	assert.Equal(t, 0, a.UnallocatedMemory())
	assert.Equal(t, int64(grown), st.SpansReleased)
}

func TestTreePurgeKeepsPartialSpans(t *testing.T) {
	a := newTestAllocator(t, withoutPooling)
	p := a.Alloc(1000)
	assert.Equal(t, 0, a.Purge())
	assert.Equal(t, 1, a.Stats().Spans)
	a.Free(p)
	assert.Equal(t, format.DefaultSystemChunkSize, a.Purge())
}

func TestTreeReallocGrowsIntoNext(t *testing.T) {
	a := newTestAllocator(t, withoutPooling)
	p := a.Alloc(1000)
	testutil.Fill(p, 1000, 3)

	q := a.Realloc(p, 2000)
	assert.Equal(t, p, q, "tail block is free, growth stays in place")
	assert.Equal(t, -1, testutil.Verify(q, 1000, 3))
	assert.Positive(t, a.Stats().InPlaceReallocs)

	r := a.Realloc(q, 200_000)
	require.NotNil(t, r)
	assert.NotEqual(t, q, r)
	assert.Equal(t, -1, testutil.Verify(r, 1000, 3))
	a.Free(r)
	require.NoError(t, a.Check())
}

func TestTreeReallocMovesIntoPrevious(t *testing.T) {
	a := newTestAllocator(t, withoutPooling)
	prev := a.Alloc(1000)
	p := a.Alloc(1000)
	guard := a.Alloc(64)
	testutil.Fill(p, 1000, 5)
	a.Free(prev)

	q := a.Realloc(p, 1900)
	assert.Equal(t, prev, q, "merged with the free predecessor")
	assert.Equal(t, -1, testutil.Verify(q, 1000, 5))
	assert.Positive(t, a.Stats().MovedReallocs)
	require.NoError(t, a.Check())

	a.Free(q)
	a.Free(guard)
	require.NoError(t, a.Check())
}

func TestTreeReallocShrinkReturnsTail(t *testing.T) {
	a := newTestAllocator(t, withoutPooling)
	p := a.Alloc(4000)
	guard := a.Alloc(64)
	before := a.Allocated()

	q := a.Realloc(p, 1000)
	assert.Equal(t, p, q)
	assert.Equal(t, before-(4000-1008), a.Allocated())
	assert.Equal(t, 2, a.Stats().FreeBlocks)
	require.NoError(t, a.Check())
	a.Free(q)
	a.Free(guard)
}

// TestAlignmentForcedSplit checks that the space skipped to align a block
// becomes a free block that later requests can use.
func TestAlignmentForcedSplit(t *testing.T) {
	a := newTestAllocator(t, withoutPooling)

	p := a.AllocAligned(100, 4096)
	require.NotNil(t, p)
	require.Zero(t, addr(p)%4096)
	assert.Positive(t, a.Stats().Splits)
	assert.Equal(t, 2, a.Stats().FreeBlocks, "front hole and tail")

	// Spans are page aligned, so the first aligned payload is one page in
	// and the hole starts right after the front fence.
	spanStart := addr(p) - 4096
	q := a.Alloc(4000)
	require.NotNil(t, q)
	assert.Equal(t, spanStart+2*format.BlockHeaderSize, addr(q))

	a.Free(q)
	a.Free(p)
	require.NoError(t, a.Check())
	assert.Equal(t, 1, a.Stats().FreeBlocks)
}

// TestAlignmentLeavesNeighboursAlone places an aligned block right after a
// live one whose end is only 16 bytes short of the boundary. The gap is too
// small for a free block, so the aligned payload must skip ahead instead of
// growing its neighbour.
func TestAlignmentLeavesNeighboursAlone(t *testing.T) {
	a := newTestAllocator(t, withoutPooling)

	p := a.Alloc(32)
	require.NotNil(t, p)
	testutil.Fill(p, 32, 3)
	before := a.Size(p)
	allocated := a.Allocated()

	q := a.AllocAligned(32, 32)
	require.NotNil(t, q)
	assert.Zero(t, addr(q)%32)
	assert.Equal(t, before, a.Size(p))
	assert.Equal(t, allocated+a.Size(q)+format.BlockHeaderSize, a.Allocated())
	assert.Equal(t, -1, testutil.Verify(p, 32, 3))
	require.NoError(t, a.Check())

	// Every misalignment a 16-byte granular payload can have.
	for _, align := range []int{32, 64, 128, 256} {
		for i := 0; i < 8; i++ {
			x := a.Alloc(16 * (i + 1))
			require.NotNil(t, x)
			sx := a.Size(x)
			y := a.AllocAligned(48, align)
			require.NotNil(t, y)
			assert.Zero(t, addr(y)%uintptr(align))
			assert.Equal(t, sx, a.Size(x), "align %d step %d", align, i)
			require.NoError(t, a.Check())
		}
	}

	a.Free(q)
	a.Free(p)
	require.NoError(t, a.Check())
}

func TestTreeReallocAlignedIntoPrevious(t *testing.T) {
	a := newTestAllocator(t, withoutPooling)
	prev := a.AllocAligned(2000, 64)
	p := a.AllocAligned(1000, 64)
	guard := a.Alloc(64)
	testutil.Fill(p, 1000, 11)
	a.Free(prev)

	q := a.ReallocAligned(p, 2500, 64)
	require.NotNil(t, q)
	assert.Zero(t, addr(q)%64)
	assert.Equal(t, -1, testutil.Verify(q, 1000, 11))
	require.NoError(t, a.Check())

	a.Free(q)
	a.Free(guard)
	require.NoError(t, a.Check())
}

package guard

import (
	"bytes"
	"strings"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hphakit/hpha/alloc"
	"github.com/joshuapare/hphakit/internal/testutil"
)

func newGuarded(t *testing.T) (*Allocator, *bytes.Buffer) {
	t.Helper()
	inner, err := alloc.New(alloc.Descriptor{})
	require.NoError(t, err)
	log, buf := testutil.Logger()
	g := New(inner, log)
	t.Cleanup(func() { _ = g.Close() })
	return g, buf
}

func requirePanicIs(t *testing.T, target error, fn func()) error {
	t.Helper()
	var recovered any
	func() {
		defer func() { recovered = recover() }()
		fn()
	}()
	require.NotNil(t, recovered, "expected a panic")
	err, ok := recovered.(error)
	require.True(t, ok, "panic value %v is not an error", recovered)
	require.True(t, errors.Is(err, target), "panic %v is not %v", err, target)
	return err
}

func payload(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

func TestRoundTrip(t *testing.T) {
	g, _ := newGuarded(t)

	for _, size := range []int{1, 8, 100, 250, 256, 1000, 70000} {
		p := g.Alloc(size)
		require.NotNil(t, p, "size %d", size)
		testutil.Fill(p, size, uint32(size))
		assert.GreaterOrEqual(t, g.Size(p), size)
		assert.Equal(t, -1, testutil.Verify(p, size, uint32(size)))
		g.FreeSized(p, size)
	}
	assert.Zero(t, g.Live())
	g.Purge()
	assert.Zero(t, g.Allocated())
}

func TestZeroSizeAllocReturnsNil(t *testing.T) {
	g, _ := newGuarded(t)
	assert.Nil(t, g.Alloc(0))
	assert.Nil(t, g.Alloc(-1))
	assert.Nil(t, g.AllocAligned(0, 64))
}

func TestAlignedAllocation(t *testing.T) {
	g, _ := newGuarded(t)
	for _, align := range []int{16, 64, 4096} {
		p := g.AllocAligned(48, align)
		require.NotNil(t, p)
		assert.Zero(t, uintptr(p)%uintptr(align))
		g.FreeSizedAligned(p, 48, align)
	}
}

func TestOverrunDetectedOnFree(t *testing.T) {
	g, _ := newGuarded(t)

	p := g.Alloc(40)
	require.NotNil(t, p)
	payload(p, 41)[40] ^= 0xff

	err := requirePanicIs(t, ErrGuardCorrupted, func() { g.Free(p) })
	assert.Contains(t, err.Error(), "TestOverrunDetectedOnFree")
}

func TestOverrunDetectedOnSize(t *testing.T) {
	g, _ := newGuarded(t)

	p := g.Alloc(1000)
	require.NotNil(t, p)
	payload(p, 1000+GuardSize)[1000+GuardSize-1]++

	requirePanicIs(t, ErrGuardCorrupted, func() { g.Size(p) })
}

func TestCheckReportsOverrunWithoutPanicking(t *testing.T) {
	g, _ := newGuarded(t)

	ok := g.Alloc(64)
	bad := g.Alloc(64)
	require.NotNil(t, ok)
	require.NotNil(t, bad)
	require.NoError(t, g.Check())

	payload(bad, 65)[64]++
	err := g.Check()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGuardCorrupted))

	g.Free(ok)
}

func TestDoubleFree(t *testing.T) {
	g, _ := newGuarded(t)

	p := g.Alloc(32)
	g.Free(p)
	requirePanicIs(t, ErrUnknownPointer, func() { g.Free(p) })
}

func TestSizedFreeMismatch(t *testing.T) {
	g, _ := newGuarded(t)

	p := g.Alloc(500)
	requirePanicIs(t, ErrSizeMismatch, func() { g.FreeSized(p, 400) })
}

func TestReallocMovesGuard(t *testing.T) {
	g, _ := newGuarded(t)

	p := g.Alloc(100)
	testutil.Fill(p, 100, 3)

	q := g.Realloc(p, 5000)
	require.NotNil(t, q)
	assert.Equal(t, -1, testutil.Verify(q, 100, 3))
	assert.Equal(t, 1, g.Live())

	testutil.Fill(q, 5000, 4)
	q = g.Realloc(q, 200)
	require.NotNil(t, q)
	assert.Equal(t, -1, testutil.Verify(q, 200, 4))

	g.FreeSized(q, 200)
	assert.Zero(t, g.Live())
}

func TestReallocEdgeCases(t *testing.T) {
	g, _ := newGuarded(t)

	p := g.Realloc(nil, 64)
	require.NotNil(t, p)
	assert.Nil(t, g.Realloc(p, 0))
	assert.Zero(t, g.Live())
}

func TestResizeKeepsGuardAtNewEnd(t *testing.T) {
	g, _ := newGuarded(t)

	p := g.Alloc(4000)
	require.NotNil(t, p)
	got := g.Resize(p, 1000)
	require.GreaterOrEqual(t, got, 1000)
	require.Less(t, got, 4000)

	// The old tail is no longer guarded; the new one is.
	payload(p, got+GuardSize)[got] ^= 1
	requirePanicIs(t, ErrGuardCorrupted, func() { g.FreeSized(p, got) })
}

func TestLeaksAndReport(t *testing.T) {
	g, buf := newGuarded(t)

	small := g.Alloc(24)
	large := g.Alloc(10000)
	require.NotNil(t, small)
	require.NotNil(t, large)

	leaks := g.Leaks()
	require.Len(t, leaks, 2)
	sources := map[int]alloc.Owner{}
	for _, l := range leaks {
		sources[l.Size] = l.Source
		assert.Contains(t, l.Stack, "TestLeaksAndReport")
	}
	assert.Equal(t, alloc.OwnerBucket, sources[24])
	assert.Equal(t, alloc.OwnerTree, sources[10000])
	assert.Less(t, leaks[0].Addr, leaks[1].Addr)

	var sb strings.Builder
	g.Report(&sb)
	assert.True(t, strings.HasPrefix(sb.String(), "2 live allocations, 10024 bytes\n"))

	g.Free(small)
	require.NoError(t, g.Close())
	assert.Contains(t, buf.String(), "live allocations at close")
	assert.Contains(t, buf.String(), "count=1")
}

func TestMaxAllocationSizeExcludesGuard(t *testing.T) {
	g, _ := newGuarded(t)

	p := g.Alloc(8000)
	g.Free(p)
	assert.Equal(t, g.Inner().MaxAllocationSize()-GuardSize, g.MaxAllocationSize())
}

func TestConcurrentGuardedUse(t *testing.T) {
	g, _ := newGuarded(t)

	done := make(chan struct{})
	for w := range 4 {
		go func() {
			defer func() { done <- struct{}{} }()
			var ptrs []unsafe.Pointer
			for i := range 500 {
				size := 1 + (i*37+w*11)%3000
				p := g.Alloc(size)
				if p == nil {
					continue
				}
				testutil.Fill(p, size, uint32(i))
				ptrs = append(ptrs, p)
				if len(ptrs) > 16 {
					g.Free(ptrs[0])
					ptrs = ptrs[1:]
				}
			}
			for _, p := range ptrs {
				g.Free(p)
			}
		}()
	}
	for range 4 {
		<-done
	}
	assert.Zero(t, g.Live())
	require.NoError(t, g.Check())
}

func TestSizeOfUnknownPointerIsZero(t *testing.T) {
	g, _ := newGuarded(t)

	p := g.Alloc(64)
	g.Free(p)
	assert.Zero(t, g.Size(p))
	assert.Zero(t, g.AllocationSize(p))
	assert.Zero(t, g.Size(nil))
}

package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hphakit/internal/format"
)

func TestCheckedDoubleFreeBucket(t *testing.T) {
	a := newTestAllocator(t, withChecking)
	keep := a.Alloc(32)
	p := a.Alloc(32)
	a.Free(p)
	requirePanicIs(t, ErrDoubleFree, func() { a.Free(p) })
	a.Free(keep)
}

func TestCheckedDoubleFreeTree(t *testing.T) {
	a := newTestAllocator(t, withChecking)
	keep := a.Alloc(1000)
	p := a.Alloc(1000)
	a.Free(p)
	requirePanicIs(t, ErrDoubleFree, func() { a.Free(p) })
	a.Free(keep)
}

func TestCheckedForeignTreePointer(t *testing.T) {
	a := newTestAllocator(t, withChecking)
	b := newTestAllocator(t, withChecking)
	p := b.Alloc(1000)
	requirePanicIs(t, ErrForeignPointer, func() { a.Free(p) })
	b.Free(p)
}

func TestCheckedSizeMismatch(t *testing.T) {
	a := newTestAllocator(t, withChecking)
	p := a.Alloc(16)
	requirePanicIs(t, ErrSizeMismatch, func() { a.FreeSized(p, 200) })
	requirePanicIs(t, ErrSizeMismatch, func() { a.FreeSized(p, 1000) })

	q := a.Alloc(1000)
	requirePanicIs(t, ErrSizeMismatch, func() { a.FreeSized(q, 100) })

	a.FreeSized(p, 16)
	a.FreeSized(q, 1000)
	require.NoError(t, a.Check())
}

func TestCheckDetectsCorruption(t *testing.T) {
	a := newTestAllocator(t, withoutPooling)
	p := a.Alloc(1000)
	q := a.Alloc(1000)
	require.NoError(t, a.Check())

	// Overrun p into q's header.
	b := blockOf(addr(q))
	saved := blockWord(b)
	setBlockWord(b, saved+format.BlockGranularity)
	err := a.Check()
	require.ErrorIs(t, err, ErrCorrupted)
	assert.ErrorContains(t, err, "heap check found")

	setBlockWord(b, saved)
	require.NoError(t, a.Check())
	a.Free(p)
	a.Free(q)
}

func TestCheckDetectsStrayFlagBits(t *testing.T) {
	a := newTestAllocator(t, withoutPooling)
	p := a.Alloc(100)
	b := blockOf(addr(p))
	saved := blockWord(b)

	setBlockWord(b, saved|2)
	err := a.Check()
	require.ErrorIs(t, err, ErrCorrupted)
	assert.ErrorContains(t, err, "stray flag bits 0x2")

	setBlockWord(b, saved)
	require.NoError(t, a.Check())
	a.Free(p)
}

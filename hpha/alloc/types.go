package alloc

import "unsafe"

// Heap is the allocation interface shared by HpAllocator and its decorators.
//
// Sizes and alignments are in bytes. Alignment 0 or anything up to
// DefaultAlignment means the default alignment; other values must be powers
// of two. Operations that cannot be satisfied return nil.
type Heap interface {
	// Alloc returns at least size bytes, or nil for size 0 or exhaustion.
	Alloc(size int) unsafe.Pointer

	// AllocAligned is Alloc with the payload aligned to alignment.
	AllocAligned(size, alignment int) unsafe.Pointer

	// Realloc resizes p, moving it if needed. Realloc(nil, n) allocates and
	// Realloc(p, 0) frees. On failure the old allocation is left intact.
	Realloc(p unsafe.Pointer, size int) unsafe.Pointer

	// ReallocAligned is Realloc preserving alignment.
	ReallocAligned(p unsafe.Pointer, size, alignment int) unsafe.Pointer

	// Resize changes the size of p in place and returns its new capacity.
	// It never moves the allocation.
	Resize(p unsafe.Pointer, size int) int

	// Size returns the usable size of p, or 0 if p is not allocated here.
	Size(p unsafe.Pointer) int

	// AllocationSize is Size with a bounds check against a fixed memory block.
	AllocationSize(p unsafe.Pointer) int

	// Free releases p. nil is ignored.
	Free(p unsafe.Pointer)

	// FreeSized releases p whose requested size is known.
	FreeSized(p unsafe.Pointer, size int)

	// FreeSizedAligned releases p whose requested size and alignment are known.
	FreeSizedAligned(p unsafe.Pointer, size, alignment int)

	// Purge returns unused pages and spans to the system and reports the
	// number of bytes released.
	Purge() int

	// Allocated returns the bytes currently held by buckets and the tree.
	Allocated() int

	// MaxAllocationSize returns the largest request that can be served
	// without growing.
	MaxAllocationSize() int

	// UnallocatedMemory returns the bytes free inside held pages and spans.
	UnallocatedMemory() int

	// Check validates the internal structures.
	Check() error

	// Close purges and releases the heap.
	Close() error
}

// Owner tells which manager holds an allocation.
type Owner uint8

const (
	// OwnerNone means the pointer is nil or not allocated here.
	OwnerNone Owner = iota
	// OwnerBucket means the pointer is an element of a pool page.
	OwnerBucket
	// OwnerTree means the pointer is the payload of a tree block.
	OwnerTree
)

func (o Owner) String() string {
	switch o {
	case OwnerBucket:
		return "bucket"
	case OwnerTree:
		return "tree"
	default:
		return "none"
	}
}

var _ Heap = (*HpAllocator)(nil)

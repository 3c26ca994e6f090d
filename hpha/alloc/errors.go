package alloc

import "github.com/cockroachdb/errors"

var (
	// ErrBadDescriptor indicates an invalid configuration.
	ErrBadDescriptor = errors.New("alloc: bad descriptor")

	// ErrBadAlignment indicates an alignment that is not a power of two.
	ErrBadAlignment = errors.New("alloc: alignment must be a power of two")

	// ErrDoubleFree indicates a free of memory that is not allocated.
	ErrDoubleFree = errors.New("alloc: double free")

	// ErrForeignPointer indicates a pointer this allocator did not hand out.
	ErrForeignPointer = errors.New("alloc: pointer not owned by this allocator")

	// ErrSizeMismatch indicates a sized free whose size does not match the allocation.
	ErrSizeMismatch = errors.New("alloc: free size does not match allocation")

	// ErrCorrupted indicates a broken page or span invariant.
	ErrCorrupted = errors.New("alloc: heap corrupted")

	// ErrLiveAllocations indicates the allocator was closed with memory still allocated.
	ErrLiveAllocations = errors.New("alloc: allocations still live at close")
)

// usageError panics with sentinel wrapped as an assertion failure.
func usageError(sentinel error, format string, args ...any) {
	panic(errors.WithAssertionFailure(errors.Wrapf(sentinel, format, args...)))
}

package format

// Alignment and size-class arithmetic shared by the bucket and tree managers.
// All alignments are powers of two.

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

// AlignUp returns n rounded up to a multiple of align.
//
// Example:
//
//	AlignUp(1, 16)  = 16
//	AlignUp(16, 16) = 16
//	AlignUp(17, 16) = 32
func AlignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown returns n rounded down to a multiple of align.
func AlignDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}

// AlignmentOffset returns how many bytes must be skipped from addr to reach
// the next multiple of align (0 if addr is already aligned).
func AlignmentOffset(addr, align uintptr) uintptr {
	return AlignUp(addr, align) - addr
}

// BucketIndex maps a small request size to its size class.
// Sizes below MinAllocation share class 0.
//
// Example:
//
//	BucketIndex(1)   = 0
//	BucketIndex(8)   = 0
//	BucketIndex(9)   = 1
//	BucketIndex(256) = 31
func BucketIndex(size uintptr) int {
	if size < MinAllocation {
		size = MinAllocation
	}
	return int((size+MinAllocation-1)>>MinAllocationLog2) - 1
}

// BucketIndexAligned maps a small aligned request to the class whose element
// size is a multiple of align. Callers guarantee align <= MaxSmallAllocation.
func BucketIndexAligned(size, align uintptr) int {
	if align <= DefaultAlignment {
		return BucketIndex(size)
	}
	return BucketIndex(AlignUp(size, align))
}

// BucketElemSize is the element size of class index.
func BucketElemSize(index int) uintptr {
	return uintptr(index+1) << MinAllocationLog2
}

// IsSmall reports whether size is served from buckets.
func IsSmall(size uintptr) bool {
	return size <= MaxSmallAllocation
}

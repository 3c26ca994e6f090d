// Package sysalloc provides the page source the heap allocator grows from.
//
// An Allocator hands out large, aligned ranges (tree spans and pool pages).
// OS maps anonymous memory from the operating system, Delegate forwards to a
// SubAllocator (for stacking one heap inside another), and Limited caps the
// total number of bytes another Allocator may hand out.
package sysalloc

import (
	"errors"
	"unsafe"
)

// Allocator is the System-Alloc collaborator: it supplies and takes back
// large aligned ranges. SystemAlloc returns nil when memory is exhausted.
type Allocator interface {
	SystemAlloc(size, align uintptr) unsafe.Pointer
	SystemFree(p unsafe.Pointer, size uintptr)
}

// SubAllocator is the general allocation interface a heap schema exposes and
// consumes. Alignment 0 means the default alignment.
type SubAllocator interface {
	Allocate(size, alignment int) unsafe.Pointer
	DeAllocate(p unsafe.Pointer, size, alignment int)
}

// Stats describes what an Allocator currently has handed out.
type Stats struct {
	LiveMappings int   `json:"live_mappings"`
	LiveBytes    int64 `json:"live_bytes"`
	TotalMaps    int64 `json:"total_maps"`
	TotalUnmaps  int64 `json:"total_unmaps"`
	Failures     int64 `json:"failures"`
}

// Sentinel errors.
var (
	// ErrUnknownMapping is raised when a range that was never handed out is returned.
	ErrUnknownMapping = errors.New("sysalloc: unknown mapping")
	// ErrBadAlignment is raised for alignments that are not powers of two.
	ErrBadAlignment = errors.New("sysalloc: alignment must be a power of two")
)

func isPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

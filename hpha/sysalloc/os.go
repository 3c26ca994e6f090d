package sysalloc

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/joshuapare/hphakit/internal/format"
)

// mapping is one live range handed out by OS. base/length describe what was
// obtained from the platform, which may be larger than the aligned range.
type mapping struct {
	base   uintptr
	length uintptr
	size   uintptr
	keep   []byte // Go-heap fallback only
}

// OS allocates ranges directly from the operating system's virtual memory.
// It is safe for concurrent use.
type OS struct {
	mu   sync.Mutex
	live map[uintptr]mapping

	stats Stats
}

// NewOS returns an Allocator backed by anonymous OS mappings.
func NewOS() *OS {
	return &OS{live: make(map[uintptr]mapping)}
}

// SystemAlloc maps at least size bytes aligned to align. Memory is zeroed.
func (o *OS) SystemAlloc(size, align uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if align == 0 {
		align = 1
	}
	if !isPowerOfTwo(align) {
		panic(fmt.Errorf("%w: %d", ErrBadAlignment, align))
	}
	page := uintptr(pageSize())
	size = format.AlignUp(size, page)

	m, p, err := mapAligned(size, align, page)
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.stats.Failures++
		return nil
	}
	m.size = size
	o.live[uintptr(p)] = m
	o.stats.LiveMappings++
	o.stats.LiveBytes += int64(size)
	o.stats.TotalMaps++
	return p
}

// SystemFree unmaps a range previously returned by SystemAlloc.
func (o *OS) SystemFree(p unsafe.Pointer, size uintptr) {
	if p == nil {
		return
	}
	addr := uintptr(p)
	o.mu.Lock()
	m, ok := o.live[addr]
	if ok {
		delete(o.live, addr)
		o.stats.LiveMappings--
		o.stats.LiveBytes -= int64(m.size)
		o.stats.TotalUnmaps++
	}
	o.mu.Unlock()
	if !ok {
		panic(fmt.Errorf("%w: %#x (%d bytes)", ErrUnknownMapping, addr, size))
	}
	if err := unmap(m); err != nil {
		panic(fmt.Errorf("sysalloc: unmap %#x: %w", addr, err))
	}
}

// Stats returns a snapshot of the live mappings.
func (o *OS) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Owns reports whether p is the start of a live mapping.
func (o *OS) Owns(p unsafe.Pointer) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.live[uintptr(p)]
	return ok
}

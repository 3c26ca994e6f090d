package sysalloc

import (
	"fmt"
	"sync"
	"unsafe"
)

// Delegate obtains ranges from a SubAllocator, so one heap can grow inside
// memory owned by another.
type Delegate struct {
	sub SubAllocator

	mu    sync.Mutex
	align map[uintptr]int
	stats Stats
}

// NewDelegate returns an Allocator forwarding to sub.
func NewDelegate(sub SubAllocator) *Delegate {
	return &Delegate{sub: sub, align: make(map[uintptr]int)}
}

// SystemAlloc allocates size bytes aligned to align from the sub-allocator.
func (d *Delegate) SystemAlloc(size, align uintptr) unsafe.Pointer {
	p := d.sub.Allocate(int(size), int(align))
	d.mu.Lock()
	defer d.mu.Unlock()
	if p == nil {
		d.stats.Failures++
		return nil
	}
	d.align[uintptr(p)] = int(align)
	d.stats.LiveMappings++
	d.stats.LiveBytes += int64(size)
	d.stats.TotalMaps++
	return p
}

// SystemFree returns a range to the sub-allocator with the alignment it was
// requested with.
func (d *Delegate) SystemFree(p unsafe.Pointer, size uintptr) {
	if p == nil {
		return
	}
	d.mu.Lock()
	align, ok := d.align[uintptr(p)]
	if ok {
		delete(d.align, uintptr(p))
		d.stats.LiveMappings--
		d.stats.LiveBytes -= int64(size)
		d.stats.TotalUnmaps++
	}
	d.mu.Unlock()
	if !ok {
		panic(fmt.Errorf("%w: %p (%d bytes)", ErrUnknownMapping, p, size))
	}
	d.sub.DeAllocate(p, int(size), align)
}

// Stats returns a snapshot of what is delegated.
func (d *Delegate) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// subAdapter exposes an Allocator as a SubAllocator.
type subAdapter struct {
	sys Allocator
}

// SubAllocatorOf adapts a page source to the SubAllocator interface, for
// example to supply a fixed memory block from OS pages.
func SubAllocatorOf(sys Allocator) SubAllocator {
	return subAdapter{sys: sys}
}

func (s subAdapter) Allocate(size, alignment int) unsafe.Pointer {
	if size <= 0 {
		return nil
	}
	if alignment <= 0 {
		alignment = 1
	}
	return s.sys.SystemAlloc(uintptr(size), uintptr(alignment))
}

func (s subAdapter) DeAllocate(p unsafe.Pointer, size, _ int) {
	s.sys.SystemFree(p, uintptr(size))
}

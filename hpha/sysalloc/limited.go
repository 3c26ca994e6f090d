package sysalloc

import (
	"sync"
	"unsafe"
)

// Limited caps the number of bytes an inner Allocator may have outstanding.
// Requests past the limit fail with nil, simulating exhaustion.
type Limited struct {
	inner Allocator
	limit uintptr

	mu    sync.Mutex
	used  uintptr
	stats Stats
}

// NewLimited wraps inner with a byte limit.
func NewLimited(inner Allocator, limit uintptr) *Limited {
	return &Limited{inner: inner, limit: limit}
}

// SystemAlloc allocates from the inner Allocator unless that would exceed
// the limit.
func (l *Limited) SystemAlloc(size, align uintptr) unsafe.Pointer {
	l.mu.Lock()
	if size > l.limit-l.used {
		l.stats.Failures++
		l.mu.Unlock()
		return nil
	}
	l.used += size
	l.mu.Unlock()

	p := l.inner.SystemAlloc(size, align)

	l.mu.Lock()
	defer l.mu.Unlock()
	if p == nil {
		l.used -= size
		l.stats.Failures++
		return nil
	}
	l.stats.LiveMappings++
	l.stats.LiveBytes += int64(size)
	l.stats.TotalMaps++
	return p
}

// SystemFree returns a range to the inner Allocator.
func (l *Limited) SystemFree(p unsafe.Pointer, size uintptr) {
	if p == nil {
		return
	}
	l.inner.SystemFree(p, size)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used -= size
	l.stats.LiveMappings--
	l.stats.LiveBytes -= int64(size)
	l.stats.TotalUnmaps++
}

// Used returns the bytes currently outstanding.
func (l *Limited) Used() uintptr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Stats returns a snapshot of the outstanding ranges.
func (l *Limited) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

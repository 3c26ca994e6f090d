package testutil

import (
	"fmt"
	"slices"
	"sync"
	"unsafe"
)

// Span is a live allocation: [Start, Start+Size).
type Span struct {
	Start uintptr
	Size  uintptr
}

// End is one past the last byte.
func (s Span) End() uintptr {
	return s.Start + s.Size
}

// Tracker records live allocations from any number of goroutines and
// reports overlaps between them.
type Tracker struct {
	mu   sync.Mutex
	live map[uintptr]uintptr
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{live: make(map[uintptr]uintptr)}
}

// Add records p as live with size bytes. It fails if p is already live.
func (t *Tracker) Add(p unsafe.Pointer, size int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr := uintptr(p)
	if _, ok := t.live[addr]; ok {
		return fmt.Errorf("address %#x handed out twice", addr)
	}
	t.live[addr] = uintptr(size)
	return nil
}

// Remove forgets p.
func (t *Tracker) Remove(p unsafe.Pointer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, uintptr(p))
}

// Len returns the number of live allocations.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Overlaps returns every pair of live allocations that share a byte.
func (t *Tracker) Overlaps() [][2]Span {
	t.mu.Lock()
	spans := make([]Span, 0, len(t.live))
	for start, size := range t.live {
		spans = append(spans, Span{Start: start, Size: size})
	}
	t.mu.Unlock()
	return FindOverlaps(spans)
}

// FindOverlaps returns the overlapping pairs among spans.
func FindOverlaps(spans []Span) [][2]Span {
	slices.SortFunc(spans, func(a, b Span) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	var out [][2]Span
	for i := 1; i < len(spans); i++ {
		if spans[i].Start < spans[i-1].End() {
			out = append(out, [2]Span{spans[i-1], spans[i]})
		}
	}
	return out
}

// Package guard wraps a heap with overrun detection and leak reporting.
//
// Every allocation is padded with GuardSize bytes filled with a random
// pattern. The pattern, the requested size and alignment, the manager that
// served it and the caller's stack are kept in a side table keyed by
// address. The pattern is verified on every free, realloc, resize and size
// query; a mismatch panics with ErrGuardCorrupted and the stack of the
// allocation that was overrun.
package guard

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"slices"
	"strings"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/hphakit/hpha/alloc"
	"github.com/joshuapare/hphakit/internal/format"
	"github.com/joshuapare/hphakit/internal/mem"
)

// GuardSize is the number of guard bytes after each payload.
const GuardSize = format.MemoryGuardSize

// maxStackDepth bounds the frames recorded per allocation.
const maxStackDepth = 16

var (
	// ErrGuardCorrupted is raised when the bytes after a payload were overwritten.
	ErrGuardCorrupted = errors.New("guard: memory overrun")

	// ErrUnknownPointer is raised for pointers without a live record: double
	// frees and pointers from elsewhere.
	ErrUnknownPointer = errors.New("guard: pointer has no live allocation")

	// ErrSizeMismatch is raised when a sized free disagrees with the record.
	ErrSizeMismatch = errors.New("guard: free size does not match allocation")
)

// owner is implemented by heaps that can tell which manager holds a pointer.
type owner interface {
	Owner(p unsafe.Pointer) alloc.Owner
}

// record describes one live allocation.
type record struct {
	size   int
	align  int
	source alloc.Owner
	guard  [GuardSize]byte
	stack  []uintptr
}

// Allocator is an alloc.Heap that checks guard bytes around an inner heap.
// It is safe for concurrent use when the inner heap is.
type Allocator struct {
	inner alloc.Heap
	log   *slog.Logger

	mu   sync.Mutex
	live map[uintptr]*record
	rng  *rand.Rand
}

var _ alloc.Heap = (*Allocator)(nil)

// New wraps inner. log may be nil.
func New(inner alloc.Heap, log *slog.Logger) *Allocator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Allocator{
		inner: inner,
		log:   log,
		live:  make(map[uintptr]*record),
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Inner returns the wrapped heap.
func (g *Allocator) Inner() alloc.Heap {
	return g.inner
}

func padded(size int) (int, bool) {
	if size <= 0 || uint64(size) > format.MaxRequest {
		return 0, false
	}
	return size + GuardSize, true
}

// track records p and writes its guard.
func (g *Allocator) track(p unsafe.Pointer, size, align int) {
	r := &record{size: size, align: align}
	pcs := make([]uintptr, maxStackDepth)
	r.stack = pcs[:runtime.Callers(3, pcs)]
	if o, ok := g.inner.(owner); ok {
		r.source = o.Owner(p)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i < GuardSize; i += 8 {
		v := g.rng.Uint64()
		for j := range 8 {
			r.guard[i+j] = byte(v >> (8 * j))
		}
	}
	copy(mem.View(mem.Addr(p)+uintptr(size), GuardSize), r.guard[:])
	g.live[mem.Addr(p)] = r
}

// take verifies the guard of p and returns its record, removing it when
// remove is set. Guards are only read and written with g.mu held, and a
// record is removed before its memory goes back to the inner heap.
func (g *Allocator) take(p unsafe.Pointer, remove bool) *record {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.live[mem.Addr(p)]
	if !ok {
		panic(errors.WithAssertionFailure(errors.Wrapf(ErrUnknownPointer, "%p", p)))
	}
	g.verify(p, r)
	if remove {
		delete(g.live, mem.Addr(p))
	}
	return r
}

// verify panics if the guard after p was overwritten. g.mu must be held.
func (g *Allocator) verify(p unsafe.Pointer, r *record) {
	got := mem.View(mem.Addr(p)+uintptr(r.size), GuardSize)
	if string(got) != string(r.guard[:]) {
		err := errors.Wrapf(ErrGuardCorrupted, "%d-byte %s allocation at %p\nallocated at:\n%s",
			r.size, r.source, p, formatStack(r.stack))
		panic(errors.WithAssertionFailure(err))
	}
}

// Alloc allocates size bytes plus the guard.
func (g *Allocator) Alloc(size int) unsafe.Pointer {
	n, ok := padded(size)
	if !ok {
		return nil
	}
	p := g.inner.Alloc(n)
	if p != nil {
		g.track(p, size, 0)
	}
	return p
}

// AllocAligned allocates size bytes plus the guard, aligned.
func (g *Allocator) AllocAligned(size, alignment int) unsafe.Pointer {
	n, ok := padded(size)
	if !ok {
		return nil
	}
	p := g.inner.AllocAligned(n, alignment)
	if p != nil {
		g.track(p, size, alignment)
	}
	return p
}

// Realloc checks the old guard, resizes, and guards the result.
func (g *Allocator) Realloc(p unsafe.Pointer, size int) unsafe.Pointer {
	return g.ReallocAligned(p, size, 0)
}

// ReallocAligned checks the old guard, resizes, and guards the result. On
// failure the old allocation stays tracked.
func (g *Allocator) ReallocAligned(p unsafe.Pointer, size, alignment int) unsafe.Pointer {
	if p == nil {
		return g.AllocAligned(size, alignment)
	}
	if size == 0 {
		g.Free(p)
		return nil
	}
	n, ok := padded(size)
	if !ok {
		return nil
	}
	r := g.take(p, true)
	np := g.inner.ReallocAligned(p, n, alignment)
	if np == nil {
		g.mu.Lock()
		g.live[mem.Addr(p)] = r
		g.mu.Unlock()
		return nil
	}
	g.track(np, size, alignment)
	return np
}

// Resize resizes in place and moves the guard to the new end.
func (g *Allocator) Resize(p unsafe.Pointer, size int) int {
	if p == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.live[mem.Addr(p)]
	if !ok {
		panic(errors.WithAssertionFailure(errors.Wrapf(ErrUnknownPointer, "%p", p)))
	}
	g.verify(p, r)
	got := max(g.inner.Resize(p, max(size, 0)+GuardSize)-GuardSize, 0)
	r.size = got
	copy(mem.View(mem.Addr(p)+uintptr(got), GuardSize), r.guard[:])
	return got
}

// Size returns the usable size of p, excluding the guard, or 0 for
// pointers without a live record.
func (g *Allocator) Size(p unsafe.Pointer) int {
	if !g.verifyKnown(p) {
		return 0
	}
	return max(g.inner.Size(p)-GuardSize, 0)
}

// AllocationSize returns the usable size of p, excluding the guard, or 0
// for pointers without a live record.
func (g *Allocator) AllocationSize(p unsafe.Pointer) int {
	if !g.verifyKnown(p) {
		return 0
	}
	return max(g.inner.AllocationSize(p)-GuardSize, 0)
}

// verifyKnown checks the guard of p if it is tracked.
func (g *Allocator) verifyKnown(p unsafe.Pointer) bool {
	if p == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.live[mem.Addr(p)]
	if ok {
		g.verify(p, r)
	}
	return ok
}

// Free verifies the guard and releases p.
func (g *Allocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	g.take(p, true)
	g.inner.Free(p)
}

// FreeSized verifies the guard and the size, then releases p.
func (g *Allocator) FreeSized(p unsafe.Pointer, size int) {
	g.FreeSizedAligned(p, size, 0)
}

// FreeSizedAligned verifies the guard and the size, then releases p.
func (g *Allocator) FreeSizedAligned(p unsafe.Pointer, size, alignment int) {
	if p == nil {
		return
	}
	if size <= 0 {
		g.Free(p)
		return
	}
	r := g.take(p, true)
	if r.size != size {
		panic(errors.WithAssertionFailure(errors.Wrapf(ErrSizeMismatch,
			"%p freed with size %d, allocated with %d", p, size, r.size)))
	}
	g.inner.FreeSizedAligned(p, size+GuardSize, alignment)
}

// Purge forwards to the inner heap.
func (g *Allocator) Purge() int { return g.inner.Purge() }

// Allocated forwards to the inner heap.
func (g *Allocator) Allocated() int { return g.inner.Allocated() }

// MaxAllocationSize is the inner maximum less the guard.
func (g *Allocator) MaxAllocationSize() int {
	return max(g.inner.MaxAllocationSize()-GuardSize, 0)
}

// UnallocatedMemory forwards to the inner heap.
func (g *Allocator) UnallocatedMemory() int { return g.inner.UnallocatedMemory() }

// Check verifies every live guard and then the inner heap.
func (g *Allocator) Check() error {
	var errs []error
	for _, l := range g.snapshot() {
		if err := g.checkOne(l); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.inner.Check(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func (g *Allocator) checkOne(l Leak) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()
	g.verifyKnown(mem.Pointer(l.Addr))
	return nil
}

// Close reports leaks and closes the inner heap.
func (g *Allocator) Close() error {
	if leaks := g.Leaks(); len(leaks) > 0 {
		var sb strings.Builder
		g.report(&sb, leaks)
		g.log.Error("live allocations at close", "count", len(leaks), "report", sb.String())
	}
	return g.inner.Close()
}

// Leak is a live allocation as seen by Leaks.
type Leak struct {
	Addr   uintptr     `json:"addr"`
	Size   int         `json:"size"`
	Align  int         `json:"align"`
	Source alloc.Owner `json:"source"`
	Stack  string      `json:"stack"`
}

// Leaks lists live allocations sorted by address.
func (g *Allocator) Leaks() []Leak {
	return g.snapshot()
}

// Live returns the number of tracked allocations.
func (g *Allocator) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

func (g *Allocator) snapshot() []Leak {
	g.mu.Lock()
	out := make([]Leak, 0, len(g.live))
	for a, r := range g.live {
		out = append(out, Leak{Addr: a, Size: r.size, Align: r.align, Source: r.source, Stack: formatStack(r.stack)})
	}
	g.mu.Unlock()
	slices.SortFunc(out, func(a, b Leak) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	return out
}

// Report writes every live allocation with its stack to w.
func (g *Allocator) Report(w io.Writer) {
	g.report(w, g.snapshot())
}

func (g *Allocator) report(w io.Writer, leaks []Leak) {
	var total int
	for _, l := range leaks {
		total += l.Size
	}
	fmt.Fprintf(w, "%d live allocations, %d bytes\n", len(leaks), total)
	for _, l := range leaks {
		fmt.Fprintf(w, "%#x size=%d align=%d source=%s\n%s", l.Addr, l.Size, l.Align, l.Source, l.Stack)
	}
}

func formatStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	var sb strings.Builder
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		fmt.Fprintf(&sb, "\t%s\n\t\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return sb.String()
}

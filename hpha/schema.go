// Package hpha exposes the hybrid pool/tree heap behind a uniform
// allocate/deallocate/resize contract.
//
// A Schema owns one alloc.HpAllocator, optionally wrapped in the guard
// decorator, and the fixed memory block it manages when one was requested.
// Allocation failures trigger one garbage collection and one retry before
// nil is returned. Schemas satisfy sysalloc.SubAllocator, so one schema can
// supply the pages or the fixed block of another.
//
// Typical use:
//
//	s, err := hpha.New(alloc.Descriptor{})
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	p := s.Allocate(128, 0)
//	defer s.DeAllocate(p, 128, 0)
package hpha

import (
	"io"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/hphakit/hpha/alloc"
	"github.com/joshuapare/hphakit/hpha/guard"
	"github.com/joshuapare/hphakit/hpha/sysalloc"
	"github.com/joshuapare/hphakit/internal/format"
)

// ErrBlockUnavailable is returned by New when the sub-allocator cannot
// supply the requested fixed memory block.
var ErrBlockUnavailable = errors.New("hpha: fixed memory block unavailable")

// Schema is an explicitly owned heap. It is safe for concurrent use.
type Schema struct {
	log   *slog.Logger
	heap  alloc.Heap
	hp    *alloc.HpAllocator
	guard *guard.Allocator

	// Fixed block obtained from blockSub; nil when the caller supplied the
	// block or none was requested.
	block      unsafe.Pointer
	blockSize  int
	blockAlign int
	blockSub   sysalloc.SubAllocator

	capacity int
	closed   atomic.Bool
}

var _ sysalloc.SubAllocator = (*Schema)(nil)

// New builds a schema from d. When d asks for a fixed block by size only,
// the block is taken from d.SubAllocator, or from OS pages when that is nil.
func New(d alloc.Descriptor) (*Schema, error) {
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}

	s := &Schema{log: d.Logger, capacity: format.MaxRequest}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if len(d.FixedMemoryBlock) == 0 && d.FixedMemoryBlockByteSize > 0 {
		sub := d.SubAllocator
		if sub == nil {
			sys := d.System
			if sys == nil {
				sys = sysalloc.NewOS()
			}
			sub = sysalloc.SubAllocatorOf(sys)
		}
		size, align := d.FixedMemoryBlockByteSize, d.FixedMemoryBlockAlignment
		p := sub.Allocate(size, align)
		if p == nil {
			return nil, errors.Wrapf(ErrBlockUnavailable, "%d bytes aligned to %d", size, align)
		}
		s.block, s.blockSize, s.blockAlign, s.blockSub = p, size, align, sub
		d.FixedMemoryBlock = unsafe.Slice((*byte)(p), size)
		s.log.Debug("fixed block obtained", "size", size, "align", align)
	}
	if len(d.FixedMemoryBlock) > 0 {
		d.FixedMemoryBlockByteSize = 0
		s.capacity = len(d.FixedMemoryBlock)
	}

	hp, err := alloc.New(d)
	if err != nil {
		s.releaseBlock()
		return nil, err
	}
	s.hp, s.heap = hp, hp
	if d.Debug || debugBuild {
		s.guard = guard.New(hp, s.log)
		s.heap = s.guard
	}
	return s, nil
}

// Allocate returns size bytes aligned to alignment (0 for the default), or
// nil when memory is exhausted even after a garbage collection.
func (s *Schema) Allocate(size, alignment int) unsafe.Pointer {
	if size <= 0 || uint64(size) > format.MaxRequest {
		return nil
	}
	if p := s.heap.AllocAligned(size, alignment); p != nil {
		return p
	}
	s.retrying(size)
	return s.heap.AllocAligned(size, alignment)
}

// ReAllocate resizes p like alloc.Heap.ReallocAligned, with the same single
// retry as Allocate. On failure p is left untouched.
func (s *Schema) ReAllocate(p unsafe.Pointer, size, alignment int) unsafe.Pointer {
	if q := s.heap.ReallocAligned(p, size, alignment); q != nil || size <= 0 || uint64(size) > format.MaxRequest {
		return q
	}
	s.retrying(size)
	return s.heap.ReallocAligned(p, size, alignment)
}

func (s *Schema) retrying(size int) {
	released := s.GarbageCollect()
	s.log.Debug("allocation failed, retrying after garbage collect",
		"size", size, "released", released)
}

// DeAllocate releases p. size 0 means the size is unknown; alignment 0
// means the default alignment was used.
func (s *Schema) DeAllocate(p unsafe.Pointer, size, alignment int) {
	switch {
	case p == nil:
	case size == 0:
		s.heap.Free(p)
	case alignment == 0:
		s.heap.FreeSized(p, size)
	default:
		s.heap.FreeSizedAligned(p, size, alignment)
	}
}

// Resize changes the size of p in place and returns the new size.
func (s *Schema) Resize(p unsafe.Pointer, size int) int {
	return s.heap.Resize(p, size)
}

// AllocationSize returns the usable size of p, or 0 for pointers the
// schema does not own.
func (s *Schema) AllocationSize(p unsafe.Pointer) int {
	return s.heap.AllocationSize(p)
}

// NumAllocatedBytes returns the bytes taken from the system or from the
// fixed block.
func (s *Schema) NumAllocatedBytes() int {
	return s.heap.Allocated()
}

// Capacity is the fixed block size, or the largest request when the schema
// grows from the system.
func (s *Schema) Capacity() int {
	return s.capacity
}

// MaxAllocationSize returns the largest request servable without growing.
func (s *Schema) MaxAllocationSize() int {
	return s.heap.MaxAllocationSize()
}

// UnallocatedMemory returns the free bytes held by the heap.
func (s *Schema) UnallocatedMemory() int {
	return s.heap.UnallocatedMemory()
}

// GarbageCollect returns unused pages and spans to their source.
func (s *Schema) GarbageCollect() int {
	return s.heap.Purge()
}

// Check validates the heap, and every live guard in debug mode.
func (s *Schema) Check() error {
	return s.heap.Check()
}

// Stats returns the allocator's counters.
func (s *Schema) Stats() alloc.Stats {
	return s.hp.Stats()
}

// Owner reports which manager holds p.
func (s *Schema) Owner(p unsafe.Pointer) alloc.Owner {
	return s.hp.Owner(p)
}

// Heap returns the heap the schema forwards to.
func (s *Schema) Heap() alloc.Heap {
	return s.heap
}

// Guard returns the debug decorator, or nil when debug mode is off.
func (s *Schema) Guard() *guard.Allocator {
	return s.guard
}

// Close closes the heap and returns an owned fixed block. The heap's error,
// if any, is returned; the block is released regardless.
func (s *Schema) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.heap.Close()
	s.releaseBlock()
	return err
}

func (s *Schema) releaseBlock() {
	if s.block == nil {
		return
	}
	s.blockSub.DeAllocate(s.block, s.blockSize, s.blockAlign)
	s.log.Debug("fixed block returned", "size", s.blockSize)
	s.block = nil
}

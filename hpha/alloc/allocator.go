package alloc

import (
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/hphakit/hpha/sysalloc"
	"github.com/joshuapare/hphakit/internal/format"
	"github.com/joshuapare/hphakit/internal/mem"
)

// HpAllocator routes small requests to size-class buckets and everything
// else to a best-fit block tree. It is safe for concurrent use.
type HpAllocator struct {
	log     *slog.Logger
	sys     sysalloc.Allocator
	checked bool
	pooling bool
	tag     uint16

	pageSize     uintptr
	poolPageSize uintptr
	chunkSize    uintptr
	spanAlign    uintptr

	fixed      bool
	fixedBlock []byte
	fixedStart uintptr
	fixedEnd   uintptr

	buckets [format.NumBuckets]bucket

	treeMu sync.Mutex
	free   *freeIndex
	spans  map[uintptr]uintptr // span start -> size

	allocatedBuckets atomic.Int64
	allocatedTree    atomic.Int64
	stats            counters
	closed           atomic.Bool
}

// New builds an allocator from d. Zero fields of d take defaults.
func New(d Descriptor) (*HpAllocator, error) {
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.FixedMemoryBlockByteSize > 0 && !d.fixedMode() {
		return nil, errors.Wrap(ErrBadDescriptor,
			"fixed block size set without a block; use hpha.Schema to allocate one")
	}

	a := &HpAllocator{
		log:          d.Logger,
		sys:          d.System,
		checked:      d.Checked || checkedBuild,
		pooling:      !d.DisablePooling,
		tag:          nextTag(),
		pageSize:     uintptr(d.PageSize),
		poolPageSize: uintptr(d.PoolPageSize),
		chunkSize:    format.AlignUp(uintptr(d.SystemChunkSize), uintptr(d.PageSize)),
		spanAlign:    uintptr(max(d.PageSize, d.PoolPageSize)),
		free:         newFreeIndex(),
		spans:        make(map[uintptr]uintptr),
	}
	if a.log == nil {
		a.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if a.sys == nil && d.SubAllocator != nil {
		a.sys = sysalloc.NewDelegate(d.SubAllocator)
	}
	if a.sys == nil {
		a.sys = sysalloc.NewOS()
	}
	for i := range a.buckets {
		a.buckets[i].marker = rand.Uint64() | 1
		a.buckets[i].elemSize = format.BucketElemSize(i)
	}

	if d.fixedMode() {
		a.fixed = true
		a.fixedBlock = d.FixedMemoryBlock
		a.fixedStart = uintptr(unsafe.Pointer(unsafe.SliceData(d.FixedMemoryBlock)))
		size := format.AlignDown(uintptr(len(d.FixedMemoryBlock)), format.BlockGranularity)
		a.fixedEnd = a.fixedStart + size
		a.spans[a.fixedStart] = size
		a.free.attach(addSpan(a.fixedStart, size, a.tag))
	}

	a.log.Debug("allocator created",
		"page_size", a.pageSize, "pool_page_size", a.poolPageSize,
		"pooling", a.pooling, "fixed", a.fixed, "checked", a.checked)
	return a, nil
}

// tagSeq hands out identity tags; consecutive allocators never share one.
var tagSeq atomic.Uint32

func init() {
	tagSeq.Store(rand.Uint32())
}

func nextTag() uint16 {
	for {
		if t := uint16(tagSeq.Add(1)); t != 0 {
			return t
		}
	}
}

func toPointer(addr uintptr) unsafe.Pointer {
	return mem.Pointer(addr)
}

// requestSize validates a public size argument; ok is false for sizes the
// allocator can never satisfy.
func requestSize(size int) (uintptr, bool) {
	if size <= 0 || uint64(size) > format.MaxRequest {
		return 0, false
	}
	return uintptr(size), true
}

// requestAlign validates an alignment; 0 means default. Anything that is not
// a power of two is a programming error.
func requestAlign(alignment int) uintptr {
	if alignment == 0 {
		return format.DefaultAlignment
	}
	if alignment < 0 || !format.IsPowerOfTwo(uintptr(alignment)) {
		panic(errors.Wrapf(ErrBadAlignment, "alignment %d", alignment))
	}
	return uintptr(alignment)
}

// routesToBucket reports whether a request of size and align is served by a bucket.
func (a *HpAllocator) routesToBucket(size, align uintptr) bool {
	return a.pooling && format.IsSmall(size) && align <= format.MaxSmallAllocation
}

// Alloc returns size bytes aligned to DefaultAlignment.
func (a *HpAllocator) Alloc(size int) unsafe.Pointer {
	s, ok := requestSize(size)
	if !ok {
		return nil
	}
	if a.routesToBucket(s, format.DefaultAlignment) {
		return toPointer(a.bucketAlloc(format.BucketIndex(s)))
	}
	return toPointer(a.treeAlloc(s))
}

// AllocAligned returns size bytes aligned to alignment.
func (a *HpAllocator) AllocAligned(size, alignment int) unsafe.Pointer {
	align := requestAlign(alignment)
	if align <= format.DefaultAlignment {
		return a.Alloc(size)
	}
	s, ok := requestSize(size)
	if !ok {
		return nil
	}
	if a.routesToBucket(s, align) {
		return toPointer(a.bucketAlloc(format.BucketIndexAligned(s, align)))
	}
	return toPointer(a.treeAllocAligned(s, align))
}

// Calloc returns zeroed memory for count elements of size bytes.
func (a *HpAllocator) Calloc(count, size int) unsafe.Pointer {
	n, ok := mem.MulOverflowSafe(count, size)
	if !ok {
		return nil
	}
	p := a.Alloc(n)
	if p != nil {
		mem.Clear(mem.Addr(p), uintptr(n))
	}
	return p
}

// Realloc resizes p to size bytes, moving it if it cannot stay in place.
func (a *HpAllocator) Realloc(p unsafe.Pointer, size int) unsafe.Pointer {
	if p == nil {
		return a.Alloc(size)
	}
	if size == 0 {
		a.Free(p)
		return nil
	}
	s, ok := requestSize(size)
	if !ok {
		return nil
	}
	addr := mem.Addr(p)
	if a.ptrInBucket(addr) {
		return toPointer(a.bucketRealloc(addr, s, format.DefaultAlignment))
	}
	if a.routesToBucket(s, format.DefaultAlignment) {
		return toPointer(a.treeToBucket(addr, s, format.DefaultAlignment))
	}
	return toPointer(a.treeRealloc(addr, s))
}

// ReallocAligned resizes p to size bytes aligned to alignment. A p that is
// not already aligned is always moved.
func (a *HpAllocator) ReallocAligned(p unsafe.Pointer, size, alignment int) unsafe.Pointer {
	align := requestAlign(alignment)
	if align <= format.DefaultAlignment {
		return a.Realloc(p, size)
	}
	if p == nil {
		return a.AllocAligned(size, alignment)
	}
	if size == 0 {
		a.Free(p)
		return nil
	}
	s, ok := requestSize(size)
	if !ok {
		return nil
	}
	addr := mem.Addr(p)
	if addr&(align-1) != 0 {
		np := a.AllocAligned(size, alignment)
		if np != nil {
			mem.Move(mem.Addr(np), addr, min(uintptr(a.Size(p)), s))
			a.Free(p)
		}
		return np
	}
	if a.ptrInBucket(addr) {
		return toPointer(a.bucketRealloc(addr, s, align))
	}
	if a.routesToBucket(s, align) {
		return toPointer(a.treeToBucket(addr, s, align))
	}
	return toPointer(a.treeReallocAligned(addr, s, align))
}

// bucketRealloc moves a bucket element to the class that fits size, or to
// the tree. An element already of the right class is returned as is.
func (a *HpAllocator) bucketRealloc(e, size, align uintptr) uintptr {
	elemSize := a.bucketPtrSize(e)
	var np uintptr
	if a.routesToBucket(size, align) {
		index := format.BucketIndexAligned(size, align)
		if format.BucketElemSize(index) == elemSize {
			return e
		}
		np = a.bucketAlloc(index)
	} else if align > format.DefaultAlignment {
		np = a.treeAllocAligned(size, align)
	} else {
		np = a.treeAlloc(size)
	}
	if np == 0 {
		return 0
	}
	mem.Move(np, e, min(elemSize, size))
	a.bucketFree(e)
	return np
}

// treeToBucket moves a tree allocation that shrank into bucket range.
func (a *HpAllocator) treeToBucket(p, size, align uintptr) uintptr {
	np := a.bucketAlloc(format.BucketIndexAligned(size, align))
	if np == 0 {
		return 0
	}
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	mem.Move(np, p, min(size, blockSize(blockOf(p))))
	a.treeFreeLocked(p)
	return np
}

// Resize changes the size of p without moving it and returns its capacity.
// Bucket elements keep their class size. Tree blocks are never shrunk into
// bucket range while pooling is on.
func (a *HpAllocator) Resize(p unsafe.Pointer, size int) int {
	if p == nil {
		return 0
	}
	addr := mem.Addr(p)
	if a.ptrInBucket(addr) {
		return int(a.bucketPtrSize(addr))
	}
	s := uintptr(max(size, 0))
	if a.pooling {
		s = max(s, format.MaxSmallAllocation+format.MinAllocation)
	}
	return int(a.treeResize(addr, s))
}

// Size returns the usable size of p, or 0 when p is nil or not allocated
// here.
func (a *HpAllocator) Size(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}
	addr := mem.Addr(p)
	if a.ptrInBucket(addr) {
		return int(a.bucketPtrSize(addr))
	}
	return int(a.treePtrSize(addr))
}

// AllocationSize is Size, refusing pointers outside the fixed block.
func (a *HpAllocator) AllocationSize(p unsafe.Pointer) int {
	addr := mem.Addr(p)
	if a.fixed && (addr < a.fixedStart+format.BlockHeaderSize || addr >= a.fixedEnd) {
		return 0
	}
	return a.Size(p)
}

// Owner reports which manager holds p.
func (a *HpAllocator) Owner(p unsafe.Pointer) Owner {
	if a.AllocationSize(p) == 0 {
		return OwnerNone
	}
	if a.ptrInBucket(mem.Addr(p)) {
		return OwnerBucket
	}
	return OwnerTree
}

// Free releases p, finding its manager from the pointer alone.
func (a *HpAllocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	addr := mem.Addr(p)
	if a.ptrInBucket(addr) {
		a.bucketFree(addr)
		return
	}
	a.treeFree(addr)
}

// FreeSized releases p allocated with the given size. The size decides the
// manager; a wrong size is a usage error.
func (a *HpAllocator) FreeSized(p unsafe.Pointer, size int) {
	if p == nil {
		return
	}
	if size <= 0 {
		a.Free(p)
		return
	}
	a.freeSized(mem.Addr(p), uintptr(size), format.DefaultAlignment)
}

// FreeSizedAligned releases p allocated with the given size and alignment.
func (a *HpAllocator) FreeSizedAligned(p unsafe.Pointer, size, alignment int) {
	if p == nil {
		return
	}
	if size <= 0 {
		a.Free(p)
		return
	}
	a.freeSized(mem.Addr(p), uintptr(size), requestAlign(alignment))
}

func (a *HpAllocator) freeSized(addr, size, align uintptr) {
	if !a.routesToBucket(size, align) {
		if a.checked && a.ptrInBucket(addr) {
			usageError(ErrSizeMismatch, "%#x freed with tree size %d but is bucket memory", addr, size)
		}
		a.treeFree(addr)
		return
	}
	if a.checked && !a.ptrInBucket(addr) {
		usageError(ErrSizeMismatch, "%#x freed with bucket size %d but is not bucket memory", addr, size)
	}
	a.bucketFreeDirect(addr, format.BucketIndexAligned(size, align))
}

// Purge returns empty bucket pages and fully free spans to the system,
// buckets first so fixed-block pages reach the tree before it is swept.
func (a *HpAllocator) Purge() int {
	released := a.bucketPurge() + a.treePurge()
	a.stats.releasedBytes.Add(int64(released))
	return int(min(released, math.MaxInt))
}

// Allocated returns the bytes held by buckets (whole pages) and by used
// tree blocks (payload plus header).
func (a *HpAllocator) Allocated() int {
	return int(a.allocatedBuckets.Load() + a.allocatedTree.Load())
}

// MaxAllocationSize returns the largest request servable without growth.
func (a *HpAllocator) MaxAllocationSize() int {
	return int(max(a.bucketMaxAllocation(), a.treeMaxAllocation()))
}

// UnallocatedMemory returns free bytes inside pages and spans already held.
func (a *HpAllocator) UnallocatedMemory() int {
	return int(a.bucketUnusedMemory() + a.treeUnusedMemory())
}

// Checked reports whether usage errors are detected.
func (a *HpAllocator) Checked() bool {
	return a.checked
}

// Close purges everything it can. With checking on it reports memory that
// is still allocated.
func (a *HpAllocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.Purge()
	if n := a.Allocated(); n != 0 {
		a.log.Error("allocator closed with live allocations", "bytes", n)
		if a.checked {
			return errors.Wrapf(ErrLiveAllocations, "%d bytes", n)
		}
	}
	return nil
}

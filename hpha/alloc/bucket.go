package alloc

import (
	"sync"

	"golang.org/x/sys/cpu"

	"github.com/joshuapare/hphakit/internal/format"
	"github.com/joshuapare/hphakit/internal/mem"
)

// bucket is one size class: a list of pool pages with pages that have free
// slots at the front and full pages at the back.
type bucket struct {
	mu       sync.Mutex
	head     uintptr
	tail     uintptr
	pages    int
	marker   uint64
	elemSize uintptr

	_ cpu.CacheLinePad
}

func (b *bucket) pushFront(p uintptr) {
	setPagePrev(p, 0)
	setPageNext(p, b.head)
	if b.head != 0 {
		setPagePrev(b.head, p)
	} else {
		b.tail = p
	}
	b.head = p
}

func (b *bucket) pushBack(p uintptr) {
	setPageNext(p, 0)
	setPagePrev(p, b.tail)
	if b.tail != 0 {
		setPageNext(b.tail, p)
	} else {
		b.head = p
	}
	b.tail = p
}

func (b *bucket) unlink(p uintptr) {
	next, prev := pageNext(p), pagePrev(p)
	if prev != 0 {
		setPageNext(prev, next)
	} else {
		b.head = next
	}
	if next != 0 {
		setPagePrev(next, prev)
	} else {
		b.tail = prev
	}
	setPageNext(p, 0)
	setPagePrev(p, 0)
}

// freePage returns the front page if it has a free slot, or 0.
func (b *bucket) freePage() uintptr {
	if b.head != 0 && !pageFull(b.head) {
		return b.head
	}
	return 0
}

// setupPage formats fresh memory at p as an empty page of this bucket and
// threads its free list from the lowest element up.
func (b *bucket) setupPage(p, pageSize uintptr, index int) {
	setPageBucket(p, index)
	setPageUseCount(p, 0)
	setPageMarker(p, b.marker^uint64(p))
	setPageNext(p, 0)
	setPagePrev(p, 0)

	first := pageFirstElem(p, pageSize, b.elemSize)
	end := p + pageSize
	setPageFreeList(p, first)
	for e := first; e < end; e += b.elemSize {
		next := e + b.elemSize
		if next >= end {
			next = 0
		}
		mem.StoreAddr(e, next)
	}
}

// take pops an element off page p. A page that becomes full moves to the back.
func (b *bucket) take(p uintptr) uintptr {
	e := pageFreeList(p)
	next := mem.LoadAddr(e)
	setPageFreeList(p, next)
	setPageUseCount(p, pageUseCount(p)+1)
	if next == 0 && b.tail != p {
		b.unlink(p)
		b.pushBack(p)
	}
	return e
}

// put pushes element e back onto page p. A page that was full moves to the
// front.
func (b *bucket) put(p, e uintptr) {
	old := pageFreeList(p)
	mem.StoreAddr(e, old)
	setPageFreeList(p, e)
	setPageUseCount(p, pageUseCount(p)-1)
	if old == 0 && b.head != p {
		b.unlink(p)
		b.pushFront(p)
	}
}

// contains walks the page list; checked mode only.
func (b *bucket) contains(p uintptr) bool {
	for cur := b.head; cur != 0; cur = pageNext(cur) {
		if cur == p {
			return true
		}
	}
	return false
}

// elemOnFreeList walks the free list of p; checked mode only.
func elemOnFreeList(p, e uintptr) bool {
	for cur := pageFreeList(p); cur != 0; cur = mem.LoadAddr(cur) {
		if cur == e {
			return true
		}
	}
	return false
}

// pageOf returns the page header address for a bucket element.
func (a *HpAllocator) pageOf(e uintptr) uintptr {
	return format.AlignDown(e, a.poolPageSize)
}

// bucketAlloc returns an element of class index, growing the bucket by a
// page when no page has a free slot.
func (a *HpAllocator) bucketAlloc(index int) uintptr {
	b := &a.buckets[index]
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.freePage()
	if p == 0 {
		p = a.bucketGrowLocked(b, index)
		if p == 0 {
			return 0
		}
	}
	return b.take(p)
}

// bucketGrowLocked obtains a new page for b and puts it at the front.
func (a *HpAllocator) bucketGrowLocked(b *bucket, index int) uintptr {
	var p uintptr
	if a.fixed {
		p = a.treeAllocBucketPage()
	} else {
		p = mem.Addr(a.sys.SystemAlloc(a.poolPageSize, a.poolPageSize))
		if p != 0 {
			a.allocatedBuckets.Add(int64(a.poolPageSize))
		}
	}
	if p == 0 {
		a.log.Warn("bucket page exhausted", "bucket", index, "elem_size", b.elemSize)
		return 0
	}
	b.setupPage(p, a.poolPageSize, index)
	b.pushFront(p)
	b.pages++
	a.stats.pagesGrown.Add(1)
	a.stats.pagesLive.Add(1)
	return p
}

// bucketFree returns element e to the page it was carved from.
func (a *HpAllocator) bucketFree(e uintptr) {
	p := a.pageOf(e)
	a.bucketFreeIn(pageBucket(p), p, e)
}

// bucketFreeDirect returns element e whose class the caller already knows.
func (a *HpAllocator) bucketFreeDirect(e uintptr, index int) {
	p := a.pageOf(e)
	if a.checked && pageBucket(p) != index {
		usageError(ErrSizeMismatch, "element %#x freed as class %d, allocated as class %d",
			e, index, pageBucket(p))
	}
	a.bucketFreeIn(index, p, e)
}

func (a *HpAllocator) bucketFreeIn(index int, p, e uintptr) {
	b := &a.buckets[index]
	b.mu.Lock()
	defer b.mu.Unlock()
	if a.checked {
		a.checkBucketElemLocked(b, p, e)
	}
	b.put(p, e)
}

func (a *HpAllocator) checkBucketElemLocked(b *bucket, p, e uintptr) {
	if !b.contains(p) {
		usageError(ErrForeignPointer, "page %#x of element %#x is not in bucket of %d bytes",
			p, e, b.elemSize)
	}
	first := pageFirstElem(p, a.poolPageSize, b.elemSize)
	if e < first || (e-first)%b.elemSize != 0 {
		usageError(ErrForeignPointer, "%#x is not an element boundary of page %#x", e, p)
	}
	if elemOnFreeList(p, e) {
		usageError(ErrDoubleFree, "bucket element %#x", e)
	}
}

// ptrInBucket reports whether e was handed out by a bucket, using the page
// marker. In checked mode a marker hit is confirmed against the page list.
func (a *HpAllocator) ptrInBucket(e uintptr) bool {
	if !a.pooling {
		return false
	}
	p := a.pageOf(e)
	if a.fixed && (p < a.fixedStart || p >= a.fixedEnd) {
		return false
	}
	if e < p+format.PageHeaderSize {
		return false
	}
	index := pageBucket(p)
	if index >= format.NumBuckets {
		return false
	}
	b := &a.buckets[index]
	if pageMarker(p) != b.marker^uint64(p) {
		return false
	}
	if a.checked {
		b.mu.Lock()
		ok := b.contains(p)
		b.mu.Unlock()
		if !ok {
			usageError(ErrCorrupted, "page %#x carries the marker of bucket %d but is not listed", p, index)
		}
	}
	return true
}

// bucketPtrSize returns the element size of the page holding e.
func (a *HpAllocator) bucketPtrSize(e uintptr) uintptr {
	return format.BucketElemSize(pageBucket(a.pageOf(e)))
}

// bucketPurge releases empty pages. Each bucket is scanned from the front
// and the scan stops at the first full page: full pages only live at the
// back. Returns the bytes given back to the system.
func (a *HpAllocator) bucketPurge() uintptr {
	var released uintptr
	for i := range a.buckets {
		b := &a.buckets[i]
		b.mu.Lock()
		for p := b.head; p != 0; {
			next := pageNext(p)
			switch {
			case pageEmpty(p):
				b.unlink(p)
				b.pages--
				released += a.bucketReleaseLocked(p)
			case pageFull(p):
				next = 0
			}
			p = next
		}
		b.mu.Unlock()
	}
	return released
}

func (a *HpAllocator) bucketReleaseLocked(p uintptr) uintptr {
	invalidatePage(p)
	a.stats.pagesReleased.Add(1)
	a.stats.pagesLive.Add(-1)
	if a.fixed {
		a.treeFreeBucketPage(p)
		return 0
	}
	a.sys.SystemFree(mem.Pointer(p), a.poolPageSize)
	a.allocatedBuckets.Add(-int64(a.poolPageSize))
	return a.poolPageSize
}

// bucketMaxAllocation returns the largest class with a free slot on hand.
func (a *HpAllocator) bucketMaxAllocation() uintptr {
	for i := format.NumBuckets - 1; i >= 0; i-- {
		b := &a.buckets[i]
		b.mu.Lock()
		ok := b.freePage() != 0
		b.mu.Unlock()
		if ok {
			return b.elemSize
		}
	}
	return 0
}

// bucketUnusedMemory sums the free slots of every page.
func (a *HpAllocator) bucketUnusedMemory() uintptr {
	var unused uintptr
	for i := range a.buckets {
		b := &a.buckets[i]
		capacity := pageCapacity(a.poolPageSize, b.elemSize)
		b.mu.Lock()
		for p := b.head; p != 0 && !pageFull(p); p = pageNext(p) {
			unused += uintptr(capacity-pageUseCount(p)) * b.elemSize
		}
		b.mu.Unlock()
	}
	return unused
}

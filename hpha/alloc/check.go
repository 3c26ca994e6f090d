package alloc

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/hphakit/internal/format"
	"github.com/joshuapare/hphakit/internal/mem"
)

// Check walks every bucket page and tree span and validates their
// invariants. It takes the bucket locks one at a time and then the tree
// lock, so it may run concurrently with allocation.
func (a *HpAllocator) Check() error {
	var errs []error
	for i := range a.buckets {
		b := &a.buckets[i]
		b.mu.Lock()
		errs = append(errs, a.checkBucketLocked(b, i)...)
		b.mu.Unlock()
	}
	a.treeMu.Lock()
	errs = append(errs, a.checkTreeLocked()...)
	a.treeMu.Unlock()
	if len(errs) == 0 {
		return nil
	}
	return errors.Wrapf(ErrCorrupted, "heap check found %d problems: %v", len(errs), errors.Join(errs...))
}

func (a *HpAllocator) checkBucketLocked(b *bucket, index int) []error {
	var errs []error
	capacity := pageCapacity(a.poolPageSize, b.elemSize)
	first := uintptr(0)
	seenFull := false
	pages := 0
	prev := uintptr(0)
	for p := b.head; p != 0; p = pageNext(p) {
		pages++
		if pagePrev(p) != prev {
			errs = append(errs, errors.Newf("bucket %d: page %#x prev link %#x, want %#x",
				index, p, pagePrev(p), prev))
		}
		prev = p
		if p%a.poolPageSize != 0 {
			errs = append(errs, errors.Newf("bucket %d: page %#x misaligned", index, p))
		}
		if pageBucket(p) != index || pageMarker(p) != b.marker^uint64(p) {
			errs = append(errs, errors.Newf("bucket %d: page %#x has a foreign header", index, p))
			continue
		}
		free := 0
		first = pageFirstElem(p, a.poolPageSize, b.elemSize)
		for e := pageFreeList(p); e != 0; e = mem.LoadAddr(e) {
			if e < first || e >= p+a.poolPageSize || (e-first)%b.elemSize != 0 {
				errs = append(errs, errors.Newf("bucket %d: page %#x free element %#x off grid",
					index, p, e))
				break
			}
			if free++; free > capacity {
				errs = append(errs, errors.Newf("bucket %d: page %#x free list cycles", index, p))
				break
			}
		}
		if free+pageUseCount(p) != capacity {
			errs = append(errs, errors.Newf("bucket %d: page %#x uses %d + free %d != capacity %d",
				index, p, pageUseCount(p), free, capacity))
		}
		if free == 0 {
			seenFull = true
		} else if seenFull {
			errs = append(errs, errors.Newf("bucket %d: page %#x with free slots behind a full page",
				index, p))
		}
	}
	if prev != b.tail {
		errs = append(errs, errors.Newf("bucket %d: tail %#x, last page %#x", index, b.tail, prev))
	}
	if pages != b.pages {
		errs = append(errs, errors.Newf("bucket %d: %d pages listed, %d counted", index, pages, b.pages))
	}
	return errs
}

func (a *HpAllocator) checkTreeLocked() []error {
	var errs []error
	freeSeen := 0
	var freeBytes uintptr
	for start, size := range a.spans {
		end := start + size - format.BlockHeaderSize
		if !isFrontFence(start) || !blockUsed(start) {
			errs = append(errs, errors.Newf("span %#x: bad front fence", start))
			continue
		}
		prev := start
		b := blockNext(start)
		for b < end {
			if blockPrev(b) != prev {
				errs = append(errs, errors.Newf("span %#x: block %#x prev %#x, want %#x",
					start, b, blockPrev(b), prev))
				break
			}
			w := blockWord(b)
			size, used, tag := format.UnpackBlockWord(w)
			if size == 0 {
				errs = append(errs, errors.Newf("span %#x: empty block %#x", start, b))
				break
			}
			if stray := w & format.BlockFlagsMask &^ format.BlockUsedFlag; stray != 0 {
				errs = append(errs, errors.Newf("span %#x: block %#x has stray flag bits %#x", start, b, stray))
			}
			if !used {
				freeSeen++
				freeBytes += size
				if !blockUsed(prev) {
					errs = append(errs, errors.Newf("span %#x: adjacent free blocks %#x and %#x",
						start, prev, b))
				}
				if !a.free.contains(b) {
					errs = append(errs, errors.Newf("span %#x: free block %#x not indexed", start, b))
				}
			} else if tag != a.tag {
				errs = append(errs, errors.Newf("span %#x: block %#x has tag %#x", start, b, tag))
			}
			prev = b
			b = blockNext(b)
		}
		if b != end {
			errs = append(errs, errors.Newf("span %#x: walk ended at %#x, want %#x", start, b, end))
			continue
		}
		if !isBackFence(end) || blockPrev(end) != prev {
			errs = append(errs, errors.Newf("span %#x: bad back fence", start))
		}
	}
	if freeSeen != a.free.len() {
		errs = append(errs, errors.Newf("tree: %d free blocks in spans, %d indexed", freeSeen, a.free.len()))
	}
	if freeBytes != a.free.bytes {
		errs = append(errs, errors.Newf("tree: %d free bytes in spans, %d indexed", freeBytes, a.free.bytes))
	}
	return errs
}

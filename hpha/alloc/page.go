package alloc

import (
	"github.com/joshuapare/hphakit/internal/format"
	"github.com/joshuapare/hphakit/internal/mem"
)

// Pool page header accessors. p is always the page address.

func pageNext(p uintptr) uintptr        { return mem.LoadAddr(p + format.PageNextOffset) }
func setPageNext(p, next uintptr)       { mem.StoreAddr(p+format.PageNextOffset, next) }
func pagePrev(p uintptr) uintptr        { return mem.LoadAddr(p + format.PagePrevOffset) }
func setPagePrev(p, prev uintptr)       { mem.StoreAddr(p+format.PagePrevOffset, prev) }
func pageFreeList(p uintptr) uintptr    { return mem.LoadAddr(p + format.PageFreeListOffset) }
func setPageFreeList(p, head uintptr)   { mem.StoreAddr(p+format.PageFreeListOffset, head) }
func pageMarker(p uintptr) uint64       { return mem.Load64(p + format.PageMarkerOffset) }
func setPageMarker(p uintptr, m uint64) { mem.Store64(p+format.PageMarkerOffset, m) }
func pageBucket(p uintptr) int          { return int(mem.Load16(p + format.PageBucketOffset)) }
func setPageBucket(p uintptr, i int)    { mem.Store16(p+format.PageBucketOffset, uint16(i)) }
func pageUseCount(p uintptr) int        { return int(mem.Load16(p + format.PageUseCountOffset)) }
func setPageUseCount(p uintptr, n int)  { mem.Store16(p+format.PageUseCountOffset, uint16(n)) }

func pageFull(p uintptr) bool  { return pageFreeList(p) == 0 }
func pageEmpty(p uintptr) bool { return pageUseCount(p) == 0 }

// pageCapacity is the number of elemSize elements a page holds.
func pageCapacity(pageSize, elemSize uintptr) int {
	return int((pageSize - format.PageHeaderSize) / elemSize)
}

// The use count is 16 bits wide, so the fullest page the descriptor allows
// must fit in it.
const _ = uint16(format.MaxPageElements - (format.MaxPoolPageSize-format.PageHeaderSize)/format.MinAllocation)

// pageFirstElem is the lowest element address of a page; elements run from
// there to the page end.
func pageFirstElem(p, pageSize, elemSize uintptr) uintptr {
	return p + pageSize - uintptr(pageCapacity(pageSize, elemSize))*elemSize
}

// invalidatePage clears the identifying fields before a page is released.
func invalidatePage(p uintptr) {
	setPageMarker(p, 0)
	setPageBucket(p, format.NumBuckets)
}

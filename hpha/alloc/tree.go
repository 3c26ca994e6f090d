package alloc

import (
	"github.com/joshuapare/hphakit/internal/format"
	"github.com/joshuapare/hphakit/internal/mem"
)

// Tree manager. Every function with the Locked suffix expects a.treeMu held;
// the exported-facing tree* wrappers take it.

func (a *HpAllocator) treeAlloc(size uintptr) uintptr {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	return a.treeAllocLocked(size)
}

func (a *HpAllocator) treeAllocAligned(size, align uintptr) uintptr {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	return a.treeAllocAlignedLocked(size, align)
}

func (a *HpAllocator) treeAllocBucketPage() uintptr {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	return a.treeAllocBucketPageLocked()
}

func (a *HpAllocator) treeRealloc(p, size uintptr) uintptr {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	return a.treeReallocLocked(p, size)
}

func (a *HpAllocator) treeReallocAligned(p, size, align uintptr) uintptr {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	return a.treeReallocAlignedLocked(p, size, align)
}

func (a *HpAllocator) treeResize(p, size uintptr) uintptr {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	return a.treeResizeLocked(p, size)
}

func (a *HpAllocator) treeFree(p uintptr) {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	a.treeFreeLocked(p)
}

// treeFreeBucketPage returns a pool page carved by treeAllocBucketPage.
func (a *HpAllocator) treeFreeBucketPage(p uintptr) {
	a.treeFree(blockMem(p))
}

// treePtrSize returns the payload size of p, or 0 if p is not a used block
// of this allocator.
func (a *HpAllocator) treePtrSize(p uintptr) uintptr {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	b := blockOf(p)
	if !blockUsed(b) || blockTag(b) != a.tag {
		return 0
	}
	return blockSize(b)
}

func (a *HpAllocator) treeAllocLocked(size uintptr) uintptr {
	size = treeBlockSize(size)
	b := a.free.extract(size)
	if b == 0 {
		if b = a.treeGrowLocked(size); b == 0 {
			return 0
		}
	}
	a.splitTailLocked(b, size)
	return a.useBlockLocked(b)
}

func (a *HpAllocator) treeAllocAlignedLocked(size, align uintptr) uintptr {
	size = treeBlockSize(size)
	b := a.free.extractAligned(size, align)
	if b == 0 {
		if b = a.treeGrowLocked(size + align + minAlignGap); b == 0 {
			return 0
		}
	}
	b = a.alignBlockLocked(b, alignGap(blockMem(b), align))
	a.splitTailLocked(b, size)
	return a.useBlockLocked(b)
}

// treeAllocBucketPageLocked carves a pool page out of the tree. The page
// address is the block header address, aligned to the pool page size; the
// page header reserves room for that block header.
func (a *HpAllocator) treeAllocBucketPageLocked() uintptr {
	pps := a.poolPageSize
	b := a.free.extractPage(pps)
	if b == 0 {
		if b = a.treeGrowLocked(2*pps + minAlignGap); b == 0 {
			return 0
		}
	}
	b = a.alignBlockLocked(b, alignGap(b, pps))
	a.splitTailLocked(b, pps-format.BlockHeaderSize)
	a.useBlockLocked(b)
	return b
}

// minAlignGap is the smallest front hole that can become a free block.
const minAlignGap = format.BlockHeaderSize + format.FreeNodeSize

// alignGap returns how far addr must move forward to reach an align
// boundary while leaving a hole that can stand as its own free block.
// Gaps too small for that skip to the following boundary, so the
// neighbours of a block never change size when it is aligned.
func alignGap(addr, align uintptr) uintptr {
	offs := format.AlignmentOffset(addr, align)
	if offs > 0 && offs < minAlignGap {
		offs += align
	}
	return offs
}

// alignBlockLocked moves the start of the detached free block b forward by
// offs bytes (a value from alignGap) by splitting off a free front block.
func (a *HpAllocator) alignBlockLocked(b, offs uintptr) uintptr {
	if offs == 0 {
		return b
	}
	a.splitBlockLocked(b, offs-format.BlockHeaderSize)
	a.free.attach(b)
	return blockNext(b)
}

// splitTailLocked gives everything in b past size back to the index when it
// is large enough to form a block.
func (a *HpAllocator) splitTailLocked(b, size uintptr) {
	if canSplit(blockSize(b), size) {
		a.splitBlockLocked(b, size)
		a.free.attach(blockNext(b))
	}
}

func (a *HpAllocator) useBlockLocked(b uintptr) uintptr {
	setBlockUsed(b, a.tag)
	a.allocatedTree.Add(int64(blockSize(b) + format.BlockHeaderSize))
	return blockMem(b)
}

// splitBlockLocked cuts b to size bytes; the rest becomes a new free block
// (not indexed).
func (a *HpAllocator) splitBlockLocked(b, size uintptr) {
	nb := b + format.BlockHeaderSize + size
	setBlockWord(nb, 0)
	linkBlockAfter(nb, b)
	a.stats.splits.Add(1)
}

// coalesceLocked merges the free block b with free neighbours and returns
// the resulting block, detached.
func (a *HpAllocator) coalesceLocked(b uintptr) uintptr {
	if next := blockNext(b); !blockUsed(next) {
		a.free.detach(next)
		unlinkBlock(next)
		a.stats.coalescedForward.Add(1)
	}
	if prev := blockPrev(b); !blockUsed(prev) {
		a.free.detach(prev)
		unlinkBlock(b)
		b = prev
		a.stats.coalescedBackward.Add(1)
	}
	return b
}

func (a *HpAllocator) treeFreeLocked(p uintptr) {
	b := blockOf(p)
	if a.checked {
		a.checkTreeBlockLocked(b)
	}
	a.allocatedTree.Add(-int64(blockSize(b) + format.BlockHeaderSize))
	setBlockFree(b)
	a.free.attach(a.coalesceLocked(b))
}

func (a *HpAllocator) checkTreeBlockLocked(b uintptr) {
	if a.fixed && (b < a.fixedStart || b >= a.fixedEnd) {
		usageError(ErrForeignPointer, "%#x is outside the fixed block", blockMem(b))
	}
	if !blockUsed(b) {
		usageError(ErrDoubleFree, "tree block %#x", blockMem(b))
	}
	if blockTag(b) != a.tag {
		usageError(ErrForeignPointer, "tree block %#x has tag %#x, want %#x", blockMem(b), blockTag(b), a.tag)
	}
}

// shrinkLocked cuts the used block b down to size and returns the tail to
// the index, merged with a free successor.
func (a *HpAllocator) shrinkLocked(b, size uintptr) {
	blSize := blockSize(b)
	if !canSplit(blSize, size) {
		return
	}
	a.splitBlockLocked(b, size)
	setBlockFree(blockNext(b))
	a.free.attach(a.coalesceLocked(blockNext(b)))
	a.allocatedTree.Add(-int64(blSize - size))
}

// freeSize returns the bytes b contributes when absorbed: its payload plus
// header, or 0 if it is used.
func freeSize(b uintptr) uintptr {
	if blockUsed(b) {
		return 0
	}
	return blockSize(b) + format.BlockHeaderSize
}

// absorbNextLocked grows the used block b over its free successor.
func (a *HpAllocator) absorbNextLocked(b uintptr) {
	next := blockNext(b)
	a.free.detach(next)
	unlinkBlock(next)
}

func (a *HpAllocator) treeReallocLocked(p, size uintptr) uintptr {
	size = treeBlockSize(size)
	b := blockOf(p)
	blSize := blockSize(b)

	if blSize >= size {
		a.shrinkLocked(b, size)
		a.stats.inPlaceReallocs.Add(1)
		return p
	}

	next := blockNext(b)
	sizeNext := freeSize(next)
	if blSize+sizeNext >= size {
		a.absorbNextLocked(b)
		a.splitTailLocked(b, size)
		a.allocatedTree.Add(int64(blockSize(b) - blSize))
		a.stats.inPlaceReallocs.Add(1)
		return p
	}

	prev := blockPrev(b)
	sizePrev := freeSize(prev)
	if sizePrev > 0 && blSize+sizePrev+sizeNext >= size {
		if sizeNext > 0 {
			a.absorbNextLocked(b)
		}
		a.free.detach(prev)
		unlinkBlock(b)
		setBlockUsed(prev, a.tag)
		mem.Move(blockMem(prev), p, blSize)
		a.splitTailLocked(prev, size)
		a.allocatedTree.Add(int64(blockSize(prev) - blSize))
		a.stats.movedReallocs.Add(1)
		return blockMem(prev)
	}

	np := a.treeAllocLocked(size)
	if np != 0 {
		mem.Move(np, p, blSize)
		a.treeFreeLocked(p)
		a.stats.movedReallocs.Add(1)
	}
	return np
}

func (a *HpAllocator) treeReallocAlignedLocked(p, size, align uintptr) uintptr {
	size = treeBlockSize(size)
	b := blockOf(p)
	blSize := blockSize(b)

	if blSize >= size {
		a.shrinkLocked(b, size)
		a.stats.inPlaceReallocs.Add(1)
		return p
	}

	next := blockNext(b)
	sizeNext := freeSize(next)
	if blSize+sizeNext >= size {
		a.absorbNextLocked(b)
		a.splitTailLocked(b, size)
		a.allocatedTree.Add(int64(blockSize(b) - blSize))
		a.stats.inPlaceReallocs.Add(1)
		return p
	}

	prev := blockPrev(b)
	sizePrev := freeSize(prev)
	if sizePrev > 0 {
		offs := alignGap(blockMem(prev), align)
		// The new header must land before the data being moved.
		if offs <= blockSize(prev) && blSize+sizePrev+sizeNext >= size+offs {
			if sizeNext > 0 {
				a.absorbNextLocked(b)
			}
			a.free.detach(prev)
			unlinkBlock(b)
			prev = a.alignBlockLocked(prev, offs)
			setBlockUsed(prev, a.tag)
			mem.Move(blockMem(prev), p, blSize)
			a.splitTailLocked(prev, size)
			a.allocatedTree.Add(int64(blockSize(prev) - blSize))
			a.stats.movedReallocs.Add(1)
			return blockMem(prev)
		}
	}

	np := a.treeAllocAlignedLocked(size, align)
	if np != 0 {
		mem.Move(np, p, blSize)
		a.treeFreeLocked(p)
		a.stats.movedReallocs.Add(1)
	}
	return np
}

// treeResizeLocked grows or shrinks p in place and returns its new size.
func (a *HpAllocator) treeResizeLocked(p, size uintptr) uintptr {
	size = treeBlockSize(size)
	b := blockOf(p)
	blSize := blockSize(b)
	switch {
	case size > blSize:
		if blSize+freeSize(blockNext(b)) >= size {
			a.absorbNextLocked(b)
			a.splitTailLocked(b, size)
			a.allocatedTree.Add(int64(blockSize(b) - blSize))
		}
	case size < blSize:
		a.shrinkLocked(b, size)
	}
	return blockSize(b)
}

// treeGrowLocked obtains a new span able to hold a size-byte payload and
// returns its (detached) free block.
func (a *HpAllocator) treeGrowLocked(size uintptr) uintptr {
	if a.fixed {
		return 0
	}
	spanSize, ok := mem.AddOverflowSafe(size, format.SpanOverhead)
	if !ok {
		return 0
	}
	spanSize = max(format.AlignUp(spanSize, a.pageSize), a.chunkSize)
	p := mem.Addr(a.sys.SystemAlloc(spanSize, a.spanAlign))
	if p == 0 {
		a.log.Warn("tree span exhausted", "request", size, "span", spanSize)
		return 0
	}
	a.spans[p] = spanSize
	a.stats.spansGrown.Add(1)
	a.log.Debug("tree grew", "span", spanSize, "addr", p)
	return addSpan(p, spanSize, a.tag)
}

// addSpan formats [p, p+size) as front fence, one free block and back
// fence, and returns the free block.
func addSpan(p, size uintptr, tag uint16) uintptr {
	front := p
	setBlockPrev(front, 0)
	setBlockWord(front, format.PackBlockWord(0, true, tag))

	b := front + format.BlockHeaderSize
	back := p + size - format.BlockHeaderSize
	setBlockPrev(b, front)
	setBlockWord(b, format.PackBlockWord(back-b-format.BlockHeaderSize, false, 0))

	setBlockPrev(back, b)
	setBlockWord(back, format.PackBlockWord(0, true, tag))
	return b
}

// treePurge releases every span that is one free block between its fences.
// Fixed-block trees never release memory.
func (a *HpAllocator) treePurge() uintptr {
	if a.fixed {
		return 0
	}
	a.treeMu.Lock()
	defer a.treeMu.Unlock()

	var released uintptr
	minSize := a.pageSize - format.SpanOverhead
	for _, b := range a.free.candidates(minSize) {
		front, back := blockPrev(b), blockNext(b)
		if !isFrontFence(front) || !isBackFence(back) {
			continue
		}
		a.free.detach(b)
		size := back + format.BlockHeaderSize - front
		mem.Fill(b, format.BlockHeaderSize, 0xff)
		delete(a.spans, front)
		a.sys.SystemFree(mem.Pointer(front), size)
		a.stats.spansReleased.Add(1)
		released += size
	}
	if released > 0 {
		a.log.Debug("tree purged", "released", released)
	}
	return released
}

func (a *HpAllocator) treeMaxAllocation() uintptr {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	return a.free.max()
}

func (a *HpAllocator) treeUnusedMemory() uintptr {
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	return a.free.bytes
}

package alloc

import (
	"github.com/joshuapare/hphakit/internal/format"
	"github.com/joshuapare/hphakit/internal/mem"
)

// Tree block header accessors. b is always the header address; the payload
// starts at blockMem(b).

func blockPrev(b uintptr) uintptr {
	return mem.LoadAddr(b + format.BlockPrevOffset)
}

func setBlockPrev(b, prev uintptr) {
	mem.StoreAddr(b+format.BlockPrevOffset, prev)
}

func blockWord(b uintptr) uint64 {
	return mem.Load64(b + format.BlockWordOffset)
}

func setBlockWord(b uintptr, w uint64) {
	mem.Store64(b+format.BlockWordOffset, w)
}

func blockSize(b uintptr) uintptr {
	return uintptr(blockWord(b) & format.BlockSizeMask)
}

func blockUsed(b uintptr) bool {
	return blockWord(b)&format.BlockUsedFlag != 0
}

func blockTag(b uintptr) uint16 {
	return uint16(blockWord(b) >> format.BlockTagShift)
}

// setBlockSize changes the size and keeps the flags and tag.
func setBlockSize(b, size uintptr) {
	w := blockWord(b)
	setBlockWord(b, w&^format.BlockSizeMask|uint64(size)&format.BlockSizeMask)
}

func setBlockUsed(b uintptr, tag uint16) {
	setBlockWord(b, format.PackBlockWord(blockSize(b), true, tag))
}

// setBlockFree clears the used flag and the tag.
func setBlockFree(b uintptr) {
	setBlockWord(b, format.PackBlockWord(blockSize(b), false, 0))
}

func blockMem(b uintptr) uintptr {
	return b + format.BlockHeaderSize
}

func blockOf(p uintptr) uintptr {
	return p - format.BlockHeaderSize
}

func blockNext(b uintptr) uintptr {
	return b + format.BlockHeaderSize + blockSize(b)
}

func setBlockNext(b, next uintptr) {
	setBlockSize(b, next-b-format.BlockHeaderSize)
}

// unlinkBlock removes b from its span; the previous block absorbs it.
func unlinkBlock(b uintptr) {
	next, prev := blockNext(b), blockPrev(b)
	setBlockPrev(next, prev)
	setBlockNext(prev, next)
}

// linkBlockAfter inserts b right after link, taking over the tail of link.
func linkBlockAfter(b, link uintptr) {
	setBlockPrev(b, link)
	setBlockNext(b, blockNext(link))
	setBlockPrev(blockNext(b), b)
	setBlockNext(link, b)
}

// isFrontFence reports whether b is the first header of a span.
func isFrontFence(b uintptr) bool {
	return blockPrev(b) == 0
}

// isBackFence reports whether b is the last header of a span.
func isBackFence(b uintptr) bool {
	return blockSize(b) == 0 && blockUsed(b)
}

// treeBlockSize rounds a request up to a legal block payload size.
func treeBlockSize(size uintptr) uintptr {
	if size < format.FreeNodeSize {
		size = format.FreeNodeSize
	}
	return format.AlignUp(size, format.BlockGranularity)
}

// canSplit reports whether a block of blSize can give up everything past
// size as a separate free block.
func canSplit(blSize, size uintptr) bool {
	return blSize >= size+format.BlockHeaderSize+format.FreeNodeSize
}

package format

// Size classes.
const (
	// MinAllocation is the smallest payload handed out and the spacing
	// between bucket size classes.
	MinAllocation = 8

	// MinAllocationLog2 is log2(MinAllocation).
	MinAllocationLog2 = 3

	// MaxSmallAllocation is the largest request served from buckets.
	MaxSmallAllocation = 256

	// NumBuckets is the number of bucket size classes.
	NumBuckets = MaxSmallAllocation / MinAllocation

	// DefaultAlignment is the alignment every allocation gets for free.
	DefaultAlignment = 8
)

// Tree block header layout. Every block in a tree span starts with:
//
//	[0,8)   address of the previous block (0 for a front fence)
//	[8,16)  size | used flag (bit 0) | identity tag (bits 48..63)
//
// The payload follows immediately. Sizes are multiples of BlockGranularity,
// so the low four bits of the size word are free for flags.
const (
	BlockHeaderSize  = 16
	BlockPrevOffset  = 0
	BlockWordOffset  = 8
	BlockGranularity = 16

	// FreeNodeSize is the smallest payload a free block can have.
	FreeNodeSize = 16

	BlockUsedFlag  = 1
	BlockTagShift  = 48
	BlockSizeMask  = (uint64(1)<<BlockTagShift - 1) &^ (BlockGranularity - 1)
	BlockFlagsMask = BlockGranularity - 1

	// SpanOverhead is the header cost of a grown span: front fence, the
	// initial free block header and the back fence.
	SpanOverhead = 3 * BlockHeaderSize
)

// Pool page header layout. Pages are aligned to the pool page size, so the
// header of any element is found by masking the element address.
//
//	[0,16)  reserved for a tree block header in fixed-block mode
//	[16,24) next page in the bucket list
//	[24,32) previous page in the bucket list
//	[32,40) head of the page free list
//	[40,48) marker: bucket marker XOR page address
//	[48,50) bucket index
//	[50,52) use count
const (
	PageNextOffset     = 16
	PagePrevOffset     = 24
	PageFreeListOffset = 32
	PageMarkerOffset   = 40
	PageBucketOffset   = 48
	PageUseCountOffset = 50
	PageHeaderSize     = 64

	// MaxPageElements is the largest element count a page can track.
	MaxPageElements = 1<<16 - 1
)

// Descriptor defaults and limits.
const (
	DefaultPageSize        = 4096
	DefaultPoolPageSize    = 4096
	DefaultSystemChunkSize = 64 << 10

	MinPageSize     = 4 * BlockHeaderSize
	MinPoolPageSize = 512
	MaxPoolPageSize = 256 << 10

	// MaxRequest bounds any single request so size arithmetic cannot
	// overflow the size field of a block header.
	MaxRequest = 1 << 46
)

// MemoryGuardSize is the number of guard bytes the debug decorator appends
// to every payload.
const MemoryGuardSize = 16

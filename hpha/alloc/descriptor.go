package alloc

import (
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/hphakit/hpha/sysalloc"
	"github.com/joshuapare/hphakit/internal/format"
)

// Descriptor configures an HpAllocator (and the hpha.Schema built on it).
// Zero values mean defaults.
type Descriptor struct {
	// PageSize is the granularity of tree growth. Power of two.
	PageSize int

	// PoolPageSize is the size and alignment of a bucket page. Power of two,
	// a multiple of PageSize.
	PoolPageSize int

	// FixedMemoryBlock, when non-empty, is the only memory the allocator
	// manages. It must be aligned to FixedMemoryBlockAlignment and it must
	// not be touched by anything else while the allocator lives.
	FixedMemoryBlock []byte

	// FixedMemoryBlockByteSize asks hpha.Schema to obtain a fixed block of
	// this size from SubAllocator when FixedMemoryBlock is empty.
	FixedMemoryBlockByteSize int

	// FixedMemoryBlockAlignment is the alignment of the fixed block.
	// Defaults to PoolPageSize and may not be smaller.
	FixedMemoryBlockAlignment int

	// DisablePooling routes every request to the tree.
	DisablePooling bool

	// SubAllocator supplies the fixed block (when FixedMemoryBlockByteSize
	// is set) or, otherwise, replaces OS pages as the page source.
	SubAllocator sysalloc.SubAllocator

	// SystemChunkSize is the minimum size of a tree span grown from the
	// system. Rounded up to PageSize.
	SystemChunkSize int

	// System overrides the page source. Takes precedence over SubAllocator.
	System sysalloc.Allocator

	// Logger receives growth, purge and exhaustion events. nil discards.
	Logger *slog.Logger

	// Checked enables usage-error detection (see package docs).
	Checked bool

	// Debug wraps the allocator in the guard decorator (hpha.Schema only).
	Debug bool
}

// DefaultDescriptor returns the default configuration.
func DefaultDescriptor() Descriptor {
	return Descriptor{}.WithDefaults()
}

// WithDefaults returns d with zero fields replaced by defaults.
func (d Descriptor) WithDefaults() Descriptor {
	if d.PageSize == 0 {
		d.PageSize = format.DefaultPageSize
	}
	if d.PoolPageSize == 0 {
		d.PoolPageSize = max(format.DefaultPoolPageSize, d.PageSize)
	}
	if d.SystemChunkSize == 0 {
		d.SystemChunkSize = format.DefaultSystemChunkSize
	}
	if d.FixedMemoryBlockAlignment == 0 {
		d.FixedMemoryBlockAlignment = d.PoolPageSize
	}
	return d
}

// Validate reports the first problem with d. It expects defaults applied.
func (d Descriptor) Validate() error {
	switch {
	case !format.IsPowerOfTwo(uintptr(d.PageSize)) || d.PageSize < format.MinPageSize:
		return errors.Wrapf(ErrBadDescriptor, "page size %d must be a power of two >= %d",
			d.PageSize, format.MinPageSize)
	case !format.IsPowerOfTwo(uintptr(d.PoolPageSize)) ||
		d.PoolPageSize < format.MinPoolPageSize || d.PoolPageSize > format.MaxPoolPageSize:
		return errors.Wrapf(ErrBadDescriptor, "pool page size %d must be a power of two in [%d, %d]",
			d.PoolPageSize, format.MinPoolPageSize, format.MaxPoolPageSize)
	case d.PoolPageSize%d.PageSize != 0:
		return errors.Wrapf(ErrBadDescriptor, "pool page size %d is not a multiple of page size %d",
			d.PoolPageSize, d.PageSize)
	case d.SystemChunkSize < 0:
		return errors.Wrapf(ErrBadDescriptor, "negative system chunk size %d", d.SystemChunkSize)
	case d.FixedMemoryBlockByteSize < 0:
		return errors.Wrapf(ErrBadDescriptor, "negative fixed block size %d", d.FixedMemoryBlockByteSize)
	case !format.IsPowerOfTwo(uintptr(d.FixedMemoryBlockAlignment)) ||
		d.FixedMemoryBlockAlignment < d.PoolPageSize:
		return errors.Wrapf(ErrBadDescriptor, "fixed block alignment %d must be a power of two >= %d",
			d.FixedMemoryBlockAlignment, d.PoolPageSize)
	}
	if len(d.FixedMemoryBlock) > 0 {
		addr := uintptr(unsafe.Pointer(unsafe.SliceData(d.FixedMemoryBlock)))
		if addr%uintptr(d.FixedMemoryBlockAlignment) != 0 {
			return errors.Wrapf(ErrBadDescriptor, "fixed block %#x not aligned to %d",
				addr, d.FixedMemoryBlockAlignment)
		}
		if minLen := format.SpanOverhead + d.PoolPageSize; len(d.FixedMemoryBlock) < minLen {
			return errors.Wrapf(ErrBadDescriptor, "fixed block of %d bytes is smaller than %d",
				len(d.FixedMemoryBlock), minLen)
		}
	}
	return nil
}

// fixedMode reports whether the allocator manages a fixed block.
func (d Descriptor) fixedMode() bool {
	return len(d.FixedMemoryBlock) > 0
}

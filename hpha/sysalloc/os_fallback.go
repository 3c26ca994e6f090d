//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package sysalloc

import (
	"unsafe"

	"github.com/joshuapare/hphakit/internal/format"
)

func pageSize() int {
	return 4096
}

// mapAligned falls back to the Go heap. The backing slice is kept in the
// mapping so the collector keeps it alive until SystemFree. The aligned
// pointer is derived from the slice pointer with unsafe.Add.
func mapAligned(size, align, _ uintptr) (mapping, unsafe.Pointer, error) {
	buf := make([]byte, size+align)
	p := unsafe.Pointer(unsafe.SliceData(buf))
	base := uintptr(p)
	return mapping{base: base, length: uintptr(len(buf)), keep: buf},
		unsafe.Add(p, format.AlignmentOffset(base, align)), nil
}

func unmap(mapping) error {
	return nil
}

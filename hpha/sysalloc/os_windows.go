//go:build windows

package sysalloc

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// allocationGranularity is the alignment VirtualAlloc guarantees for
// reservations.
const allocationGranularity = 64 << 10

func pageSize() int {
	return windows.Getpagesize()
}

// mapAligned commits size bytes at an align boundary. Reservations are
// 64 KB aligned; larger alignments reserve extra and keep the whole
// reservation so it can be released as one unit.
func mapAligned(size, align, _ uintptr) (mapping, unsafe.Pointer, error) {
	length := size
	if align > allocationGranularity {
		length += align
	}
	base, err := windows.VirtualAlloc(0, length, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return mapping{}, nil, err
	}
	addr := (base + align - 1) &^ (align - 1)
	return mapping{base: base, length: length}, unsafe.Pointer(addr), nil //nolint:govet // OS reservation
}

func unmap(m mapping) error {
	return windows.VirtualFree(m.base, 0, windows.MEM_RELEASE)
}

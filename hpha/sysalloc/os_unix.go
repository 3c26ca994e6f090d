//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package sysalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func pageSize() int {
	return unix.Getpagesize()
}

// mapAligned maps size bytes at an align boundary. Alignments above the OS
// page size are met by over-mapping and unmapping the excess on both sides.
func mapAligned(size, align, page uintptr) (mapping, unsafe.Pointer, error) {
	length := size
	if align > page {
		length += align
	}
	p, err := unix.MmapPtr(-1, 0, nil, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return mapping{}, nil, err
	}
	base := uintptr(p)
	if align <= page {
		return mapping{base: base, length: length}, p, nil
	}

	addr := (base + align - 1) &^ (align - 1)
	if head := addr - base; head > 0 {
		if err := unix.MunmapPtr(p, head); err != nil {
			return mapping{}, nil, err
		}
	}
	if tail := base + length - (addr + size); tail > 0 {
		if err := unix.MunmapPtr(unsafe.Add(p, addr+size-base), tail); err != nil {
			return mapping{}, nil, err
		}
	}
	return mapping{base: addr, length: size}, unsafe.Add(p, addr-base), nil
}

func unmap(m mapping) error {
	return unix.MunmapPtr(unsafe.Pointer(m.base), m.length) //nolint:govet // OS mapping
}

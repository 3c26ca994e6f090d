// Package mem gives byte-level access to memory the allocator manages by
// address. Managed memory never lives in the Go heap as typed values, so every
// access goes through a byte view of the exact range being touched.
package mem

import (
	"unsafe"

	"github.com/joshuapare/hphakit/internal/format"
)

// Pointer converts a managed address to a pointer. 0 maps to nil.
func Pointer(addr uintptr) unsafe.Pointer {
	if addr == 0 {
		return nil
	}
	return unsafe.Pointer(addr) //nolint:govet // managed memory is outside the Go heap
}

// Addr converts a pointer to its address.
func Addr(p unsafe.Pointer) uintptr {
	return uintptr(p)
}

// View returns an n-byte slice over the memory at addr.
func View(addr, n uintptr) []byte {
	return unsafe.Slice((*byte)(Pointer(addr)), n)
}

// Load64 reads the header word at addr.
func Load64(addr uintptr) uint64 {
	return format.ReadU64(View(addr, 8), 0)
}

// Store64 writes the header word at addr.
func Store64(addr uintptr, v uint64) {
	format.PutU64(View(addr, 8), 0, v)
}

// LoadAddr reads an address stored at addr.
func LoadAddr(addr uintptr) uintptr {
	return uintptr(Load64(addr))
}

// StoreAddr writes an address at addr.
func StoreAddr(addr, v uintptr) {
	Store64(addr, uint64(v))
}

// Load16 reads a 16-bit header field at addr.
func Load16(addr uintptr) uint16 {
	return format.ReadU16(View(addr, 2), 0)
}

// Store16 writes a 16-bit header field at addr.
func Store16(addr uintptr, v uint16) {
	format.PutU16(View(addr, 2), 0, v)
}

// Move copies n bytes from src to dst. The ranges may overlap.
func Move(dst, src, n uintptr) {
	if n == 0 || dst == src {
		return
	}
	copy(View(dst, n), View(src, n))
}

// Fill sets n bytes at addr to b.
func Fill(addr, n uintptr, b byte) {
	if n == 0 {
		return
	}
	v := View(addr, n)
	for i := range v {
		v[i] = b
	}
}

// Clear zeroes n bytes at addr.
func Clear(addr, n uintptr) {
	if n == 0 {
		return
	}
	clear(View(addr, n))
}

package testutil

import (
	"unsafe"
)

// patternByte is the byte stored at offset i of an allocation stamped with seed.
func patternByte(seed uint32, i int) byte {
	return byte(seed*2654435761>>24) ^ byte(i*31)
}

// Fill stamps n bytes at p with a pattern derived from seed.
func Fill(p unsafe.Pointer, n int, seed uint32) {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = patternByte(seed, i)
	}
}

// Verify reports the first offset where the n bytes at p differ from the
// pattern of seed, or -1 if they all match.
func Verify(p unsafe.Pointer, n int, seed uint32) int {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		if b[i] != patternByte(seed, i) {
			return i
		}
	}
	return -1
}

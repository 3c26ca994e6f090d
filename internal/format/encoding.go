package format

import "encoding/binary"

// Header words are stored little-endian regardless of host order so that a
// dump of a page or span reads the same on every platform.

// PutU16 writes a uint16 value to the buffer at the specified offset.
func PutU16(b []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(b[off:off+2], v)
}

// PutU64 writes a uint64 value to the buffer at the specified offset.
func PutU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

// ReadU16 reads a uint16 value from the buffer at the specified offset.
func ReadU16(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off : off+2])
}

// ReadU64 reads a uint64 value from the buffer at the specified offset.
func ReadU64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

// PackBlockWord builds the size word of a block header.
func PackBlockWord(size uintptr, used bool, tag uint16) uint64 {
	w := uint64(size) & BlockSizeMask
	if used {
		w |= BlockUsedFlag
	}
	return w | uint64(tag)<<BlockTagShift
}

// UnpackBlockWord splits a block size word into its fields.
func UnpackBlockWord(w uint64) (size uintptr, used bool, tag uint16) {
	return uintptr(w & BlockSizeMask), w&BlockUsedFlag != 0, uint16(w >> BlockTagShift)
}

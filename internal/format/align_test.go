package format

import "testing"

func TestAlignUp(t *testing.T) {
	tests := []struct {
		n, align, want uintptr
	}{
		{0, 16, 0},
		{1, 16, 16},
		{16, 16, 16},
		{17, 16, 32},
		{4095, 4096, 4096},
		{4097, 4096, 8192},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.n, tt.align); got != tt.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tt.n, tt.align, got, tt.want)
		}
	}
}

func TestAlignmentOffset(t *testing.T) {
	if got := AlignmentOffset(0x1000, 64); got != 0 {
		t.Fatalf("aligned address offset = %d", got)
	}
	if got := AlignmentOffset(0x1010, 64); got != 0x30 {
		t.Fatalf("offset = %#x, want 0x30", got)
	}
}

func TestBucketIndex(t *testing.T) {
	tests := []struct {
		size uintptr
		want int
	}{
		{0, 0},
		{1, 0},
		{8, 0},
		{9, 1},
		{16, 1},
		{17, 2},
		{255, 31},
		{256, 31},
	}
	for _, tt := range tests {
		if got := BucketIndex(tt.size); got != tt.want {
			t.Errorf("BucketIndex(%d) = %d, want %d", tt.size, got, tt.want)
		}
		if tt.size > 0 && BucketElemSize(BucketIndex(tt.size)) < tt.size {
			t.Errorf("class of %d too small", tt.size)
		}
	}
	if NumBuckets != 32 {
		t.Fatalf("NumBuckets = %d", NumBuckets)
	}
}

func TestBucketIndexAligned(t *testing.T) {
	for _, align := range []uintptr{1, 2, 4, 8, 16, 32, 64, 128, 256} {
		for size := uintptr(1); size <= MaxSmallAllocation; size++ {
			idx := BucketIndexAligned(size, align)
			if idx < 0 || idx >= NumBuckets {
				t.Fatalf("size %d align %d: index %d out of range", size, align, idx)
			}
			elem := BucketElemSize(idx)
			if elem < size {
				t.Fatalf("size %d align %d: elem %d too small", size, align, elem)
			}
			if align > DefaultAlignment && elem%align != 0 {
				t.Fatalf("size %d align %d: elem %d not a multiple", size, align, elem)
			}
		}
	}
}

func TestBlockWord(t *testing.T) {
	w := PackBlockWord(4096, true, 0xbeef)
	size, used, tag := UnpackBlockWord(w)
	if size != 4096 || !used || tag != 0xbeef {
		t.Fatalf("unpacked (%d, %v, %#x)", size, used, tag)
	}
	if w&BlockFlagsMask != BlockUsedFlag {
		t.Fatalf("flag bits %#x", w&BlockFlagsMask)
	}
	size, used, tag = UnpackBlockWord(PackBlockWord(32, false, 0))
	if size != 32 || used || tag != 0 {
		t.Fatalf("unpacked (%d, %v, %#x)", size, used, tag)
	}
}

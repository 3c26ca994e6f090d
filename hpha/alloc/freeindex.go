package alloc

import (
	"github.com/google/btree"

	"github.com/joshuapare/hphakit/internal/format"
)

// freeNode is one free tree block, ordered by size then address so the
// first node at or above a size is the best (and lowest) fit.
type freeNode struct {
	size uintptr
	addr uintptr
}

func lessFreeNode(a, b freeNode) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.addr < b.addr
}

// freeIndex is the ordered multiset of free tree blocks. Guarded by the
// tree mutex.
type freeIndex struct {
	t     *btree.BTreeG[freeNode]
	bytes uintptr
}

func newFreeIndex() *freeIndex {
	return &freeIndex{t: btree.NewG(32, lessFreeNode)}
}

// attach indexes the free block b. Its size must not change until detach.
func (f *freeIndex) attach(b uintptr) {
	n := freeNode{size: blockSize(b), addr: b}
	if _, replaced := f.t.ReplaceOrInsert(n); !replaced {
		f.bytes += n.size
	}
}

// detach removes b from the index; it reports whether b was present.
func (f *freeIndex) detach(b uintptr) bool {
	n, ok := f.t.Delete(freeNode{size: blockSize(b), addr: b})
	if ok {
		f.bytes -= n.size
	}
	return ok
}

func (f *freeIndex) contains(b uintptr) bool {
	return f.t.Has(freeNode{size: blockSize(b), addr: b})
}

// extract detaches and returns the best fit for size, or 0.
func (f *freeIndex) extract(size uintptr) uintptr {
	var found uintptr
	f.t.AscendGreaterOrEqual(freeNode{size: size}, func(n freeNode) bool {
		found = n.addr
		return false
	})
	if found != 0 {
		f.detach(found)
	}
	return found
}

// extractAligned detaches the smallest block that fits size bytes once its
// payload is aligned. Blocks below size+align+minAlignGap are checked
// individually; any block from there up always fits.
func (f *freeIndex) extractAligned(size, align uintptr) uintptr {
	upper := size + align + minAlignGap
	var found uintptr
	f.t.AscendGreaterOrEqual(freeNode{size: size}, func(n freeNode) bool {
		if n.size >= upper || n.size >= size+alignGap(blockMem(n.addr), align) {
			found = n.addr
			return false
		}
		return true
	})
	if found != 0 {
		f.detach(found)
	}
	return found
}

// extractPage detaches a block that can hold a pool page whose header is
// aligned to pageSize.
func (f *freeIndex) extractPage(pageSize uintptr) uintptr {
	upper := 2*pageSize + minAlignGap
	var found uintptr
	f.t.AscendGreaterOrEqual(freeNode{size: pageSize - format.BlockHeaderSize}, func(n freeNode) bool {
		if n.size >= upper || n.size+format.BlockHeaderSize >= pageSize+alignGap(n.addr, pageSize) {
			found = n.addr
			return false
		}
		return true
	})
	if found != 0 {
		f.detach(found)
	}
	return found
}

// max returns the largest free payload, or 0.
func (f *freeIndex) max() uintptr {
	n, ok := f.t.Max()
	if !ok {
		return 0
	}
	return n.size
}

func (f *freeIndex) len() int {
	return f.t.Len()
}

// candidates returns the free blocks of at least size bytes.
func (f *freeIndex) candidates(size uintptr) []uintptr {
	var out []uintptr
	f.t.AscendGreaterOrEqual(freeNode{size: size}, func(n freeNode) bool {
		out = append(out, n.addr)
		return true
	})
	return out
}

func (f *freeIndex) ascend(fn func(n freeNode) bool) {
	f.t.Ascend(fn)
}

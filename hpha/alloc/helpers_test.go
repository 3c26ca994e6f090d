package alloc

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// newTestAllocator builds an allocator over OS pages and closes it when the
// test ends.
func newTestAllocator(t testing.TB, opts ...func(*Descriptor)) *HpAllocator {
	t.Helper()
	var d Descriptor
	for _, opt := range opts {
		opt(&d)
	}
	a, err := New(d)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func withoutPooling(d *Descriptor) { d.DisablePooling = true }

func withChecking(d *Descriptor) { d.Checked = true }

// requirePanicIs runs fn and requires it to panic with an error matching target.
func requirePanicIs(t *testing.T, target error, fn func()) {
	t.Helper()
	var recovered any
	func() {
		defer func() { recovered = recover() }()
		fn()
	}()
	require.NotNil(t, recovered, "expected a panic")
	err, ok := recovered.(error)
	require.True(t, ok, "panic value %v is not an error", recovered)
	require.True(t, errors.Is(err, target), "panic %v is not %v", err, target)
}

func addr(p unsafe.Pointer) uintptr {
	return uintptr(p)
}

func bytesAt(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

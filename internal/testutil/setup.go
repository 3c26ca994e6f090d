// Package testutil holds helpers shared by the allocator tests: fixed
// memory blocks backed by OS pages, payload patterns and overlap tracking.
package testutil

import (
	"bytes"
	"log/slog"
	"testing"
	"unsafe"

	"github.com/joshuapare/hphakit/hpha/sysalloc"
)

// FixedBlock maps size bytes aligned to align from the OS and unmaps them
// when the test ends. The block lives outside the Go heap.
//
// Example:
//
//	block := testutil.FixedBlock(t, 1<<20, 4096)
//	a, err := alloc.New(alloc.Descriptor{FixedMemoryBlock: block})
func FixedBlock(t testing.TB, size, align int) []byte {
	t.Helper()
	sys := sysalloc.NewOS()
	p := sys.SystemAlloc(uintptr(size), uintptr(align))
	if p == nil {
		t.Fatalf("mapping %d bytes failed", size)
	}
	t.Cleanup(func() { sys.SystemFree(p, uintptr(size)) })
	return unsafe.Slice((*byte)(p), size)
}

// Logger returns a debug-level logger writing into the returned buffer, for
// tests that assert on log output.
func Logger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

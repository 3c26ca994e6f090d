package testutil

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestFindOverlaps(t *testing.T) {
	got := FindOverlaps([]Span{
		{Start: 100, Size: 10},
		{Start: 0, Size: 50},
		{Start: 50, Size: 50},
		{Start: 105, Size: 1},
	})
	assert.Equal(t, [][2]Span{{{Start: 100, Size: 10}, {Start: 105, Size: 1}}}, got)
}

func TestPattern(t *testing.T) {
	buf := make([]byte, 64)
	p := &buf[0]
	Fill(unsafe.Pointer(p), len(buf), 7)
	assert.Equal(t, -1, Verify(unsafe.Pointer(p), len(buf), 7))
	buf[10]++
	assert.Equal(t, 10, Verify(unsafe.Pointer(p), len(buf), 7))
}

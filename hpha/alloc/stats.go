package alloc

import (
	"fmt"
	"io"
	"sync/atomic"
)

// counters are updated without locks; a Stats snapshot may be slightly
// inconsistent under concurrent use.
type counters struct {
	pagesGrown        atomic.Int64
	pagesReleased     atomic.Int64
	pagesLive         atomic.Int64
	spansGrown        atomic.Int64
	spansReleased     atomic.Int64
	releasedBytes     atomic.Int64
	splits            atomic.Int64
	coalescedForward  atomic.Int64
	coalescedBackward atomic.Int64
	inPlaceReallocs   atomic.Int64
	movedReallocs     atomic.Int64
}

// Stats is a snapshot of allocator activity.
type Stats struct {
	AllocatedBuckets int64 `json:"allocated_buckets"`
	AllocatedTree    int64 `json:"allocated_tree"`

	BucketPages   int64 `json:"bucket_pages"`
	PagesGrown    int64 `json:"pages_grown"`
	PagesReleased int64 `json:"pages_released"`

	Spans         int   `json:"spans"`
	SpanBytes     int64 `json:"span_bytes"`
	SpansGrown    int64 `json:"spans_grown"`
	SpansReleased int64 `json:"spans_released"`
	ReleasedBytes int64 `json:"released_bytes"`

	FreeBlocks int   `json:"free_blocks"`
	FreeBytes  int64 `json:"free_bytes"`

	Splits            int64 `json:"splits"`
	CoalescedForward  int64 `json:"coalesced_forward"`
	CoalescedBackward int64 `json:"coalesced_backward"`
	InPlaceReallocs   int64 `json:"in_place_reallocs"`
	MovedReallocs     int64 `json:"moved_reallocs"`
}

// Stats returns a snapshot of the allocator's counters and tree shape.
func (a *HpAllocator) Stats() Stats {
	s := Stats{
		AllocatedBuckets:  a.allocatedBuckets.Load(),
		AllocatedTree:     a.allocatedTree.Load(),
		BucketPages:       a.stats.pagesLive.Load(),
		PagesGrown:        a.stats.pagesGrown.Load(),
		PagesReleased:     a.stats.pagesReleased.Load(),
		SpansGrown:        a.stats.spansGrown.Load(),
		SpansReleased:     a.stats.spansReleased.Load(),
		ReleasedBytes:     a.stats.releasedBytes.Load(),
		Splits:            a.stats.splits.Load(),
		CoalescedForward:  a.stats.coalescedForward.Load(),
		CoalescedBackward: a.stats.coalescedBackward.Load(),
		InPlaceReallocs:   a.stats.inPlaceReallocs.Load(),
		MovedReallocs:     a.stats.movedReallocs.Load(),
	}
	a.treeMu.Lock()
	s.Spans = len(a.spans)
	for _, size := range a.spans {
		s.SpanBytes += int64(size)
	}
	s.FreeBlocks = a.free.len()
	s.FreeBytes = int64(a.free.bytes)
	a.treeMu.Unlock()
	return s
}

// Fprint writes a human-readable summary of s to w.
func (s Stats) Fprint(w io.Writer) {
	fmt.Fprintf(w, "=== ALLOCATOR STATISTICS ===\n")
	fmt.Fprintf(w, "Allocated buckets:  %d bytes\n", s.AllocatedBuckets)
	fmt.Fprintf(w, "Allocated tree:     %d bytes\n", s.AllocatedTree)
	fmt.Fprintf(w, "Bucket pages:       %d (grown %d, released %d)\n",
		s.BucketPages, s.PagesGrown, s.PagesReleased)
	fmt.Fprintf(w, "Tree spans:         %d, %d bytes (grown %d, released %d)\n",
		s.Spans, s.SpanBytes, s.SpansGrown, s.SpansReleased)
	fmt.Fprintf(w, "Released to system: %d bytes\n", s.ReleasedBytes)
	fmt.Fprintf(w, "Free blocks:        %d, %d bytes\n", s.FreeBlocks, s.FreeBytes)
	fmt.Fprintf(w, "Splits:             %d\n", s.Splits)
	fmt.Fprintf(w, "Coalesce fwd/back:  %d / %d\n", s.CoalescedForward, s.CoalescedBackward)
	fmt.Fprintf(w, "Realloc in place:   %d (moved %d)\n", s.InPlaceReallocs, s.MovedReallocs)
}

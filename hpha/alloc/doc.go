// Package alloc implements HpAllocator, a hybrid heap for raw memory.
//
// Small requests (up to MaxSmallAllocation bytes with at most that much
// alignment) are served from buckets: one per 8-byte size class, each a list
// of pool pages carved into equal elements. Everything else is served from
// the tree: spans of raw memory split into blocks with in-band headers, with
// free blocks indexed by (size, address) so every allocation is a best fit.
//
// # Memory layout
//
// A pool page is aligned to the pool page size. Its 64-byte header sits at
// the page start and elements are carved from the page end backwards:
//
//	| reserved | next | prev | free | marker | bucket | uses | ... | elem | elem |
//
// Any element address masked down to the pool page size yields its page
// header. The marker (bucket marker XOR page address) identifies bucket
// memory without a side table.
//
// A tree span is fenced on both sides so coalescing never walks off it:
//
//	| front fence | block | block | ... | back fence |
//
// Each block header holds the previous block's address and a size word
// carrying the used flag and the allocator's identity tag.
//
// # Modes
//
// By default pages and spans come from a sysalloc.Allocator (anonymous OS
// mappings). With a fixed memory block the tree manages that block only and
// bucket pages are carved from the tree.
//
// # Concurrency
//
// Every bucket has its own mutex and the tree has one. Growth of a bucket in
// fixed-block mode takes the bucket lock and then the tree lock; nothing takes
// them in the other order.
//
// # Checking
//
// With Descriptor.Checked or the hphadebug build tag, usage errors such as
// double frees, foreign pointers and size mismatches panic with an error
// wrapping one of the sentinel errors below. Without checking they are
// undefined behaviour.
package alloc

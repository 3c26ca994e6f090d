//go:build !hphadebug

package alloc

// checkedBuild forces checking on every allocator (hphadebug build tag).
const checkedBuild = false

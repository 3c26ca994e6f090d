//go:build hphadebug

package hpha

// debugBuild wraps every schema in the guard decorator (hphadebug build tag).
const debugBuild = true

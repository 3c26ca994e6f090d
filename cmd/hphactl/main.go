// Command hphactl exercises the hpha allocator: benchmarks, stress runs,
// configuration inspection and an interactive shell.
package main

func main() {
	execute()
}

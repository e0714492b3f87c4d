//go:build !unix

package main

import "os"

// shutdownSignals traps only the interrupt-equivalent signal on
// platforms without POSIX signal numbers, per spec.md §5.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

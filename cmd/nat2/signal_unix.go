//go:build unix

package main

import (
	"os"
	"syscall"
)

// shutdownSignals are the signals that trigger graceful shutdown.
// Unix builds trap both SIGINT and SIGTERM, per spec.md §5.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

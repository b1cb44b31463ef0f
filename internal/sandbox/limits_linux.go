//go:build linux

package sandbox

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

const maxOpenFiles = 256

// applyLimits bounds CPU time and open files for the worker process. The
// CPU limit leaves one second past the wall-clock timeout so the parent's
// deadline normally fires first.
func applyLimits(l Limits) error {
	if l.Timeout > 0 {
		secs := uint64(math.Ceil(l.Timeout.Seconds())) + 1
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: secs, Max: secs + 1}); err != nil {
			return fmt.Errorf("setting RLIMIT_CPU: %w", err)
		}
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: maxOpenFiles, Max: maxOpenFiles}); err != nil {
		return fmt.Errorf("setting RLIMIT_NOFILE: %w", err)
	}
	return nil
}

package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"runtime/debug"
	"runtime/metrics"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/failure"
)

const watchdogInterval = 25 * time.Millisecond

// exit is replaced in tests.
var exit = os.Exit

// ServeWorker runs one job read as JSON from in and writes NDJSON frames to
// out. It returns the process exit code. It backs `tracery worker`, which
// is started by the subprocess and container runners.
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer) int {
	var job Job
	if err := json.NewDecoder(in).Decode(&job); err != nil {
		log.Error().Err(err).Msg("Failed to decode job")
		return ExitBadJob
	}

	fw := newFrameWriter(out)

	if err := applyLimits(job.Limits); err != nil {
		log.Warn().Err(err).Msg("Failed to apply resource limits")
	}

	if job.Limits.MemoryMB > 0 {
		limit := int64(job.Limits.MemoryMB) << 20
		debug.SetMemoryLimit(limit)
		stop := watchMemory(limit, func(used uint64) {
			log.Error().
				Str("execution_id", job.Context.ExecutionID).
				Uint64("heap_bytes", used).
				Msg("Memory limit exceeded")
			_ = fw.result(Failed(failure.New(failure.ResourceExceeded, "memory limit of %d MB exceeded", job.Limits.MemoryMB)))
			exit(ExitMemoryExceeded)
		})
		defer stop()
	}

	res := NewInProcess(nil).Run(ctx, &job, fw)
	if err := fw.result(res); err != nil {
		log.Error().Err(err).Msg("Failed to write result")
		return ExitBadJob
	}
	return ExitOK
}

// watchMemory polls the live heap and calls exceeded once it passes limit.
func watchMemory(limit int64, exceeded func(used uint64)) (stop func()) {
	done := make(chan struct{})
	samples := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}

	go func() {
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				metrics.Read(samples)
				if samples[0].Value.Kind() != metrics.KindUint64 {
					continue
				}
				if used := samples[0].Value.Uint64(); used > uint64(limit) {
					exceeded(used)
					return
				}
			}
		}
	}()

	return func() { close(done) }
}

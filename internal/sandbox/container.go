package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/events"
)

const (
	// containerLabelKey marks containers started by tracery.
	containerLabelKey = "io.tracery.managed"
	// containerIDLogLength is the length of container names shown in logs.
	containerIDLogLength = 20
)

// Container runs each job in a one-shot `docker|podman run --rm -i`
// container whose entrypoint is `tracery worker`.
type Container struct {
	runtime string
	image   string
	cpus    float64
	network string
}

// NewContainer creates a container runner and checks that the runtime is
// installed.
func NewContainer(cfg config.ContainerConfig) (*Container, error) {
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "docker"
	}

	if err := exec.Command(runtime, "version").Run(); err != nil { //nolint:gosec // runtime is controlled by config
		return nil, fmt.Errorf("container runtime %q not available: %w", runtime, err)
	}

	network := cfg.Network
	if network == "" {
		network = "none"
	}

	return &Container{
		runtime: runtime,
		image:   cfg.Image,
		cpus:    cfg.CPUs,
		network: network,
	}, nil
}

func (r *Container) args(name string, limits Limits) []string {
	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"--network", r.network,
		"--label", containerLabelKey + "=true",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	}
	if limits.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", limits.MemoryMB))
	}
	if r.cpus > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", r.cpus))
	}
	return append(args, r.image, "tracery", "worker")
}

func (r *Container) Run(ctx context.Context, job *Job, sink events.Sink) *Result {
	name := "tracery-" + uuid.New().String()[:8]

	log.Debug().
		Str("execution_id", job.Context.ExecutionID).
		Str("image", r.image).
		Str("container", name).
		Msg("Starting worker container")

	cmd := exec.Command(r.runtime, r.args(name, job.Limits)...) //nolint:gosec // runtime is controlled by config
	return runWorker(ctx, job, sink, cmd, func(cmd *exec.Cmd) error {
		r.remove(name)
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return nil
	})
}

// remove force-removes a container. The context is not the job's, which has
// already ended when this runs.
func (r *Container) remove(name string) {
	out, err := exec.CommandContext(context.Background(), r.runtime, "rm", "-f", name).CombinedOutput() //nolint:gosec // runtime is controlled
	if err != nil {
		log.Warn().Err(err).
			Str("container", name[:min(containerIDLogLength, len(name))]).
			Str("output", strings.TrimSpace(string(out))).
			Msg("Failed to remove worker container")
	}
}

// CleanupStale removes worker containers left over from a previous run.
func (r *Container) CleanupStale(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.runtime, "ps", "-a", "-q", "--filter", "label="+containerLabelKey) //nolint:gosec // runtime is controlled
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("failed to list stale containers: %w", err)
	}

	ids := strings.Fields(string(output))
	if len(ids) == 0 {
		return nil
	}

	log.Info().Int("count", len(ids)).Msg("Cleaning up stale worker containers")
	for _, id := range ids {
		r.remove(id)
	}
	return nil
}

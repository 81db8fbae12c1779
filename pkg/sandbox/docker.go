package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

const (
	// containerLabel marks every container this runtime creates so that
	// listing and cleanup can find them later.
	containerLabel = "sera.sandbox=1"

	// workspacePath is the fixed mount point inside containers.
	workspacePath = "/workspace"

	probeTimeout  = 10 * time.Second
	probeCacheTTL = 30 * time.Second
)

// dockerAvailable probes the docker daemon once, uncached.
func dockerAvailable(ctx context.Context, cli string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return exec.CommandContext(probeCtx, cli, "info").Run() == nil
}

// DockerRuntime executes commands in ephemeral containers. Containers
// are never reused: every Run is a one-shot `docker run --rm`.
type DockerRuntime struct {
	policy   Policy
	registry *Registry
	cli      string

	mu        sync.Mutex
	probedAt  time.Time
	available bool
}

// NewDockerRuntime creates a docker-backed runtime. registry records
// every container creation and may be nil.
func NewDockerRuntime(policy Policy, registry *Registry) *DockerRuntime {
	return &DockerRuntime{
		policy:   policy,
		registry: registry,
		cli:      "docker",
	}
}

// Available reports whether the docker daemon is reachable. The probe
// result is cached so per-command checks stay cheap.
func (d *DockerRuntime) Available(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.probedAt.IsZero() && time.Since(d.probedAt) < probeCacheTTL {
		return d.available
	}

	d.available = dockerAvailable(ctx, d.cli)
	d.probedAt = time.Now()
	if !d.available {
		log.Debug().Msg("Docker daemon probe failed")
	}
	return d.available
}

// Run executes one command in a fresh container. The context deadline is
// the hard timeout; a container that outlives a killed client is reaped
// by the registry sweep.
func (d *DockerRuntime) Run(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return ExecResult{Backend: BackendIsolated}, fmt.Errorf("command is required")
	}

	hostPath := strings.TrimSpace(d.policy.WorkspaceMount)
	if hostPath == "" {
		hostPath = strings.TrimSpace(req.Cwd)
	}
	if hostPath == "" {
		return ExecResult{Backend: BackendIsolated}, fmt.Errorf("workspace path is required")
	}
	if _, err := os.Stat(hostPath); err != nil {
		return ExecResult{Backend: BackendIsolated}, fmt.Errorf("workspace path does not exist: %s", hostPath)
	}

	name, err := containerName()
	if err != nil {
		return ExecResult{Backend: BackendIsolated}, err
	}

	timeout := d.policy.timeout(req)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := d.buildRunArgs(name, hostPath, req)
	cmd := exec.CommandContext(execCtx, d.cli, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	if d.registry != nil {
		d.registry.RecordCreated(ContextRecord{
			ID:        name,
			Name:      name,
			Image:     d.policy.Image,
			Labels:    containerLabel,
			CreatedAt: time.Now(),
		})
	}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Backend:  BackendIsolated,
			Duration: duration,
			TimedOut: true,
		}, ErrExecutionTimeout
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if errors.Is(runErr, exec.ErrNotFound) {
			return ExecResult{Backend: BackendIsolated, Duration: duration},
				fmt.Errorf("%w: docker CLI not found", ErrSandboxUnavailable)
		} else {
			return ExecResult{Backend: BackendIsolated, Duration: duration},
				fmt.Errorf("docker run failed: %w", runErr)
		}
	}

	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Backend:  BackendIsolated,
		Duration: duration,
	}

	log.Debug().
		Str("container", name).
		Str("image", d.policy.Image).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("Command executed in docker sandbox")

	return result, nil
}

// buildRunArgs assembles the docker run invocation: named, labeled,
// workspace mounted at a fixed path, network restricted by policy.
func (d *DockerRuntime) buildRunArgs(name, hostPath string, req ExecRequest) []string {
	args := []string{"run", "--rm", "--name", name, "--label", containerLabel}

	args = append(args, "-v", fmt.Sprintf("%s:%s", hostPath, workspacePath))
	args = append(args, "-w", workspacePath)

	network := strings.TrimSpace(d.policy.NetworkMode)
	if network == "" {
		network = "none"
	}
	args = append(args, "--network", network)

	if user := strings.TrimSpace(d.policy.User); user != "" {
		args = append(args, "--user", user)
	}

	envKeys := make([]string, 0, len(req.Env))
	for key := range req.Env {
		envKeys = append(envKeys, key)
	}
	sort.Strings(envKeys)
	for _, key := range envKeys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, req.Env[key]))
	}

	if len(req.Stdin) > 0 {
		args = append(args, "-i")
	}

	image := strings.TrimSpace(d.policy.Image)
	if image == "" {
		image = DefaultPolicy().Image
	}
	args = append(args, image, "sh", "-c", req.Command)

	return args
}

func containerName() (string, error) {
	id, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 12)
	if err != nil {
		return "", fmt.Errorf("failed to generate container name: %w", err)
	}
	return "sera-sbx-" + id, nil
}

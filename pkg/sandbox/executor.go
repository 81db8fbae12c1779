package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/sera/internal/observability"
	"github.com/harun/sera/internal/tracing"
)

// Executor routes execution requests to the right backend and applies
// the safety guard and fallback policy.
type Executor struct {
	policy Policy
	guard  *Guard
	docker *DockerRuntime
	host   *HostRuntime
	logger zerolog.Logger
}

// NewExecutor wires an executor from the policy. workspaceRoot anchors
// the guard's path checks; registry may be nil.
func NewExecutor(policy Policy, workspaceRoot string, registry *Registry, logger zerolog.Logger) (*Executor, error) {
	if err := ValidatePolicy(policy); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	guard, err := NewGuard(policy, workspaceRoot)
	if err != nil {
		return nil, err
	}

	return &Executor{
		policy: policy,
		guard:  guard,
		docker: NewDockerRuntime(policy, registry),
		host:   NewHostRuntime(policy),
		logger: logger,
	}, nil
}

// Policy returns the active execution policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs one command under the policy. Guard violations and
// backend unavailability are errors; command failures and timeouts are
// results.
func (e *Executor) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	logger := tracing.LoggerFromContext(ctx, e.logger)

	if err := e.guard.Check(req.Command, req.Cwd); err != nil {
		logger.Warn().
			Err(err).
			Str("command", req.Command).
			Msg("Command rejected by safety guard")
		return ExecResult{}, err
	}

	if !e.policy.Enabled {
		return e.runDirect(ctx, req, "")
	}

	if !e.docker.Available(ctx) {
		if !e.policy.FallbackEnabled {
			return ExecResult{}, fmt.Errorf("%w: docker daemon is not reachable", ErrSandboxUnavailable)
		}
		observability.RecordSandboxFallback()
		logger.Warn().
			Str("command", req.Command).
			Msg("Docker unavailable, running on host instead")
		return e.runDirect(ctx, req, "Docker unavailable; ran in host")
	}

	result, err := e.docker.Run(ctx, req)
	observability.RecordSandboxExecution(string(BackendIsolated), result.Duration, err == nil && result.ExitCode == 0)
	if err == nil || errors.Is(err, ErrExecutionTimeout) {
		// A timeout inside the container is a final result, never a
		// reason to rerun the command on the host.
		return result, err
	}

	if !e.policy.FallbackEnabled {
		return result, err
	}

	observability.RecordSandboxFallback()
	logger.Warn().
		Err(err).
		Str("command", req.Command).
		Msg("Docker execution failed, running on host instead")
	return e.runDirect(ctx, req, fmt.Sprintf("Docker failed (%v); ran in host", err))
}

// runDirect executes on the host, annotating stdout when this is a
// fallback from the isolated backend.
func (e *Executor) runDirect(ctx context.Context, req ExecRequest, fallbackReason string) (ExecResult, error) {
	result, err := e.host.Run(ctx, req)
	observability.RecordSandboxExecution(string(BackendDirect), result.Duration, err == nil && result.ExitCode == 0)

	if fallbackReason != "" {
		out := strings.TrimRight(result.Stdout, "\n")
		if out == "" {
			out = "(no output)"
		}
		result.Stdout = fmt.Sprintf("%s\n[Sandbox fallback: %s]", out, fallbackReason)
	}

	return result, err
}

package sandbox

import (
	"context"
	"strings"
	"time"
)

// Backend identifies where a command actually ran.
type Backend string

const (
	// BackendIsolated runs commands inside an ephemeral Docker container.
	BackendIsolated Backend = "docker"
	// BackendDirect runs commands as plain host subprocesses.
	BackendDirect Backend = "direct"
)

// Policy defines how commands are executed and guarded.
type Policy struct {
	// Enabled routes eligible commands through the isolated backend.
	Enabled bool `json:"enabled"`

	// Image is the container image for isolated runs.
	Image string `json:"image"`

	// WorkspaceMount is the host path mounted at /workspace inside
	// containers. Empty means the request working directory is mounted.
	WorkspaceMount string `json:"workspace_mount"`

	// NetworkMode is the docker network mode (default "none").
	NetworkMode string `json:"network_mode"`

	// User is an optional uid[:gid] the container runs as.
	User string `json:"user"`

	// TimeoutSeconds is the default hard timeout per execution.
	TimeoutSeconds int `json:"timeout_seconds"`

	// ShellMode runs commands through a shell so pipes, redirects and
	// chaining work. When false, commands are split into argv and shell
	// metacharacters carry no meaning.
	ShellMode bool `json:"shell_mode"`

	// FallbackEnabled allows direct host execution when the isolated
	// backend is unavailable or fails before the command runs.
	FallbackEnabled bool `json:"fallback_enabled"`

	// RestrictToWorkspace enables the guard's path containment checks.
	RestrictToWorkspace bool `json:"restrict_to_workspace"`

	// DenyPatterns overrides the built-in dangerous command patterns.
	DenyPatterns []string `json:"deny_patterns,omitempty"`

	// AllowPatterns, when non-empty, switches the guard to allowlist
	// mode: only matching commands may run.
	AllowPatterns []string `json:"allow_patterns,omitempty"`
}

// ExecRequest represents one command execution.
type ExecRequest struct {
	// Command is the full command line.
	Command string `json:"command"`

	// Cwd is the working directory on the host.
	Cwd string `json:"cwd"`

	// Env are additional environment variables.
	Env map[string]string `json:"env,omitempty"`

	// Stdin is piped to the process when non-empty.
	Stdin []byte `json:"stdin,omitempty"`

	// Timeout overrides the policy timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ExecResult represents the outcome of one execution. A non-zero exit
// code is a result, not an error.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Backend  Backend       `json:"backend"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// Runtime executes commands on a specific backend.
type Runtime interface {
	// Run executes a single command and returns its result.
	Run(ctx context.Context, req ExecRequest) (ExecResult, error)

	// Available reports whether the backend can accept work right now.
	Available(ctx context.Context) bool
}

// defaultTimeoutSeconds is the hard execution deadline applied when
// neither the request nor the policy specifies one.
const defaultTimeoutSeconds = 120

// DefaultPolicy returns the default execution policy: isolation off,
// no network, host fallback allowed, workspace containment on.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:             false,
		Image:               "alpine:3.18",
		NetworkMode:         "none",
		TimeoutSeconds:      defaultTimeoutSeconds,
		ShellMode:           false,
		FallbackEnabled:     true,
		RestrictToWorkspace: true,
	}
}

// ValidatePolicy validates an execution policy.
func ValidatePolicy(p Policy) error {
	if p.TimeoutSeconds < 0 {
		return ErrInvalidTimeout
	}
	if p.Enabled && strings.TrimSpace(p.Image) == "" {
		return ErrImageRequired
	}
	return nil
}

// timeout resolves the effective deadline for a request.
func (p Policy) timeout(req ExecRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return defaultTimeoutSeconds * time.Second
}

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HostRuntime executes commands directly as host subprocesses.
type HostRuntime struct {
	policy Policy
}

// NewHostRuntime creates a host-backed runtime.
func NewHostRuntime(policy Policy) *HostRuntime {
	return &HostRuntime{policy: policy}
}

// Available always reports true: the host can always start a subprocess.
func (h *HostRuntime) Available(ctx context.Context) bool {
	return true
}

// Run executes one command as a subprocess. ShellMode runs the command
// line through `sh -c`; otherwise it is split into argv so that shell
// metacharacters carry no meaning.
func (h *HostRuntime) Run(ctx context.Context, req ExecRequest) (ExecResult, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return ExecResult{Backend: BackendDirect}, fmt.Errorf("command is required")
	}

	timeout := h.policy.timeout(req)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if h.policy.ShellMode {
		cmd = exec.CommandContext(execCtx, "sh", "-c", command)
	} else {
		argv, err := splitCommand(command)
		if err != nil {
			return ExecResult{Backend: BackendDirect}, err
		}
		if len(argv) == 0 {
			return ExecResult{Backend: BackendDirect}, fmt.Errorf("command is required")
		}
		cmd = exec.CommandContext(execCtx, argv[0], argv[1:]...)
	}

	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	cmd.Env = buildEnvironment(req.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Backend:  BackendDirect,
			Duration: duration,
			TimedOut: true,
		}, ErrExecutionTimeout
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}

	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Backend:  BackendDirect,
		Duration: duration,
	}

	if err != nil {
		return result, fmt.Errorf("failed to start command: %w", err)
	}

	log.Debug().
		Str("command", command).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("Command executed on host")

	return result, nil
}

// buildEnvironment merges the ambient environment with request overrides.
func buildEnvironment(env map[string]string) []string {
	result := os.Environ()

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		result = append(result, fmt.Sprintf("%s=%s", key, env[key]))
	}

	return result
}

// splitCommand splits a command line into argv, honoring single quotes,
// double quotes, and backslash escapes.
func splitCommand(command string) ([]string, error) {
	var argv []string
	var current strings.Builder
	var quote rune
	escaped := false
	inToken := false

	for _, r := range command {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\\':
			escaped = true
			inToken = true
		case quote == '"':
			if r == '"' {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				argv = append(argv, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}

	if escaped {
		return nil, fmt.Errorf("unterminated escape in command")
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	if inToken {
		argv = append(argv, current.String())
	}

	return argv, nil
}

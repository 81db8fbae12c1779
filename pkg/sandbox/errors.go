package sandbox

import "errors"

var (
	// ErrSandboxUnavailable is returned when the isolated backend cannot
	// run and host fallback is disabled.
	ErrSandboxUnavailable = errors.New("sandbox backend unavailable")

	// ErrExecutionTimeout is returned when execution exceeds its deadline.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrCommandBlocked is returned when the safety guard rejects a command.
	ErrCommandBlocked = errors.New("command blocked by safety guard")

	// ErrWorkspaceEscape is returned when a command references a path
	// outside the workspace while containment is enforced.
	ErrWorkspaceEscape = errors.New("path escapes the workspace")

	// ErrInvalidTimeout is returned when the policy timeout is negative.
	ErrInvalidTimeout = errors.New("invalid timeout (must be >= 0)")

	// ErrImageRequired is returned when isolation is enabled without an image.
	ErrImageRequired = errors.New("container image is required when isolation is enabled")

	// ErrEmptyContainerID is returned when a registry operation receives no id.
	ErrEmptyContainerID = errors.New("empty container id")
)

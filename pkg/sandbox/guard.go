package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Built-in dangerous command patterns, matched against the lowercased
// command line.
var defaultDenyPatterns = []string{
	`\brm\s+-[rf]{1,2}\b`,
	`\bdel\s+/[fq]\b`,
	`\brmdir\s+/s\b`,
	`\b(format|mkfs|diskpart)\b`,
	`\bdd\s+if=`,
	`>\s*/dev/sd`,
	`\b(shutdown|reboot|poweroff)\b`,
	`:\(\)\s*\{.*\};\s*:`,
}

var (
	shellMetacharPattern = regexp.MustCompile("[|&;<>()`$]")

	// Only absolute paths are extracted. Relative paths like
	// ".venv/bin/python" must not have their "/bin/python" suffix
	// mistaken for an absolute reference.
	absolutePathPattern = regexp.MustCompile(`(?:^|[\s|>])(/[^\s"'>]+)`)
)

// Guard vets commands before any process starts. Deny patterns always
// apply. A non-empty allow list switches the guard to allowlist mode.
// Path checks apply only when the policy restricts to the workspace.
type Guard struct {
	deny     []*regexp.Regexp
	allow    []*regexp.Regexp
	restrict bool
	shell    bool
	root     string
}

// NewGuard compiles guard rules from the policy. workspaceRoot is the
// directory commands must stay inside when RestrictToWorkspace is set;
// empty means the request working directory anchors the checks.
func NewGuard(policy Policy, workspaceRoot string) (*Guard, error) {
	denySrc := policy.DenyPatterns
	if len(denySrc) == 0 {
		denySrc = defaultDenyPatterns
	}
	deny := make([]*regexp.Regexp, 0, len(denySrc))
	for _, pattern := range denySrc {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", pattern, err)
		}
		deny = append(deny, re)
	}

	allow := make([]*regexp.Regexp, 0, len(policy.AllowPatterns))
	for _, pattern := range policy.AllowPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern %q: %w", pattern, err)
		}
		allow = append(allow, re)
	}

	root := strings.TrimSpace(workspaceRoot)
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}

	return &Guard{
		deny:     deny,
		allow:    allow,
		restrict: policy.RestrictToWorkspace,
		shell:    policy.ShellMode,
		root:     root,
	}, nil
}

// Check returns an error when the command must not run. Best effort:
// patterns and path extraction cannot catch every escape, the isolated
// backend is the real boundary.
func (g *Guard) Check(command, cwd string) error {
	cmd := strings.TrimSpace(command)
	lower := strings.ToLower(cmd)

	for _, re := range g.deny {
		if re.MatchString(lower) {
			return fmt.Errorf("%w: dangerous pattern detected", ErrCommandBlocked)
		}
	}

	if len(g.allow) > 0 {
		allowed := false
		for _, re := range g.allow {
			if re.MatchString(lower) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: not in allowlist", ErrCommandBlocked)
		}
	}

	if !g.restrict {
		return nil
	}

	if !g.shell && shellMetacharPattern.MatchString(cmd) {
		return fmt.Errorf("%w: shell metacharacters are not allowed", ErrCommandBlocked)
	}

	if strings.Contains(cmd, "../") || strings.Contains(cmd, `..\`) {
		return fmt.Errorf("%w: path traversal detected", ErrWorkspaceEscape)
	}

	root := g.root
	if root == "" {
		root = strings.TrimSpace(cwd)
	}
	if root == "" {
		return nil
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return nil
	}

	if cwd != "" {
		cwdAbs, err := filepath.Abs(cwd)
		if err == nil && !isWithin(rootAbs, cwdAbs) {
			return fmt.Errorf("%w: working directory outside allowed root", ErrWorkspaceEscape)
		}
	}

	for _, match := range absolutePathPattern.FindAllStringSubmatch(cmd, -1) {
		resolved := filepath.Clean(strings.TrimSpace(match[1]))
		if !isWithin(rootAbs, resolved) {
			return fmt.Errorf("%w: path outside working directory", ErrWorkspaceEscape)
		}
	}

	return nil
}

// isWithin reports whether path is root itself or contained in it.
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/sera/internal/observability"
	"github.com/harun/sera/internal/tracing"
)

const (
	listTimeout   = 15 * time.Second
	removeTimeout = 30 * time.Second

	// maxCleanupOps caps the retained cleanup audit log.
	maxCleanupOps = 100
)

// ContextRecord describes one execution context (container).
type ContextRecord struct {
	ID        string    `json:"id"`
	IDFull    string    `json:"idFull,omitempty"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	Labels    string    `json:"labels"`
	Browser   bool      `json:"browser"`
	CreatedAt time.Time `json:"createdAt"`
}

// CleanupFilter selects which contexts a bulk cleanup removes. An empty
// filter matches nothing.
type CleanupFilter struct {
	// All matches every context.
	All bool `json:"all"`

	// BrowserOnly restricts the sweep to browser contexts.
	BrowserOnly bool `json:"browserOnly"`

	// OlderThan matches contexts whose age is known and at least this.
	OlderThan time.Duration `json:"olderThan,omitempty"`
}

// CleanupOp is one recorded bulk cleanup operation.
type CleanupOp struct {
	RequestedAt     time.Time     `json:"requestedAt"`
	Filter          CleanupFilter `json:"filter"`
	Removed         []string      `json:"removed"`
	DockerAvailable bool          `json:"dockerAvailable"`
}

// matches reports whether the filter selects the record.
func (f CleanupFilter) matches(rec ContextRecord) bool {
	if f.BrowserOnly && !rec.Browser {
		return false
	}
	if f.All {
		return true
	}
	if f.OlderThan > 0 {
		return !rec.CreatedAt.IsZero() && time.Since(rec.CreatedAt) >= f.OlderThan
	}
	return f.BrowserOnly
}

// Registry tracks execution contexts created by the isolated backend
// and keeps a capped audit log of bulk cleanups. Docker is the source
// of truth when reachable; the in-memory records are the fallback and
// catch containers that outlived a killed client.
type Registry struct {
	cli string

	mu       sync.Mutex
	contexts []ContextRecord
	ops      []CleanupOp
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{cli: "docker"}
}

// RecordCreated registers a freshly created context.
func (r *Registry) RecordCreated(rec ContextRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if !rec.Browser {
		rec.Browser = isBrowserContext(rec.Name, rec.Labels)
	}

	r.mu.Lock()
	r.contexts = append(r.contexts, rec)
	r.mu.Unlock()
}

// List returns known execution contexts. Live containers win over
// registry entries with the same id; registry entries are the fallback
// when docker is down.
func (r *Registry) List(ctx context.Context, browserOnly bool) ([]ContextRecord, error) {
	out := []ContextRecord{}
	seen := make(map[string]struct{})

	if dockerAvailable(ctx, r.cli) {
		live, err := r.listLive(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to list sandbox containers")
		}
		for _, rec := range live {
			out = append(out, rec)
			seen[rec.ID] = struct{}{}
			if rec.IDFull != "" {
				seen[rec.IDFull] = struct{}{}
			}
			if rec.Name != "" {
				seen[rec.Name] = struct{}{}
			}
		}
	}

	r.mu.Lock()
	for _, rec := range r.contexts {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		if _, ok := seen[rec.Name]; ok {
			continue
		}
		out = append(out, rec)
	}
	r.mu.Unlock()

	if browserOnly {
		filtered := make([]ContextRecord, 0, len(out))
		for _, rec := range out {
			if rec.Browser {
				filtered = append(filtered, rec)
			}
		}
		out = filtered
	}

	return out, nil
}

// Remove force-removes one container and forgets its record.
func (r *Registry) Remove(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyContainerID
	}

	if err := r.removeLive(ctx, id); err != nil {
		return err
	}

	r.forget(map[string]struct{}{id: {}})
	return nil
}

// RemoveAll force-removes every context matching the filter. Registry
// entries matching the filter are pruned even when their container is
// already gone, since one-shot runs remove themselves. The operation is
// appended to the capped cleanup log.
func (r *Registry) RemoveAll(ctx context.Context, filter CleanupFilter) (CleanupOp, error) {
	op := CleanupOp{
		RequestedAt: time.Now(),
		Filter:      filter,
		Removed:     []string{},
	}

	removedIDs := make(map[string]struct{})
	op.DockerAvailable = dockerAvailable(ctx, r.cli)
	if op.DockerAvailable {
		live, err := r.listLive(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to list sandbox containers for cleanup")
		}
		for _, rec := range live {
			if !filter.matches(rec) {
				continue
			}
			target := rec.IDFull
			if target == "" {
				target = rec.ID
			}
			if err := r.removeLive(ctx, target); err != nil {
				log.Warn().Err(err).Str("container", rec.ID).Msg("Failed to remove sandbox container")
				continue
			}
			op.Removed = append(op.Removed, rec.ID)
			removedIDs[rec.ID] = struct{}{}
			if rec.IDFull != "" {
				removedIDs[rec.IDFull] = struct{}{}
			}
			if rec.Name != "" {
				removedIDs[rec.Name] = struct{}{}
			}
		}
	}

	r.mu.Lock()
	kept := r.contexts[:0]
	for _, rec := range r.contexts {
		if _, gone := removedIDs[rec.ID]; gone {
			continue
		}
		if filter.matches(rec) {
			continue
		}
		kept = append(kept, rec)
	}
	r.contexts = kept

	r.ops = append(r.ops, op)
	if len(r.ops) > maxCleanupOps {
		r.ops = r.ops[len(r.ops)-maxCleanupOps:]
	}
	r.mu.Unlock()

	observability.RecordSandboxAudit(ctx, "cleanup", tracing.GetSessionKey(ctx), "success", map[string]interface{}{
		"removed":          op.Removed,
		"docker_available": op.DockerAvailable,
		"all":              filter.All,
		"browser_only":     filter.BrowserOnly,
	})

	return op, nil
}

// CleanupOps returns the recorded cleanup operations, oldest first.
func (r *Registry) CleanupOps() []CleanupOp {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]CleanupOp, len(r.ops))
	copy(out, r.ops)
	return out
}

// ContextCount returns the number of in-memory context records.
func (r *Registry) ContextCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// psEntry matches the fields of `docker ps --format {{json .}}` output.
type psEntry struct {
	ID        string `json:"ID"`
	Names     string `json:"Names"`
	Image     string `json:"Image"`
	Labels    string `json:"Labels"`
	CreatedAt string `json:"CreatedAt"`
}

// dockerPSTimeLayout matches docker's CreatedAt rendering.
const dockerPSTimeLayout = "2006-01-02 15:04:05 -0700 MST"

// listLive asks docker for every container carrying the sandbox label.
func (r *Registry) listLive(ctx context.Context) ([]ContextRecord, error) {
	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	cmd := exec.CommandContext(listCtx, r.cli, "ps", "-a",
		"--filter", "label="+containerLabel,
		"--format", "{{json .}}")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("docker ps failed: %s", firstNonEmpty(strings.TrimSpace(stderr.String()), err.Error()))
	}

	var out []ContextRecord
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry psEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		rec := ContextRecord{
			IDFull:  entry.ID,
			ID:      entry.ID,
			Name:    entry.Names,
			Image:   entry.Image,
			Labels:  entry.Labels,
			Browser: isBrowserContext(entry.Names, entry.Labels),
		}
		if len(rec.ID) > 12 {
			rec.ID = rec.ID[:12]
		}
		if created, err := time.Parse(dockerPSTimeLayout, entry.CreatedAt); err == nil {
			rec.CreatedAt = created
		}
		out = append(out, rec)
	}

	return out, nil
}

// removeLive issues a docker rm -f for the container.
func (r *Registry) removeLive(ctx context.Context, id string) error {
	rmCtx, cancel := context.WithTimeout(ctx, removeTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(rmCtx, r.cli, "rm", "-f", id)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker rm failed: %s", firstNonEmpty(strings.TrimSpace(stderr.String()), err.Error()))
	}
	return nil
}

// forget drops in-memory records whose id, full id or name is in ids.
func (r *Registry) forget(ids map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.contexts[:0]
	for _, rec := range r.contexts {
		if _, ok := ids[rec.ID]; ok {
			continue
		}
		if _, ok := ids[rec.IDFull]; ok && rec.IDFull != "" {
			continue
		}
		if _, ok := ids[rec.Name]; ok && rec.Name != "" {
			continue
		}
		kept = append(kept, rec)
	}
	r.contexts = kept
}

// isBrowserContext reports whether a container belongs to a browser
// session, judged by its name or labels.
func isBrowserContext(name, labels string) bool {
	return strings.Contains(strings.ToLower(name), "browser") ||
		strings.Contains(strings.ToLower(labels), "browser")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

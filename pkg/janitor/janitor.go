// Package janitor runs scheduled maintenance: idle lane cleanup, stale
// sandbox context removal, and run log retention.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/sera/internal/observability"
	"github.com/harun/sera/pkg/sandbox"
)

// Task labels used in logs and sweep metrics.
const (
	TaskIdleLanes       = "idle_lanes"
	TaskSandboxContexts = "sandbox_contexts"
	TaskRunlogRetention = "runlog_retention"
)

const (
	defaultSweepSpec     = "@every 5m"
	defaultRetentionSpec = "@hourly"
	defaultIdleThreshold = 30 * time.Minute
	defaultSandboxMaxAge = 24 * time.Hour
	defaultRetention     = 7 * 24 * time.Hour

	// sweepTimeout bounds one sweep so a hung docker daemon cannot
	// wedge the schedule.
	sweepTimeout = time.Minute
)

// LaneSweeper is the scheduler surface the idle-lane sweep needs.
type LaneSweeper interface {
	IdleLanes(minIdle time.Duration) []string
	RemoveLane(sessionKey string) bool
}

// ContextSweeper removes sandbox execution contexts in bulk.
type ContextSweeper interface {
	RemoveAll(ctx context.Context, filter sandbox.CleanupFilter) (sandbox.CleanupOp, error)
}

// RunPruner deletes run log rows that ended before the cutoff.
type RunPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options configures the janitor. A nil collaborator disables its sweep.
type Options struct {
	// SweepSpec schedules the lane and sandbox sweeps (default every 5m).
	SweepSpec string

	// RetentionSpec schedules run log retention (default hourly).
	RetentionSpec string

	// IdleThreshold is how long a lane must sit idle and empty before
	// removal (default 30m).
	IdleThreshold time.Duration

	// SandboxMaxAge is the age past which execution contexts are
	// removed (default 24h).
	SandboxMaxAge time.Duration

	// Retention is how long terminal run rows are kept (default 7 days).
	Retention time.Duration

	Lanes    LaneSweeper
	Contexts ContextSweeper
	Runs     RunPruner
	Logger   zerolog.Logger
}

// Janitor owns the cron schedule for maintenance sweeps.
type Janitor struct {
	cron   *cron.Cron
	opts   Options
	logger zerolog.Logger
}

// New builds a janitor. Start arms the schedule.
func New(opts Options) (*Janitor, error) {
	observability.EnsureRegistered()

	if opts.Lanes == nil && opts.Contexts == nil && opts.Runs == nil {
		return nil, errors.New("at least one sweep target is required")
	}
	if opts.SweepSpec == "" {
		opts.SweepSpec = defaultSweepSpec
	}
	if opts.RetentionSpec == "" {
		opts.RetentionSpec = defaultRetentionSpec
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = defaultIdleThreshold
	}
	if opts.SandboxMaxAge <= 0 {
		opts.SandboxMaxAge = defaultSandboxMaxAge
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}

	j := &Janitor{
		cron:   cron.New(),
		opts:   opts,
		logger: opts.Logger,
	}

	if opts.Lanes != nil || opts.Contexts != nil {
		if _, err := j.cron.AddFunc(opts.SweepSpec, j.Sweep); err != nil {
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", opts.SweepSpec, err)
		}
	}
	if opts.Runs != nil {
		if _, err := j.cron.AddFunc(opts.RetentionSpec, j.PruneRuns); err != nil {
			return nil, fmt.Errorf("invalid retention schedule %q: %w", opts.RetentionSpec, err)
		}
	}

	return j, nil
}

// Start arms the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info().
		Str("sweep", j.opts.SweepSpec).
		Str("retention", j.opts.RetentionSpec).
		Msg("Janitor started")
}

// Stop halts the schedule and waits for a running sweep to finish, up
// to the context deadline.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.logger.Info().Msg("Janitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs the idle-lane and sandbox sweeps once, outside the
// schedule if needed.
func (j *Janitor) Sweep() {
	j.sweepLanes()
	j.sweepContexts()
}

func (j *Janitor) sweepLanes() {
	if j.opts.Lanes == nil {
		return
	}

	removed := 0
	for _, key := range j.opts.Lanes.IdleLanes(j.opts.IdleThreshold) {
		if j.opts.Lanes.RemoveLane(key) {
			removed++
		}
	}
	observability.RecordJanitorSweep(TaskIdleLanes)

	j.logger.Info().
		Int("removed", removed).
		Dur("idle_threshold", j.opts.IdleThreshold).
		Msg("Idle lane sweep finished")
}

func (j *Janitor) sweepContexts() {
	if j.opts.Contexts == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	op, err := j.opts.Contexts.RemoveAll(ctx, sandbox.CleanupFilter{OlderThan: j.opts.SandboxMaxAge})
	observability.RecordJanitorSweep(TaskSandboxContexts)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Sandbox context sweep failed")
		return
	}

	j.logger.Info().
		Int("removed", len(op.Removed)).
		Dur("max_age", j.opts.SandboxMaxAge).
		Bool("docker_available", op.DockerAvailable).
		Msg("Sandbox context sweep finished")
}

// PruneRuns applies run log retention once.
func (j *Janitor) PruneRuns() {
	if j.opts.Runs == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	cutoff := time.Now().Add(-j.opts.Retention)
	pruned, err := j.opts.Runs.DeleteOlderThan(ctx, cutoff)
	observability.RecordJanitorSweep(TaskRunlogRetention)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Run log retention failed")
		return
	}

	j.logger.Info().
		Int64("pruned", pruned).
		Time("cutoff", cutoff).
		Msg("Run log retention finished")
}

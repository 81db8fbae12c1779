package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/sera/internal/observability"
	"github.com/harun/sera/internal/tracing"
	"github.com/harun/sera/pkg/lane"
	"github.com/harun/sera/pkg/toolexecutor"
)

// RunRecord is the persisted view of a run's lifecycle.
type RunRecord struct {
	RunID      string    `json:"runId"`
	SessionKey string    `json:"sessionKey"`
	AgentID    string    `json:"agentId,omitempty"`
	Status     string    `json:"status"`
	StopReason string    `json:"stopReason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Iterations int       `json:"iterations"`
	Model      string    `json:"model,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	EndedAt    time.Time `json:"endedAt,omitempty"`
}

// RunRecorder persists run lifecycle records. Recorder failures are logged,
// never surfaced; losing a record must not fail the run.
type RunRecorder interface {
	RecordStart(ctx context.Context, record RunRecord) error
	RecordTerminal(ctx context.Context, record RunRecord) error
}

// RunEvent is the terminal notification for an admitted run. Type matches
// the terminal status: "final", "aborted" or "error".
type RunEvent struct {
	Type       string     `json:"type"`
	RunID      string     `json:"runId"`
	SessionKey string     `json:"sessionKey"`
	AgentID    string     `json:"agentId,omitempty"`
	Content    string     `json:"content,omitempty"`
	StopReason StopReason `json:"stopReason,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Notifier delivers terminal run events. Every admitted run produces exactly
// one event, including runs aborted while still queued.
type Notifier interface {
	Notify(ctx context.Context, event RunEvent)
}

// Config holds runner configuration
type Config struct {
	Provider  ModelProvider
	Executor  *toolexecutor.ToolExecutor
	Assembler Assembler
	Recorder  RunRecorder
	Notifier  Notifier
	Logger    zerolog.Logger
	Loop      LoopConfig

	// WorkingDir is handed to tool handlers through the execution context.
	WorkingDir string

	// MaxPending and DedupTTL configure the underlying lane scheduler.
	MaxPending int
	DedupTTL   time.Duration

	// CooldownBase and CooldownCap tune model failure cooldowns.
	CooldownBase time.Duration
	CooldownCap  time.Duration
}

// Runner owns the lane scheduler and executes admitted runs through the
// model/tool loop. Runs in different sessions proceed concurrently; runs in
// the same session are serialized by the scheduler.
type Runner struct {
	scheduler *lane.Scheduler
	executor  *toolexecutor.ToolExecutor
	assembler Assembler
	cooldowns *CooldownTable
	loop      *Loop
	recorder  RunRecorder
	notifier  Notifier
	logger    zerolog.Logger
	config    Config

	// Active runs for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// NewRunner creates a new agent runner and its lane scheduler
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Loop.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	assembler := cfg.Assembler
	if assembler == nil {
		assembler = PromptAssembler{}
	}

	cooldowns := NewCooldownTable(cfg.CooldownBase, cfg.CooldownCap)
	r := &Runner{
		executor:   cfg.Executor,
		assembler:  assembler,
		cooldowns:  cooldowns,
		loop:       NewLoop(cfg.Provider, cfg.Executor, cooldowns, cfg.Loop, cfg.Logger),
		recorder:   cfg.Recorder,
		notifier:   cfg.Notifier,
		logger:     cfg.Logger,
		config:     cfg,
		activeRuns: make(map[string]context.CancelFunc),
	}
	r.scheduler = lane.New(lane.Options{
		MaxPending: cfg.MaxPending,
		DedupTTL:   cfg.DedupTTL,
		Start:      r.execute,
	})

	return r, nil
}

// Submit admits a run into its session lane. It never blocks on lane
// capacity; a full queue surfaces as AdmissionQueueFull with
// lane.ErrQueueFull.
func (r *Runner) Submit(ctx context.Context, req lane.SubmitRequest) (lane.Admission, error) {
	return r.scheduler.Submit(ctx, req)
}

// Abort cancels a run. A still-queued run is removed from its lane and gets
// its terminal event immediately; a running run has its context cancelled,
// which propagates into any in-flight tool or sandbox execution. Returns
// false when the run is unknown (never admitted or already terminal).
func (r *Runner) Abort(runID string) bool {
	if dropped := r.scheduler.DropQueued(runID); dropped != nil {
		r.finishDropped(dropped)
		return true
	}

	r.runsMu.RLock()
	cancel, ok := r.activeRuns[runID]
	r.runsMu.RUnlock()
	if !ok {
		return false
	}

	r.logger.Info().Str("run_id", runID).Msg("Aborting active run")
	cancel()
	return true
}

// AbortSession aborts the session's currently running run, if any.
func (r *Runner) AbortSession(sessionKey string) bool {
	runID := r.scheduler.RunningRunID(sessionKey)
	if runID == "" {
		return false
	}
	return r.Abort(runID)
}

// LaneStatus reports the scheduler's lane snapshot.
func (r *Runner) LaneStatus(sessionKey string) lane.StatusReport {
	return r.scheduler.LaneStatus(sessionKey)
}

// QueueDepth returns the session lane's pending queue length.
func (r *Runner) QueueDepth(sessionKey string) int {
	return r.scheduler.QueueDepth(sessionKey)
}

// IdleLanes returns session keys idle for at least minIdle, for the
// janitor's GC pass.
func (r *Runner) IdleLanes(minIdle time.Duration) []string {
	return r.scheduler.IdleLanes(minIdle)
}

// RemoveLane drops an idle lane. Lanes are recreated lazily on the next
// submission, so removal is invisible to callers.
func (r *Runner) RemoveLane(sessionKey string) bool {
	return r.scheduler.RemoveLane(sessionKey)
}

// On registers a scheduler event handler (started, enqueued, completed,
// rejected).
func (r *Runner) On(eventType string, handler lane.EventHandler) {
	r.scheduler.On(eventType, handler)
}

// Cooldowns exposes the shared model cooldown table.
func (r *Runner) Cooldowns() *CooldownTable {
	return r.cooldowns
}

// ApplyLimits applies the reloadable capacity settings: the per-lane queue
// bound and the loop's iteration and retry caps. Non-positive values leave
// the corresponding setting unchanged; runs already admitted keep the caps
// they started with.
func (r *Runner) ApplyLimits(maxPending, maxIterations, maxRetries int) {
	r.scheduler.SetMaxPending(maxPending)
	r.loop.SetLimits(maxIterations, maxRetries)
}

// Drain waits for all running lanes to finish, up to timeout.
func (r *Runner) Drain(timeout time.Duration) bool {
	return r.scheduler.WaitForActive(timeout)
}

// Close shuts down the scheduler. Queued runs are discarded; running runs
// finish on their own.
func (r *Runner) Close() error {
	return r.scheduler.Close()
}

// execute is the scheduler's StartFunc. Whatever happens inside, it ends by
// calling Complete so the lane is never left blocked by a crashed run.
func (r *Runner) execute(ctx context.Context, run *lane.Run) {
	ctx, cancel := context.WithCancel(ctx)
	r.registerRun(run.RunID, cancel)

	ctx = tracing.NewRunContext(ctx, run.RunID, run.AgentID, run.SessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"sera.agent",
		"agent.run",
		tracing.RunAttributes(run.RunID, run.SessionKey, run.AgentID)...,
	)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	var outcome RunOutcome
	var runErr error

	defer func() {
		if rec := recover(); rec != nil {
			runErr = fmt.Errorf("run panicked: %v", rec)
			logger.Error().Interface("panic", rec).Str("run_id", run.RunID).Msg("Run panicked")
		}

		status := terminalStatus(outcome.StopReason, runErr)
		run.Status = status
		run.IterationCount = outcome.Iterations
		if run.EndedAt.IsZero() {
			run.EndedAt = time.Now()
		}

		if runErr != nil && !errors.Is(runErr, ErrAborted) {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
		}
		span.End()

		model := outcome.ModelUsed
		if model == "" {
			model = r.config.Loop.Model
		}
		observability.RecordRun(model, string(status), outcome.Iterations)

		r.finishRun(ctx, run, outcome, runErr, status)

		cancel()
		r.unregisterRun(run.RunID)
		r.scheduler.Complete(run.SessionKey, run.RunID)
	}()

	logger.Info().
		Str("run_id", run.RunID).
		Str("session_key", run.SessionKey).
		Msg("Run started")

	r.recordStart(ctx, run)

	messages, err := r.assembler.Assemble(ctx, run.SessionKey, run.Message)
	if err != nil {
		runErr = fmt.Errorf("assemble messages: %w", err)
		return
	}

	execCtx := &toolexecutor.ExecutionContext{
		SessionKey: run.SessionKey,
		AgentID:    run.AgentID,
		WorkingDir: r.config.WorkingDir,
	}

	outcome, runErr = r.loop.Run(ctx, messages, execCtx)
	if runErr != nil {
		logger.Warn().
			Err(runErr).
			Str("run_id", run.RunID).
			Str("stop_reason", string(outcome.StopReason)).
			Msg("Run ended with error")
		return
	}

	logger.Info().
		Str("run_id", run.RunID).
		Str("stop_reason", string(outcome.StopReason)).
		Int("iterations", outcome.Iterations).
		Int("tools_used", len(outcome.ToolsUsed)).
		Msg("Run finished")
}

// terminalStatus maps a loop result onto the run's terminal lane status.
func terminalStatus(stop StopReason, runErr error) lane.RunStatus {
	switch {
	case errors.Is(runErr, ErrAborted) || stop == StopAborted:
		return lane.StatusAborted
	case runErr != nil:
		return lane.StatusError
	default:
		return lane.StatusFinal
	}
}

// finishRun persists the terminal record and delivers the single terminal
// event for a started run.
func (r *Runner) finishRun(ctx context.Context, run *lane.Run, outcome RunOutcome, runErr error, status lane.RunStatus) {
	// The run context may already be cancelled (abort); keep its trace
	// metadata but not its cancellation.
	ctx = context.WithoutCancel(ctx)

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	model := outcome.ModelUsed
	if model == "" {
		model = r.config.Loop.Model
	}

	r.recordTerminal(ctx, RunRecord{
		RunID:      run.RunID,
		SessionKey: run.SessionKey,
		AgentID:    run.AgentID,
		Status:     string(status),
		StopReason: string(outcome.StopReason),
		Error:      errMsg,
		Iterations: outcome.Iterations,
		Model:      model,
		EnqueuedAt: run.EnqueuedAt,
		StartedAt:  run.StartedAt,
		EndedAt:    run.EndedAt,
	})

	r.notify(ctx, RunEvent{
		Type:       string(status),
		RunID:      run.RunID,
		SessionKey: run.SessionKey,
		AgentID:    run.AgentID,
		Content:    outcome.Content,
		StopReason: outcome.StopReason,
		Error:      errMsg,
	})
}

// finishDropped records and notifies a run aborted while still queued.
func (r *Runner) finishDropped(run *lane.Run) {
	ctx := context.Background()

	r.logger.Info().
		Str("run_id", run.RunID).
		Str("session_key", run.SessionKey).
		Msg("Queued run aborted")

	observability.RecordRun(r.config.Loop.Model, string(lane.StatusAborted), 0)

	r.recordTerminal(ctx, RunRecord{
		RunID:      run.RunID,
		SessionKey: run.SessionKey,
		AgentID:    run.AgentID,
		Status:     string(lane.StatusAborted),
		StopReason: string(StopAborted),
		Error:      ErrAborted.Error(),
		Model:      r.config.Loop.Model,
		EnqueuedAt: run.EnqueuedAt,
		EndedAt:    run.EndedAt,
	})

	r.notify(ctx, RunEvent{
		Type:       string(lane.StatusAborted),
		RunID:      run.RunID,
		SessionKey: run.SessionKey,
		AgentID:    run.AgentID,
		StopReason: StopAborted,
		Error:      ErrAborted.Error(),
	})
}

func (r *Runner) recordStart(ctx context.Context, run *lane.Run) {
	if r.recorder == nil {
		return
	}
	record := RunRecord{
		RunID:      run.RunID,
		SessionKey: run.SessionKey,
		AgentID:    run.AgentID,
		Status:     string(lane.StatusRunning),
		Model:      r.config.Loop.Model,
		EnqueuedAt: run.EnqueuedAt,
		StartedAt:  run.StartedAt,
	}
	if err := r.recorder.RecordStart(ctx, record); err != nil {
		r.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("Failed to record run start")
	}
}

func (r *Runner) recordTerminal(ctx context.Context, record RunRecord) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordTerminal(ctx, record); err != nil {
		r.logger.Warn().Err(err).Str("run_id", record.RunID).Msg("Failed to record run outcome")
	}
}

func (r *Runner) notify(ctx context.Context, event RunEvent) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(ctx, event)
}

func (r *Runner) registerRun(runID string, cancel context.CancelFunc) {
	r.runsMu.Lock()
	r.activeRuns[runID] = cancel
	r.runsMu.Unlock()
}

func (r *Runner) unregisterRun(runID string) {
	r.runsMu.Lock()
	delete(r.activeRuns, runID)
	r.runsMu.Unlock()
}

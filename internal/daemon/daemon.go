// Package daemon is the composition root: it wires configuration,
// logging, the lane scheduler and runner, the tool dispatcher, the
// sandbox, the run log, scheduled maintenance and the metrics endpoint
// into one long-running service.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harun/sera/internal/config"
	"github.com/harun/sera/internal/logger"
	"github.com/harun/sera/internal/metrics"
	"github.com/harun/sera/internal/observability"
	"github.com/harun/sera/internal/tracing"
	"github.com/harun/sera/pkg/agent"
	"github.com/harun/sera/pkg/coretools"
	"github.com/harun/sera/pkg/janitor"
	"github.com/harun/sera/pkg/lane"
	"github.com/harun/sera/pkg/runlog"
	"github.com/harun/sera/pkg/sandbox"
	"github.com/harun/sera/pkg/toolexecutor"
)

// drainTimeout bounds the wait for active runs during Stop when the
// caller's context carries no deadline of its own.
const drainTimeout = 30 * time.Second

// Daemon represents the Sera daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	toolExecutor    *toolexecutor.ToolExecutor
	sandboxExecutor *sandbox.Executor
	sandboxRegistry *sandbox.Registry
	runLog          *runlog.Store
	agentRunner     *agent.Runner

	// Services
	janitorService *janitor.Janitor
	metricsServer  *metrics.Server
	configWatcher  *config.Watcher

	// Internal
	lifecycle *LifecycleManager
	options   Options

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Options carries the collaborators the daemon cannot build from
// configuration alone.
type Options struct {
	// Provider answers model calls. Required.
	Provider agent.ModelProvider

	// Notifier receives the terminal event of every admitted run.
	// Optional.
	Notifier agent.Notifier

	// Assembler builds the model transcript for a submission. Optional;
	// the runner falls back to its prompt assembler.
	Assembler agent.Assembler

	// ConfigPath, when set, is watched for changes so the reloadable
	// settings (lane capacity, loop caps, tool allowlist) apply without
	// a restart.
	ConfigPath string
}

// New creates a new daemon instance from a loader-complete configuration.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("sera-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		log.Info().Msg("Tracing initialized successfully")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		options:        opts,
		tracingEnabled: true,
	}

	// Initialize core modules in dependency order
	if err := d.initializeCoreModules(opts); err != nil {
		d.teardownPartial()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	// Initialize services
	if err := d.initializeServices(); err != nil {
		d.teardownPartial()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules initializes all core modules
func (d *Daemon) initializeCoreModules(opts Options) error {
	// Initialize audit logger
	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	d.sandboxRegistry = sandbox.NewRegistry()
	policy := sandboxPolicy(d.config.Sandbox)
	sandboxExecutor, err := sandbox.NewExecutor(policy, d.config.Sandbox.Workspace, d.sandboxRegistry, d.logger.GetZerolog())
	if err != nil {
		return fmt.Errorf("failed to create sandbox executor: %w", err)
	}
	d.sandboxExecutor = sandboxExecutor
	d.logger.Info().
		Bool("isolated", policy.Enabled).
		Str("image", policy.Image).
		Msg("Sandbox executor initialized")

	d.toolExecutor = toolexecutor.New()
	if err := coretools.RegisterCoreTools(d.toolExecutor, coretools.Options{
		Workspace: d.config.Sandbox.Workspace,
		Executor:  d.sandboxExecutor,
	}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	d.toolExecutor.SetEnabledTools(d.config.Tools.Enabled)
	d.logger.Info().Int("tools", d.toolExecutor.GetToolCount()).Msg("Core tools registered")

	store, err := runlog.Open(runlog.Options{
		Path:   d.config.Runlog.Path,
		Logger: d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to open run log: %w", err)
	}
	d.runLog = store

	agentRunner, err := agent.NewRunner(agent.Config{
		Provider:     opts.Provider,
		Executor:     d.toolExecutor,
		Assembler:    opts.Assembler,
		Recorder:     newRunLogRecorder(store),
		Notifier:     opts.Notifier,
		Logger:       d.logger.GetZerolog(),
		Loop:         loopConfig(d.config),
		WorkingDir:   d.config.Sandbox.Workspace,
		MaxPending:   d.config.Lane.MaxPending,
		DedupTTL:     time.Duration(d.config.Lane.DedupTTLSeconds) * time.Second,
		CooldownBase: time.Duration(d.config.Models.CooldownBaseSeconds) * time.Second,
		CooldownCap:  time.Duration(d.config.Models.CooldownCapSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.agentRunner = agentRunner
	d.logger.Info().Msg("Agent runner initialized")

	return nil
}

// initializeServices initializes all services
func (d *Daemon) initializeServices() error {
	if d.config.Janitor.Enabled {
		opts := janitor.Options{
			SweepSpec:     d.config.Janitor.SweepSpec,
			SandboxMaxAge: time.Duration(d.config.Sandbox.MaxAgeHours) * time.Hour,
			Retention:     time.Duration(d.config.Runlog.RetentionDays) * 24 * time.Hour,
			Lanes:         d.agentRunner,
			Logger:        d.logger.GetZerolog(),
		}
		if d.config.Sandbox.Enabled {
			opts.Contexts = d.sandboxRegistry
		}
		if d.config.Runlog.RetentionDays > 0 {
			opts.Runs = d.runLog
		}

		janitorService, err := janitor.New(opts)
		if err != nil {
			return fmt.Errorf("failed to create janitor: %w", err)
		}
		d.janitorService = janitorService
		d.logger.Info().Str("sweep_spec", d.config.Janitor.SweepSpec).Msg("Janitor initialized")
	}

	if d.config.Metrics.Enabled {
		d.metricsServer = metrics.NewServer(d.config.Metrics.Addr, d.logger.GetZerolog())
		d.logger.Info().Str("addr", d.config.Metrics.Addr).Msg("Metrics server initialized")
	}

	return nil
}

// teardownPartial releases what a failed New managed to open.
func (d *Daemon) teardownPartial() {
	if d.agentRunner != nil {
		_ = d.agentRunner.Close()
	}
	if d.runLog != nil {
		_ = d.runLog.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting Sera daemon")

	// Start lifecycle manager
	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// Start metrics server if enabled. A bind failure aborts startup:
	// the operator asked for a scrape endpoint and did not get one.
	if d.metricsServer != nil {
		if err := d.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		logger.Info().Str("addr", d.metricsServer.Addr()).Msg("Metrics server started")
	}

	// Start maintenance sweeps
	if d.janitorService != nil {
		d.janitorService.Start()
	}

	// Watch the config file so the reloadable subset applies live
	if d.options.ConfigPath != "" {
		watcher, err := config.Watch(d.options.ConfigPath, d.applyReload, d.logger.GetZerolog())
		if err != nil {
			logger.Warn().Err(err).Msg("Config watch unavailable, live reload disabled")
		} else {
			d.configWatcher = watcher
		}
	}

	logger.Info().Msg("Daemon started successfully - all core modules active")

	return nil
}

// Stop stops the daemon service gracefully. The context bounds the
// lane drain; without a deadline the default drain timeout applies.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping Sera daemon")

	// Stop config watcher
	if d.configWatcher != nil {
		if err := d.configWatcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
		d.configWatcher = nil
	}

	// Stop maintenance sweeps
	if d.janitorService != nil {
		if err := d.janitorService.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop janitor")
		}
	}

	// Stop metrics server
	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}

	// Drain running lanes, then shut the scheduler down. Queued runs
	// that never started are discarded.
	timeout := drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if !d.agentRunner.Drain(timeout) {
		logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active runs to finish")
	}
	if err := d.agentRunner.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close agent runner")
	}

	// Close run log
	if d.runLog != nil {
		if err := d.runLog.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close run log")
		}
	}

	// Stop lifecycle manager
	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	// Close audit logger
	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// applyReload applies the reloadable subset of a validated config:
// lane capacity, loop caps and the optional tool allowlist. Everything
// else keeps its boot-time value until restart.
func (d *Daemon) applyReload(next *config.Config) {
	d.agentRunner.ApplyLimits(next.Lane.MaxPending, next.Loop.MaxIterations, next.Loop.MaxRetries)
	d.toolExecutor.SetEnabledTools(next.Tools.Enabled)

	d.mu.Lock()
	d.config.Lane = next.Lane
	d.config.Loop = next.Loop
	d.config.Tools = next.Tools
	d.mu.Unlock()

	d.logger.Info().
		Int("max_pending", next.Lane.MaxPending).
		Int("max_iterations", next.Loop.MaxIterations).
		Int("max_retries", next.Loop.MaxRetries).
		Int("enabled_tools", len(next.Tools.Enabled)).
		Msg("Applied reloaded configuration")

	observability.RecordConfigAudit(context.Background(), "reload:limits", "system", map[string]interface{}{
		"max_pending":    next.Lane.MaxPending,
		"max_iterations": next.Loop.MaxIterations,
		"max_retries":    next.Loop.MaxRetries,
	})
}

// Submit admits a message into its session lane. It never blocks on
// lane capacity; a full queue surfaces as lane.ErrQueueFull.
func (d *Daemon) Submit(ctx context.Context, req lane.SubmitRequest) (lane.Admission, error) {
	return d.agentRunner.Submit(ctx, req)
}

// Abort cancels a queued or running run by id.
func (d *Daemon) Abort(runID string) bool {
	return d.agentRunner.Abort(runID)
}

// AbortSession aborts the session's currently running run, if any.
func (d *Daemon) AbortSession(sessionKey string) bool {
	return d.agentRunner.AbortSession(sessionKey)
}

// LaneStatus reports the scheduler's lane snapshot.
func (d *Daemon) LaneStatus(sessionKey string) lane.StatusReport {
	return d.agentRunner.LaneStatus(sessionKey)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait waits for the daemon to stop
func (d *Daemon) Wait() {
	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for signal
	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	// Stop daemon
	if err := d.Stop(context.Background()); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetToolExecutor returns the tool executor
func (d *Daemon) GetToolExecutor() *toolexecutor.ToolExecutor {
	return d.toolExecutor
}

// GetAgentRunner returns the agent runner
func (d *Daemon) GetAgentRunner() *agent.Runner {
	return d.agentRunner
}

// GetRunLog returns the run log store
func (d *Daemon) GetRunLog() *runlog.Store {
	return d.runLog
}

// sandboxPolicy maps the config's sandbox section onto an execution
// policy, keeping the package defaults for anything left unset.
func sandboxPolicy(cfg config.SandboxConfig) sandbox.Policy {
	policy := sandbox.DefaultPolicy()
	policy.Enabled = cfg.Enabled
	if image := strings.TrimSpace(cfg.Image); image != "" {
		policy.Image = image
	}
	if network := strings.TrimSpace(cfg.Network); network != "" {
		policy.NetworkMode = network
	}
	policy.WorkspaceMount = cfg.Workspace
	policy.User = cfg.User
	if cfg.TimeoutSeconds > 0 {
		policy.TimeoutSeconds = cfg.TimeoutSeconds
	}
	policy.ShellMode = cfg.ShellMode
	policy.FallbackEnabled = cfg.Fallback
	policy.RestrictToWorkspace = cfg.RestrictToWorkspace
	return policy
}

// loopConfig builds the execution loop settings from the loop and
// models sections.
func loopConfig(cfg *config.Config) agent.LoopConfig {
	return agent.LoopConfig{
		Model:         cfg.Models.Default,
		Fallbacks:     cfg.Models.Fallbacks,
		MaxIterations: cfg.Loop.MaxIterations,
		MaxRetries:    cfg.Loop.MaxRetries,
		Temperature:   cfg.Loop.Temperature,
		MaxTokens:     cfg.Loop.MaxTokens,
		SystemPrompt:  cfg.Loop.SystemPrompt,
	}
}

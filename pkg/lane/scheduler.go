package lane

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/sera/internal/observability"
	"github.com/harun/sera/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// laneState holds the scheduling state of a single session lane
type laneState struct {
	running      *Run
	queue        []*Run
	lastActiveAt time.Time
	mu           sync.Mutex
}

// Scheduler enforces single-flight execution per session lane with bounded
// FIFO queueing and non-blocking admission.
type Scheduler struct {
	maxPending atomic.Int64
	start      StartFunc

	lanes map[string]*laneState
	mu    sync.RWMutex
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	dedup  *dedupCache

	// Event handling
	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a Scheduler with the given options.
func New(opts Options) *Scheduler {
	observability.EnsureRegistered()

	if opts.MaxPending <= 0 {
		opts.MaxPending = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		start:         opts.Start,
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		dedup:         newDedupCache(ctx, opts.DedupTTL),
		eventHandlers: make(map[string][]EventHandler),
	}
	s.maxPending.Store(int64(opts.MaxPending))
	return s
}

// SetMaxPending updates the per-lane queue bound for subsequent
// submissions. Values <= 0 are ignored. Runs already queued above a
// lowered bound stay queued.
func (s *Scheduler) SetMaxPending(n int) {
	if n > 0 {
		s.maxPending.Store(int64(n))
	}
}

// Submit admits a run for its session lane without blocking: the run either
// starts immediately, joins the bounded queue, or is rejected with
// ErrQueueFull (no Run is created on rejection). A submission whose
// IdempotencyKey matches a queued or running run in the same lane — or a run
// completed within the dedup TTL — returns that run's ID unchanged.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (Admission, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.SessionKey == "" {
		return Admission{}, fmt.Errorf("session key is required")
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"sera.lane",
		"lane.submit",
		attribute.String("session_key", req.SessionKey),
	)
	defer span.End()

	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, req.SessionKey)
	}
	if req.IdempotencyKey != "" && tracing.GetIdempotencyKey(ctx) == "" {
		ctx = tracing.WithIdempotencyKey(ctx, req.IdempotencyKey)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", req.SessionKey).Logger()

	ls := s.ensureLane(req.SessionKey)
	ls.mu.Lock()

	if req.IdempotencyKey != "" {
		if admission, ok := pendingMatch(ls, req.IdempotencyKey); ok {
			ls.mu.Unlock()
			logger.Debug().
				Str("run_id", admission.RunID).
				Str("status", string(admission.Status)).
				Msg("Duplicate submission matched pending run")
			return admission, nil
		}
		if runID, ok := s.dedup.Get(req.SessionKey, req.IdempotencyKey); ok {
			ls.mu.Unlock()
			logger.Debug().
				Str("run_id", runID).
				Msg("Duplicate submission matched completed run")
			return Admission{RunID: runID, Status: AdmissionStarted, Duplicate: true}, nil
		}
	}

	// Idle lane: the run takes the running slot immediately.
	if ls.running == nil && len(ls.queue) == 0 {
		run, err := newRun(ctx, req)
		if err != nil {
			ls.mu.Unlock()
			return Admission{}, err
		}
		run.Status = StatusRunning
		run.StartedAt = time.Now()
		ls.running = run
		ls.lastActiveAt = run.StartedAt
		ls.mu.Unlock()

		observability.RecordLaneEnqueue(req.SessionKey, 0)
		logger.Debug().Str("run_id", run.RunID).Msg("Run started")

		s.emit(Event{
			Type:       "started",
			SessionKey: req.SessionKey,
			RunID:      run.RunID,
		})

		s.launch(run)
		return Admission{RunID: run.RunID, Status: AdmissionStarted}, nil
	}

	maxPending := int(s.maxPending.Load())
	if len(ls.queue) >= maxPending {
		depth := len(ls.queue)
		ls.mu.Unlock()

		observability.RecordLaneReject(req.SessionKey)
		span.RecordError(ErrQueueFull)
		span.SetStatus(codes.Error, ErrQueueFull.Error())
		logger.Warn().
			Int("queue_depth", depth).
			Int("max_pending", maxPending).
			Msg("Submission rejected, lane queue full")

		s.emit(Event{
			Type:       "rejected",
			SessionKey: req.SessionKey,
			Data:       map[string]interface{}{"queueDepth": depth},
		})
		return Admission{Status: AdmissionQueueFull, QueueDepth: depth}, ErrQueueFull
	}

	run, err := newRun(ctx, req)
	if err != nil {
		ls.mu.Unlock()
		return Admission{}, err
	}
	ls.queue = append(ls.queue, run)
	position := len(ls.queue)
	ls.lastActiveAt = time.Now()
	ls.mu.Unlock()

	observability.RecordLaneEnqueue(req.SessionKey, position)
	logger.Debug().
		Str("run_id", run.RunID).
		Int("position", position).
		Msg("Run queued")

	s.emit(Event{
		Type:       "enqueued",
		SessionKey: req.SessionKey,
		RunID:      run.RunID,
		Data:       map[string]interface{}{"queueDepth": position},
	})
	return Admission{RunID: run.RunID, Status: AdmissionQueued, Position: position, QueueDepth: position}, nil
}

// Complete clears the running slot once runID reaches a terminal status and
// promotes the queue head, preserving FIFO order. It must be called exactly
// once per started run; completing a run that does not hold the running slot
// is a logged no-op.
func (s *Scheduler) Complete(sessionKey, runID string) {
	s.mu.RLock()
	ls, exists := s.lanes[sessionKey]
	s.mu.RUnlock()
	if !exists {
		log.Warn().Str("session_key", sessionKey).Str("run_id", runID).Msg("Complete called for unknown lane")
		return
	}

	ls.mu.Lock()
	if ls.running == nil || ls.running.RunID != runID {
		current := ""
		if ls.running != nil {
			current = ls.running.RunID
		}
		ls.mu.Unlock()
		log.Warn().
			Str("session_key", sessionKey).
			Str("run_id", runID).
			Str("running_run_id", current).
			Msg("Complete called for run not holding the running slot")
		return
	}

	finished := ls.running
	ls.running = nil
	if finished.EndedAt.IsZero() {
		finished.EndedAt = time.Now()
	}
	if finished.Status == StatusRunning {
		finished.Status = StatusFinal
	}

	var next *Run
	if len(ls.queue) > 0 {
		next = ls.queue[0]
		ls.queue = ls.queue[1:]
		next.Status = StatusRunning
		next.StartedAt = time.Now()
		ls.running = next
	}
	depth := len(ls.queue)
	ls.lastActiveAt = time.Now()
	ls.mu.Unlock()

	if finished.IdempotencyKey != "" {
		s.dedup.Set(sessionKey, finished.IdempotencyKey, finished.RunID)
	}

	duration := finished.EndedAt.Sub(finished.StartedAt)
	observability.RecordLaneCompletion(sessionKey, string(finished.Status), duration, depth)

	log.Debug().
		Str("session_key", sessionKey).
		Str("run_id", runID).
		Str("status", string(finished.Status)).
		Dur("duration", duration).
		Int("queue_depth", depth).
		Msg("Run completed")

	s.emit(Event{
		Type:       "completed",
		SessionKey: sessionKey,
		RunID:      runID,
		Data: map[string]interface{}{
			"status":   string(finished.Status),
			"duration": duration.Milliseconds(),
		},
	})

	if next != nil {
		waited := next.StartedAt.Sub(next.EnqueuedAt)
		log.Debug().
			Str("session_key", sessionKey).
			Str("run_id", next.RunID).
			Dur("waited", waited).
			Msg("Run promoted from queue")

		s.emit(Event{
			Type:       "started",
			SessionKey: sessionKey,
			RunID:      next.RunID,
			Data:       map[string]interface{}{"waitedMs": waited.Milliseconds()},
		})
		s.launch(next)
	}
}

// DropQueued removes a still-queued run before it starts, marking it aborted.
// Returns nil when runID is not queued in any lane.
func (s *Scheduler) DropQueued(runID string) *Run {
	s.mu.RLock()
	keys := make([]string, 0, len(s.lanes))
	states := make([]*laneState, 0, len(s.lanes))
	for key, ls := range s.lanes {
		keys = append(keys, key)
		states = append(states, ls)
	}
	s.mu.RUnlock()

	for i, ls := range states {
		ls.mu.Lock()
		dropped := removeQueued(ls, runID)
		depth := len(ls.queue)
		if dropped != nil {
			ls.lastActiveAt = time.Now()
		}
		ls.mu.Unlock()

		if dropped == nil {
			continue
		}

		observability.SetLaneQueueDepth(keys[i], depth)
		log.Info().
			Str("session_key", keys[i]).
			Str("run_id", runID).
			Int("queue_depth", depth).
			Msg("Queued run removed before start")

		s.emit(Event{
			Type:       "completed",
			SessionKey: keys[i],
			RunID:      runID,
			Data:       map[string]interface{}{"status": string(StatusAborted)},
		})
		return dropped
	}
	return nil
}

// LaneStatus reports lane occupancy. An empty sessionKey covers every lane
// sorted by session key; otherwise only the named lane. Read-only and safe
// to poll frequently.
func (s *Scheduler) LaneStatus(sessionKey string) StatusReport {
	s.mu.RLock()
	selected := make(map[string]*laneState, len(s.lanes))
	if sessionKey != "" {
		if ls, exists := s.lanes[sessionKey]; exists {
			selected[sessionKey] = ls
		}
	} else {
		for key, ls := range s.lanes {
			selected[key] = ls
		}
	}
	s.mu.RUnlock()

	report := StatusReport{Sessions: make([]LaneSnapshot, 0, len(selected))}
	now := time.Now()

	for key, ls := range selected {
		ls.mu.Lock()
		snapshot := LaneSnapshot{
			SessionKey: key,
			Queued:     len(ls.queue),
			QueueDepth: len(ls.queue),
		}
		if ls.running != nil {
			snapshot.RunningRunID = ls.running.RunID
		}
		if len(ls.queue) > 0 {
			oldest := ls.queue[0].EnqueuedAt
			snapshot.OldestEnqueuedAt = &oldest
			snapshot.HeadWaitMs = now.Sub(oldest).Milliseconds()
		}
		ls.mu.Unlock()

		report.Sessions = append(report.Sessions, snapshot)
		if snapshot.RunningRunID != "" {
			report.Summary.RunningSessions++
		}
		if snapshot.QueueDepth > 0 {
			report.Summary.QueuedSessions++
			report.Summary.TotalQueued += snapshot.QueueDepth
		}
	}

	sort.Slice(report.Sessions, func(i, j int) bool {
		return report.Sessions[i].SessionKey < report.Sessions[j].SessionKey
	})
	return report
}

// QueueDepth returns the number of queued runs for a lane.
func (s *Scheduler) QueueDepth(sessionKey string) int {
	s.mu.RLock()
	ls, exists := s.lanes[sessionKey]
	s.mu.RUnlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// RunningRunID returns the lane's running run ID, or "" when the lane is idle.
func (s *Scheduler) RunningRunID(sessionKey string) string {
	s.mu.RLock()
	ls, exists := s.lanes[sessionKey]
	s.mu.RUnlock()

	if !exists {
		return ""
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.running == nil {
		return ""
	}
	return ls.running.RunID
}

// IdleLanes returns session keys of lanes that are empty, not running, and
// inactive for at least minIdle, sorted for stable sweep logs.
func (s *Scheduler) IdleLanes(minIdle time.Duration) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var idle []string
	now := time.Now()
	for key, ls := range s.lanes {
		ls.mu.Lock()
		if ls.running == nil && len(ls.queue) == 0 && now.Sub(ls.lastActiveAt) >= minIdle {
			idle = append(idle, key)
		}
		ls.mu.Unlock()
	}
	sort.Strings(idle)
	return idle
}

// RemoveLane drops a lane if it is empty and not running. Lanes are created
// lazily, so removal is invisible to later submissions.
func (s *Scheduler) RemoveLane(sessionKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, exists := s.lanes[sessionKey]
	if !exists {
		return false
	}

	ls.mu.Lock()
	busy := ls.running != nil || len(ls.queue) > 0
	ls.mu.Unlock()
	if busy {
		return false
	}

	delete(s.lanes, sessionKey)
	observability.SetActiveLanes(len(s.lanes))
	log.Debug().Str("session_key", sessionKey).Msg("Idle lane removed")
	return true
}

// WaitForActive waits until no lane holds a running run, or the timeout
// elapses. Used to drain before shutdown.
func (s *Scheduler) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		allDrained := true

		s.mu.RLock()
		for _, ls := range s.lanes {
			ls.mu.Lock()
			if ls.running != nil {
				allDrained = false
			}
			ls.mu.Unlock()
		}
		s.mu.RUnlock()

		if allDrained {
			log.Info().Msg("All running lanes drained")
			return true
		}

		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for running lanes to drain")
			return false
		}

		<-ticker.C
	}
}

// Close shuts the scheduler down: run contexts are cancelled and start
// goroutines are waited for.
func (s *Scheduler) Close() error {
	s.cancel()
	s.wg.Wait()
	s.dedup.Stop()
	return nil
}

// On registers an event handler for a specific event type
func (s *Scheduler) On(eventType string, handler EventHandler) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.eventHandlers[eventType] = append(s.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (s *Scheduler) Off(eventType string) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	delete(s.eventHandlers, eventType)
}

// emit emits an event synchronously to all registered handlers
func (s *Scheduler) emit(event Event) {
	s.eventMu.RLock()
	handlers := s.eventHandlers[event.Type]
	s.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// ensureLane creates the lane on first use
func (s *Scheduler) ensureLane(sessionKey string) *laneState {
	s.mu.RLock()
	ls, exists := s.lanes[sessionKey]
	s.mu.RUnlock()
	if exists {
		return ls
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, exists = s.lanes[sessionKey]; !exists {
		ls = &laneState{lastActiveAt: time.Now()}
		s.lanes[sessionKey] = ls
		observability.SetActiveLanes(len(s.lanes))
		log.Debug().Str("session_key", sessionKey).Msg("Lane created")
	}
	return ls
}

// launch hands a Run in the running slot to the start func on its own
// goroutine. The run context keeps the submission's trace metadata but not
// its cancellation; scheduler shutdown cancels it instead.
func (s *Scheduler) launch(run *Run) {
	base := context.WithoutCancel(run.submitCtx)
	runCtx, cancel := context.WithCancel(base)
	stopCancel := context.AfterFunc(s.ctx, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			stopCancel()
			cancel()
		}()
		if s.start != nil {
			s.start(runCtx, run)
		}
	}()
}

// newRun builds a Run for a submission. RunID is the caller-supplied
// idempotency key when present, otherwise a short random ID.
func newRun(ctx context.Context, req SubmitRequest) (*Run, error) {
	runID := req.IdempotencyKey
	if runID == "" {
		id, err := gonanoid.New(12)
		if err != nil {
			return nil, fmt.Errorf("failed to generate run ID: %w", err)
		}
		runID = id
	}
	return &Run{
		RunID:          runID,
		SessionKey:     req.SessionKey,
		AgentID:        req.AgentID,
		Message:        req.Message,
		IdempotencyKey: req.IdempotencyKey,
		Status:         StatusQueued,
		EnqueuedAt:     time.Now(),
		submitCtx:      ctx,
	}, nil
}

// pendingMatch resolves an idempotency key against the lane's running slot
// and queue. Caller must hold ls.mu.
func pendingMatch(ls *laneState, key string) (Admission, bool) {
	if ls.running != nil && ls.running.IdempotencyKey == key {
		return Admission{
			RunID:      ls.running.RunID,
			Status:     AdmissionStarted,
			QueueDepth: len(ls.queue),
			Duplicate:  true,
		}, true
	}
	for i, queued := range ls.queue {
		if queued.IdempotencyKey == key {
			return Admission{
				RunID:      queued.RunID,
				Status:     AdmissionQueued,
				Position:   i + 1,
				QueueDepth: len(ls.queue),
				Duplicate:  true,
			}, true
		}
	}
	return Admission{}, false
}

// removeQueued drops the queued run with the given ID, marking it aborted.
// Caller must hold ls.mu.
func removeQueued(ls *laneState, runID string) *Run {
	for i, queued := range ls.queue {
		if queued.RunID != runID {
			continue
		}
		ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
		queued.Status = StatusAborted
		queued.EndedAt = time.Now()
		return queued
	}
	return nil
}

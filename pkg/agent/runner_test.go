package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/sera/pkg/lane"
	"github.com/harun/sera/pkg/toolexecutor"
)

type fakeRecorder struct {
	mu        sync.Mutex
	starts    []RunRecord
	terminals []RunRecord
	fail      bool
}

func (r *fakeRecorder) RecordStart(_ context.Context, record RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("recorder down")
	}
	r.starts = append(r.starts, record)
	return nil
}

func (r *fakeRecorder) RecordTerminal(_ context.Context, record RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("recorder down")
	}
	r.terminals = append(r.terminals, record)
	return nil
}

func (r *fakeRecorder) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

func (r *fakeRecorder) terminalFor(runID string) (RunRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.terminals {
		if record.RunID == runID {
			return record, true
		}
	}
	return RunRecord{}, false
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []RunEvent
	ch     chan RunEvent
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan RunEvent, 16)}
}

func (n *fakeNotifier) Notify(_ context.Context, event RunEvent) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	n.ch <- event
}

func (n *fakeNotifier) wait(t *testing.T) RunEvent {
	t.Helper()
	select {
	case event := <-n.ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal event")
		return RunEvent{}
	}
}

func (n *fakeNotifier) eventCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestRunner(t *testing.T, provider ModelProvider, mutate func(*Config)) (*Runner, *fakeRecorder, *fakeNotifier) {
	t.Helper()

	recorder := &fakeRecorder{}
	notifier := newFakeNotifier()
	cfg := Config{
		Provider: provider,
		Executor: toolexecutor.New(),
		Recorder: recorder,
		Notifier: notifier,
		Logger:   zerolog.Nop(),
		Loop:     LoopConfig{Model: "m-prime", MaxRetries: 1},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	runner, err := NewRunner(cfg)
	require.NoError(t, err)
	runner.loop.backoffBase = time.Millisecond
	t.Cleanup(func() { _ = runner.Close() })
	return runner, recorder, notifier
}

func waitForIdle(t *testing.T, runner *Runner, sessionKey string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return runner.scheduler.RunningRunID(sessionKey) == ""
	}, 2*time.Second, 10*time.Millisecond, "lane did not drain")
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(Config{Executor: toolexecutor.New(), Loop: LoopConfig{Model: "m"}})
	assert.EqualError(t, err, "model provider is required")

	_, err = NewRunner(Config{Provider: &fakeProvider{}, Loop: LoopConfig{Model: "m"}})
	assert.EqualError(t, err, "tool executor is required")

	_, err = NewRunner(Config{Provider: &fakeProvider{}, Executor: toolexecutor.New()})
	assert.EqualError(t, err, "model is required")
}

func TestRunner_RunToCompletion(t *testing.T) {
	provider := &fakeProvider{fn: func(_ context.Context, _ ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{Content: "all done"}, nil
	}}
	runner, recorder, notifier := newTestRunner(t, provider, nil)

	adm, err := runner.Submit(context.Background(), lane.SubmitRequest{
		SessionKey: "sess-1",
		AgentID:    "main",
		Message:    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, lane.AdmissionStarted, adm.Status)

	event := notifier.wait(t)
	assert.Equal(t, "final", event.Type)
	assert.Equal(t, adm.RunID, event.RunID)
	assert.Equal(t, "sess-1", event.SessionKey)
	assert.Equal(t, "all done", event.Content)
	assert.Equal(t, StopCompleted, event.StopReason)
	assert.Empty(t, event.Error)

	waitForIdle(t, runner, "sess-1")

	assert.Equal(t, 1, recorder.startCount())
	record, ok := recorder.terminalFor(adm.RunID)
	require.True(t, ok)
	assert.Equal(t, "final", record.Status)
	assert.Equal(t, "completed", record.StopReason)
	assert.Equal(t, 1, record.Iterations)
	assert.Equal(t, "m-prime", record.Model)
	assert.False(t, record.EndedAt.IsZero())
}

func TestRunner_SerializesRunsPerSession(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{fn: func(ctx context.Context, _ ModelRequest) (*ModelResponse, error) {
		select {
		case <-release:
			return &ModelResponse{Content: "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	runner, _, notifier := newTestRunner(t, provider, nil)

	first, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "one"})
	require.NoError(t, err)
	assert.Equal(t, lane.AdmissionStarted, first.Status)

	second, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "two"})
	require.NoError(t, err)
	assert.Equal(t, lane.AdmissionQueued, second.Status)

	close(release)

	got := notifier.wait(t)
	assert.Equal(t, first.RunID, got.RunID)
	got = notifier.wait(t)
	assert.Equal(t, second.RunID, got.RunID)

	waitForIdle(t, runner, "sess-1")
	assert.Equal(t, 2, notifier.eventCount())
}

func TestRunner_DuplicateSubmission(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	provider := &fakeProvider{fn: func(ctx context.Context, _ ModelRequest) (*ModelResponse, error) {
		select {
		case <-release:
			return &ModelResponse{Content: "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	runner, _, _ := newTestRunner(t, provider, nil)

	first, err := runner.Submit(context.Background(), lane.SubmitRequest{
		SessionKey:     "sess-1",
		Message:        "do it",
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)

	again, err := runner.Submit(context.Background(), lane.SubmitRequest{
		SessionKey:     "sess-1",
		Message:        "do it",
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.RunID, again.RunID)
}

func TestRunner_AbortActiveRun(t *testing.T) {
	provider := &fakeProvider{fn: func(ctx context.Context, _ ModelRequest) (*ModelResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	runner, recorder, notifier := newTestRunner(t, provider, nil)

	adm, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "hang"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return provider.callCount() > 0
	}, 2*time.Second, 10*time.Millisecond, "run never reached the provider")

	assert.True(t, runner.Abort(adm.RunID))

	event := notifier.wait(t)
	assert.Equal(t, "aborted", event.Type)
	assert.Equal(t, adm.RunID, event.RunID)
	assert.Equal(t, StopAborted, event.StopReason)
	assert.Equal(t, "run aborted", event.Error)

	waitForIdle(t, runner, "sess-1")

	record, ok := recorder.terminalFor(adm.RunID)
	require.True(t, ok)
	assert.Equal(t, "aborted", record.Status)
	assert.Equal(t, "aborted", record.StopReason)
}

func TestRunner_AbortQueuedRun(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{fn: func(ctx context.Context, _ ModelRequest) (*ModelResponse, error) {
		select {
		case <-release:
			return &ModelResponse{Content: "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	runner, recorder, notifier := newTestRunner(t, provider, nil)

	first, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "one"})
	require.NoError(t, err)
	second, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "two"})
	require.NoError(t, err)
	require.Equal(t, lane.AdmissionQueued, second.Status)

	// The queued run gets its terminal event without ever starting.
	assert.True(t, runner.Abort(second.RunID))

	event := notifier.wait(t)
	assert.Equal(t, "aborted", event.Type)
	assert.Equal(t, second.RunID, event.RunID)

	record, ok := recorder.terminalFor(second.RunID)
	require.True(t, ok)
	assert.Equal(t, "aborted", record.Status)
	assert.True(t, record.StartedAt.IsZero())

	close(release)
	event = notifier.wait(t)
	assert.Equal(t, "final", event.Type)
	assert.Equal(t, first.RunID, event.RunID)

	waitForIdle(t, runner, "sess-1")
	assert.Equal(t, 1, recorder.startCount())
	assert.Equal(t, 2, notifier.eventCount())
}

func TestRunner_AbortSession(t *testing.T) {
	provider := &fakeProvider{fn: func(ctx context.Context, _ ModelRequest) (*ModelResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	runner, _, notifier := newTestRunner(t, provider, nil)

	_, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "hang"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return provider.callCount() > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, runner.AbortSession("sess-1"))
	event := notifier.wait(t)
	assert.Equal(t, "aborted", event.Type)

	assert.False(t, runner.AbortSession("sess-1"))
	assert.False(t, runner.AbortSession("no-such-session"))
}

func TestRunner_AbortUnknownRun(t *testing.T) {
	runner, _, _ := newTestRunner(t, &fakeProvider{}, nil)
	assert.False(t, runner.Abort("run-nope"))
}

func TestRunner_PanicDoesNotBlockLane(t *testing.T) {
	var calls int
	var mu sync.Mutex
	provider := &fakeProvider{fn: func(_ context.Context, _ ModelRequest) (*ModelResponse, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			panic("provider exploded")
		}
		return &ModelResponse{Content: "recovered"}, nil
	}}
	runner, recorder, notifier := newTestRunner(t, provider, nil)

	crashed, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "boom"})
	require.NoError(t, err)

	event := notifier.wait(t)
	assert.Equal(t, "error", event.Type)
	assert.Equal(t, crashed.RunID, event.RunID)
	assert.Contains(t, event.Error, "run panicked")

	record, ok := recorder.terminalFor(crashed.RunID)
	require.True(t, ok)
	assert.Equal(t, "error", record.Status)
	assert.Contains(t, record.Error, "provider exploded")

	// The lane keeps serving runs after the crash.
	waitForIdle(t, runner, "sess-1")
	next, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "again"})
	require.NoError(t, err)

	event = notifier.wait(t)
	assert.Equal(t, "final", event.Type)
	assert.Equal(t, next.RunID, event.RunID)
	assert.Equal(t, "recovered", event.Content)
}

func TestRunner_ModelExhaustionIsLocalToRun(t *testing.T) {
	var calls int
	var mu sync.Mutex
	provider := &fakeProvider{fn: func(_ context.Context, _ ModelRequest) (*ModelResponse, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return nil, errors.New("404 model missing")
		}
		return &ModelResponse{Content: "fresh run ok"}, nil
	}}
	runner, recorder, notifier := newTestRunner(t, provider, nil)

	failed, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "one"})
	require.NoError(t, err)
	queued, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "two"})
	require.NoError(t, err)

	event := notifier.wait(t)
	assert.Equal(t, "error", event.Type)
	assert.Equal(t, failed.RunID, event.RunID)
	assert.Equal(t, StopModelExhausted, event.StopReason)
	assert.Contains(t, event.Error, "all models exhausted")

	// The queued run is promoted and starts fresh. The model is still in
	// cooldown but, being the only candidate, it is attempted anyway.
	event = notifier.wait(t)
	assert.Equal(t, "final", event.Type)
	assert.Equal(t, queued.RunID, event.RunID)
	assert.Equal(t, "fresh run ok", event.Content)

	record, ok := recorder.terminalFor(failed.RunID)
	require.True(t, ok)
	assert.Equal(t, "error", record.Status)
	assert.Equal(t, "model_exhausted", record.StopReason)
}

func TestRunner_AssemblerFailureIsTerminalError(t *testing.T) {
	runner, recorder, notifier := newTestRunner(t, &fakeProvider{}, func(cfg *Config) {
		cfg.Assembler = AssemblerFunc(func(_ context.Context, _, _ string) ([]Message, error) {
			return nil, errors.New("history store offline")
		})
	})

	adm, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "hi"})
	require.NoError(t, err)

	event := notifier.wait(t)
	assert.Equal(t, "error", event.Type)
	assert.Contains(t, event.Error, "assemble messages")
	assert.Contains(t, event.Error, "history store offline")

	record, ok := recorder.terminalFor(adm.RunID)
	require.True(t, ok)
	assert.Equal(t, "error", record.Status)
	assert.Equal(t, 0, record.Iterations)

	waitForIdle(t, runner, "sess-1")
}

func TestRunner_CustomAssembler(t *testing.T) {
	provider := &fakeProvider{fn: func(_ context.Context, request ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{Content: request.Messages[0].Content}, nil
	}}
	runner, _, notifier := newTestRunner(t, provider, func(cfg *Config) {
		cfg.Assembler = AssemblerFunc(func(_ context.Context, sessionKey, message string) ([]Message, error) {
			return []Message{{Role: "user", Content: sessionKey + ": " + message}}, nil
		})
	})

	_, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-7", Message: "ping"})
	require.NoError(t, err)

	event := notifier.wait(t)
	assert.Equal(t, "final", event.Type)
	assert.Equal(t, "sess-7: ping", event.Content)
}

func TestRunner_RecorderFailureDoesNotFailRun(t *testing.T) {
	provider := &fakeProvider{fn: func(_ context.Context, _ ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{Content: "still fine"}, nil
	}}
	runner, recorder, notifier := newTestRunner(t, provider, nil)
	recorder.fail = true

	_, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "hi"})
	require.NoError(t, err)

	event := notifier.wait(t)
	assert.Equal(t, "final", event.Type)
	assert.Equal(t, "still fine", event.Content)
}

func TestRunner_NoRecorderOrNotifier(t *testing.T) {
	provider := &fakeProvider{fn: func(_ context.Context, _ ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{Content: "quiet"}, nil
	}}
	cfg := Config{
		Provider: provider,
		Executor: toolexecutor.New(),
		Logger:   zerolog.Nop(),
		Loop:     LoopConfig{Model: "m-prime"},
	}
	runner, err := NewRunner(cfg)
	require.NoError(t, err)
	defer runner.Close()

	_, err = runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "hi"})
	require.NoError(t, err)

	waitForIdle(t, runner, "sess-1")
}

func TestRunner_LanePassthroughs(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	provider := &fakeProvider{fn: func(ctx context.Context, _ ModelRequest) (*ModelResponse, error) {
		select {
		case <-release:
			return &ModelResponse{Content: "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	runner, _, _ := newTestRunner(t, provider, nil)

	_, err := runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "one"})
	require.NoError(t, err)
	_, err = runner.Submit(context.Background(), lane.SubmitRequest{SessionKey: "sess-1", Message: "two"})
	require.NoError(t, err)

	assert.Equal(t, 1, runner.QueueDepth("sess-1"))

	report := runner.LaneStatus("sess-1")
	require.Len(t, report.Sessions, 1)
	assert.Equal(t, "sess-1", report.Sessions[0].SessionKey)

	assert.Empty(t, runner.IdleLanes(time.Hour))
	assert.NotNil(t, runner.Cooldowns())
}

func TestRunner_ApplyLimits(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	provider := &fakeProvider{fn: func(ctx context.Context, _ ModelRequest) (*ModelResponse, error) {
		select {
		case <-release:
			return &ModelResponse{Content: "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	runner, _, _ := newTestRunner(t, provider, func(cfg *Config) {
		cfg.MaxPending = 1
	})

	ctx := context.Background()
	_, err := runner.Submit(ctx, lane.SubmitRequest{SessionKey: "sess-1", Message: "one"})
	require.NoError(t, err)
	_, err = runner.Submit(ctx, lane.SubmitRequest{SessionKey: "sess-1", Message: "two"})
	require.NoError(t, err)

	_, err = runner.Submit(ctx, lane.SubmitRequest{SessionKey: "sess-1", Message: "three"})
	assert.ErrorIs(t, err, lane.ErrQueueFull)

	runner.ApplyLimits(2, 5, 2)

	adm, err := runner.Submit(ctx, lane.SubmitRequest{SessionKey: "sess-1", Message: "three again"})
	require.NoError(t, err)
	assert.Equal(t, lane.AdmissionQueued, adm.Status)

	maxIterations, maxRetries := runner.loop.limits()
	assert.Equal(t, 5, maxIterations)
	assert.Equal(t, 2, maxRetries)
}

func TestTerminalStatus(t *testing.T) {
	assert.Equal(t, lane.StatusFinal, terminalStatus(StopCompleted, nil))
	assert.Equal(t, lane.StatusFinal, terminalStatus(StopIterationCap, nil))
	assert.Equal(t, lane.StatusAborted, terminalStatus(StopAborted, ErrAborted))
	assert.Equal(t, lane.StatusAborted, terminalStatus(StopAborted, nil))
	assert.Equal(t, lane.StatusError, terminalStatus(StopModelExhausted, &ModelExhaustedError{}))
	assert.Equal(t, lane.StatusError, terminalStatus("", errors.New("boom")))
}

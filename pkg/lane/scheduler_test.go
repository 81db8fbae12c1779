package lane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run to finish")
	}
}

func TestScheduler_ImmediateStart(t *testing.T) {
	started := make(chan *Run, 1)
	sched := New(Options{Start: func(ctx context.Context, run *Run) {
		started <- run
	}})
	defer sched.Close()

	adm, err := sched.Submit(context.Background(), SubmitRequest{
		SessionKey: "sess-1",
		AgentID:    "main",
		Message:    "hello",
	})

	require.NoError(t, err)
	assert.Equal(t, AdmissionStarted, adm.Status)
	assert.NotEmpty(t, adm.RunID)
	assert.Equal(t, 0, adm.QueueDepth)

	select {
	case run := <-started:
		assert.Equal(t, adm.RunID, run.RunID)
		assert.Equal(t, "sess-1", run.SessionKey)
		assert.Equal(t, StatusRunning, run.Status)
		assert.False(t, run.StartedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("start func was not invoked")
	}

	assert.Equal(t, adm.RunID, sched.RunningRunID("sess-1"))
}

func TestScheduler_SecondSubmissionQueues(t *testing.T) {
	release := make(chan struct{})
	sched := New(Options{Start: func(ctx context.Context, run *Run) {
		<-release
	}})
	defer sched.Close()
	defer close(release)

	first, err := sched.Submit(context.Background(), SubmitRequest{SessionKey: "sess-1", Message: "one"})
	require.NoError(t, err)
	assert.Equal(t, AdmissionStarted, first.Status)

	second, err := sched.Submit(context.Background(), SubmitRequest{SessionKey: "sess-1", Message: "two"})
	require.NoError(t, err)
	assert.Equal(t, AdmissionQueued, second.Status)
	assert.Equal(t, 1, second.Position)
	assert.Equal(t, 1, second.QueueDepth)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 1, sched.QueueDepth("sess-1"))
}

func TestScheduler_QueueFullRejection(t *testing.T) {
	release := make(chan struct{})
	sched := New(Options{MaxPending: 2, Start: func(ctx context.Context, run *Run) {
		<-release
	}})
	defer sched.Close()
	defer close(release)

	ctx := context.Background()
	adm1, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "one"})
	require.NoError(t, err)
	assert.Equal(t, AdmissionStarted, adm1.Status)

	adm2, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "two"})
	require.NoError(t, err)
	assert.Equal(t, AdmissionQueued, adm2.Status)

	adm3, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "three"})
	require.NoError(t, err)
	assert.Equal(t, AdmissionQueued, adm3.Status)
	assert.Equal(t, 2, adm3.QueueDepth)

	adm4, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "four"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, AdmissionQueueFull, adm4.Status)
	assert.Empty(t, adm4.RunID)

	// Other lanes are unaffected by a full one.
	adm5, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-2", Message: "five"})
	require.NoError(t, err)
	assert.Equal(t, AdmissionStarted, adm5.Status)
}

func TestScheduler_SetMaxPending(t *testing.T) {
	release := make(chan struct{})
	sched := New(Options{MaxPending: 1, Start: func(ctx context.Context, run *Run) {
		<-release
	}})
	defer sched.Close()
	defer close(release)

	ctx := context.Background()
	_, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "one"})
	require.NoError(t, err)
	_, err = sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "two"})
	require.NoError(t, err)

	rejected, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "three"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, AdmissionQueueFull, rejected.Status)

	sched.SetMaxPending(3)

	adm, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "three again"})
	require.NoError(t, err)
	assert.Equal(t, AdmissionQueued, adm.Status)
	assert.Equal(t, 2, adm.QueueDepth)

	// Non-positive values leave the bound unchanged.
	sched.SetMaxPending(0)
	adm, err = sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "four"})
	require.NoError(t, err)
	assert.Equal(t, AdmissionQueued, adm.Status)
}

func TestScheduler_FIFOPromotion(t *testing.T) {
	var sched *Scheduler
	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)

	sched = New(Options{Start: func(ctx context.Context, run *Run) {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		order = append(order, run.Message)
		mu.Unlock()
		sched.Complete(run.SessionKey, run.RunID)
		done <- struct{}{}
	}})
	defer sched.Close()

	ctx := context.Background()
	for _, msg := range []string{"first", "second", "third"} {
		_, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: msg})
		require.NoError(t, err)
	}

	waitSignal(t, done)
	waitSignal(t, done)
	waitSignal(t, done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Empty(t, sched.RunningRunID("sess-1"))
}

func TestScheduler_IdempotentResubmission(t *testing.T) {
	release := make(chan struct{})
	sched := New(Options{Start: func(ctx context.Context, run *Run) {
		<-release
	}})
	defer sched.Close()
	defer close(release)

	ctx := context.Background()
	first, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "one", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, AdmissionStarted, first.Status)
	assert.Equal(t, "key-1", first.RunID)

	// Same key while running: same run, no new admission.
	dup, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "one", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, first.RunID, dup.RunID)
	assert.Equal(t, AdmissionStarted, dup.Status)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, 0, sched.QueueDepth("sess-1"))

	queued, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "two", IdempotencyKey: "key-2"})
	require.NoError(t, err)
	assert.Equal(t, AdmissionQueued, queued.Status)

	// Same key while queued: still no duplicate enqueue.
	dup2, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "two", IdempotencyKey: "key-2"})
	require.NoError(t, err)
	assert.Equal(t, queued.RunID, dup2.RunID)
	assert.Equal(t, AdmissionQueued, dup2.Status)
	assert.True(t, dup2.Duplicate)
	assert.Equal(t, 1, sched.QueueDepth("sess-1"))
}

func TestScheduler_DedupAfterCompletion(t *testing.T) {
	var sched *Scheduler
	done := make(chan struct{}, 1)
	sched = New(Options{DedupTTL: time.Minute, Start: func(ctx context.Context, run *Run) {
		sched.Complete(run.SessionKey, run.RunID)
		done <- struct{}{}
	}})
	defer sched.Close()

	ctx := context.Background()
	first, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "one", IdempotencyKey: "idem-9"})
	require.NoError(t, err)
	waitSignal(t, done)

	// Resubmission inside the TTL window resolves to the completed run.
	dup, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "one", IdempotencyKey: "idem-9"})
	require.NoError(t, err)
	assert.Equal(t, first.RunID, dup.RunID)
	assert.True(t, dup.Duplicate)
	assert.Empty(t, sched.RunningRunID("sess-1"))
}

func TestScheduler_LaneStatus(t *testing.T) {
	release := make(chan struct{})
	sched := New(Options{Start: func(ctx context.Context, run *Run) {
		<-release
	}})
	defer sched.Close()
	defer close(release)

	ctx := context.Background()
	runA, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-a", Message: "one"})
	require.NoError(t, err)
	_, err = sched.Submit(ctx, SubmitRequest{SessionKey: "sess-a", Message: "two"})
	require.NoError(t, err)
	runB, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-b", Message: "three"})
	require.NoError(t, err)

	report := sched.LaneStatus("")
	require.Len(t, report.Sessions, 2)
	assert.Equal(t, "sess-a", report.Sessions[0].SessionKey)
	assert.Equal(t, "sess-b", report.Sessions[1].SessionKey)

	laneA := report.Sessions[0]
	assert.Equal(t, runA.RunID, laneA.RunningRunID)
	assert.Equal(t, 1, laneA.QueueDepth)
	assert.Equal(t, 1, laneA.Queued)
	require.NotNil(t, laneA.OldestEnqueuedAt)
	assert.GreaterOrEqual(t, laneA.HeadWaitMs, int64(0))

	laneB := report.Sessions[1]
	assert.Equal(t, runB.RunID, laneB.RunningRunID)
	assert.Equal(t, 0, laneB.QueueDepth)
	assert.Nil(t, laneB.OldestEnqueuedAt)

	assert.Equal(t, 2, report.Summary.RunningSessions)
	assert.Equal(t, 1, report.Summary.QueuedSessions)
	assert.Equal(t, 1, report.Summary.TotalQueued)

	single := sched.LaneStatus("sess-a")
	require.Len(t, single.Sessions, 1)
	assert.Equal(t, "sess-a", single.Sessions[0].SessionKey)

	unknown := sched.LaneStatus("sess-missing")
	assert.Empty(t, unknown.Sessions)
}

func TestScheduler_DropQueued(t *testing.T) {
	release := make(chan struct{})
	sched := New(Options{Start: func(ctx context.Context, run *Run) {
		<-release
	}})
	defer sched.Close()
	defer close(release)

	ctx := context.Background()
	_, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "one"})
	require.NoError(t, err)
	queued, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "two"})
	require.NoError(t, err)

	dropped := sched.DropQueued(queued.RunID)
	require.NotNil(t, dropped)
	assert.Equal(t, queued.RunID, dropped.RunID)
	assert.Equal(t, StatusAborted, dropped.Status)
	assert.False(t, dropped.EndedAt.IsZero())
	assert.Equal(t, 0, sched.QueueDepth("sess-1"))

	assert.Nil(t, sched.DropQueued("missing"))
	assert.Nil(t, sched.DropQueued(queued.RunID))
}

func TestScheduler_CompleteWrongRunKeepsSlot(t *testing.T) {
	sched := New(Options{})
	defer sched.Close()

	adm, err := sched.Submit(context.Background(), SubmitRequest{SessionKey: "sess-1", Message: "one"})
	require.NoError(t, err)

	sched.Complete("sess-1", "not-the-run")
	assert.Equal(t, adm.RunID, sched.RunningRunID("sess-1"))

	sched.Complete("sess-1", adm.RunID)
	assert.Empty(t, sched.RunningRunID("sess-1"))

	// Completing twice is a no-op.
	sched.Complete("sess-1", adm.RunID)
	sched.Complete("sess-x", "nope")
}

func TestScheduler_IdleLanesAndRemove(t *testing.T) {
	sched := New(Options{})
	defer sched.Close()

	ctx := context.Background()
	idleRun, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-idle", Message: "one"})
	require.NoError(t, err)
	sched.Complete("sess-idle", idleRun.RunID)

	_, err = sched.Submit(ctx, SubmitRequest{SessionKey: "sess-busy", Message: "two"})
	require.NoError(t, err)

	idle := sched.IdleLanes(0)
	assert.Equal(t, []string{"sess-idle"}, idle)

	assert.False(t, sched.RemoveLane("sess-busy"))
	assert.True(t, sched.RemoveLane("sess-idle"))
	assert.False(t, sched.RemoveLane("sess-idle"))

	// Removed lanes come back lazily.
	again, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-idle", Message: "three"})
	require.NoError(t, err)
	assert.Equal(t, AdmissionStarted, again.Status)
}

func TestScheduler_Events(t *testing.T) {
	sched := New(Options{MaxPending: 1})
	defer sched.Close()

	var mu sync.Mutex
	var types []string
	record := func(event Event) {
		mu.Lock()
		types = append(types, event.Type)
		mu.Unlock()
	}
	for _, eventType := range []string{"started", "enqueued", "completed", "rejected"} {
		sched.On(eventType, record)
	}

	ctx := context.Background()
	first, err := sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "one"})
	require.NoError(t, err)
	_, err = sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "two"})
	require.NoError(t, err)
	_, err = sched.Submit(ctx, SubmitRequest{SessionKey: "sess-1", Message: "three"})
	assert.ErrorIs(t, err, ErrQueueFull)

	sched.Complete("sess-1", first.RunID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"started", "enqueued", "rejected", "completed", "started"}, types)
}

func TestScheduler_WaitForActive(t *testing.T) {
	sched := New(Options{})
	defer sched.Close()

	adm, err := sched.Submit(context.Background(), SubmitRequest{SessionKey: "sess-1", Message: "one"})
	require.NoError(t, err)

	assert.False(t, sched.WaitForActive(150*time.Millisecond))

	sched.Complete("sess-1", adm.RunID)
	assert.True(t, sched.WaitForActive(time.Second))
}

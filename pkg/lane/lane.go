package lane

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned when a lane's pending queue is at capacity.
var ErrQueueFull = errors.New("session queue is full, try again later")

// RunStatus tracks a Run through its lifecycle.
type RunStatus string

const (
	StatusQueued  RunStatus = "queued"
	StatusRunning RunStatus = "running"
	StatusFinal   RunStatus = "final"
	StatusAborted RunStatus = "aborted"
	StatusError   RunStatus = "error"
)

// Run is a single execution request owned by a session lane. The scheduler
// moves Status from queued to running; the execution side records the
// terminal status (final/aborted/error), EndedAt, and IterationCount before
// calling Complete.
type Run struct {
	RunID          string
	SessionKey     string
	AgentID        string
	Message        string
	IdempotencyKey string
	Status         RunStatus
	EnqueuedAt     time.Time
	StartedAt      time.Time
	EndedAt        time.Time
	IterationCount int

	// submitCtx carries the submission's trace metadata into the run
	// context; its cancellation is deliberately not inherited.
	submitCtx context.Context
}

// SubmitRequest describes a run submission for a session lane.
type SubmitRequest struct {
	SessionKey     string
	AgentID        string
	Message        string
	IdempotencyKey string
}

// AdmissionStatus is the synchronous outcome of a submission.
type AdmissionStatus string

const (
	AdmissionStarted   AdmissionStatus = "started"
	AdmissionQueued    AdmissionStatus = "queued"
	AdmissionQueueFull AdmissionStatus = "queue_full"
)

// Admission reports how a submission was admitted. Duplicate is set when an
// idempotency key resolved to an already-known run instead of creating one.
type Admission struct {
	RunID      string          `json:"runId,omitempty"`
	Status     AdmissionStatus `json:"status"`
	Position   int             `json:"position,omitempty"`
	QueueDepth int             `json:"queueDepth"`
	Duplicate  bool            `json:"duplicate,omitempty"`
}

// StartFunc executes an admitted Run. The scheduler invokes it on its own
// goroutine each time a Run enters the running slot; the implementation must
// call Complete with the Run's session key and ID once the Run is terminal.
type StartFunc func(ctx context.Context, run *Run)

// Options configures a Scheduler.
type Options struct {
	// MaxPending bounds each lane's queue. Defaults to 100.
	MaxPending int
	// DedupTTL is how long a completed idempotency key keeps answering
	// with the original run ID. Defaults to 5 minutes.
	DedupTTL time.Duration
	// Start is invoked for every Run entering the running slot.
	Start StartFunc
}

// LaneSnapshot is a point-in-time view of one session lane. Queued mirrors
// QueueDepth for wire compatibility with the lanes.status payload.
type LaneSnapshot struct {
	SessionKey       string     `json:"sessionKey"`
	RunningRunID     string     `json:"runningRunId,omitempty"`
	Queued           int        `json:"queued"`
	QueueDepth       int        `json:"queueDepth"`
	HeadWaitMs       int64      `json:"headWaitMs"`
	OldestEnqueuedAt *time.Time `json:"oldestEnqueuedAt,omitempty"`
}

// StatusSummary aggregates lane activity across sessions.
type StatusSummary struct {
	RunningSessions int `json:"runningSessions"`
	QueuedSessions  int `json:"queuedSessions"`
	TotalQueued     int `json:"totalQueued"`
}

// StatusReport is the laneStatus payload.
type StatusReport struct {
	Sessions []LaneSnapshot `json:"sessions"`
	Summary  StatusSummary  `json:"summary"`
}

// EventHandler is a function that handles scheduler events
type EventHandler func(event Event)

// Event represents a scheduler event
type Event struct {
	Type       string                 // "started", "enqueued", "completed" or "rejected"
	SessionKey string                 // Lane the event belongs to
	RunID      string                 // Run ID, empty for rejected submissions
	Data       map[string]interface{} // Additional event data
}

package daemon

import (
	"context"

	"github.com/harun/sera/pkg/agent"
	"github.com/harun/sera/pkg/runlog"
)

// runLogRecorder adapts the run log store to the runner's recorder
// interface so every admitted run leaves a durable row.
type runLogRecorder struct {
	store *runlog.Store
}

func newRunLogRecorder(store *runlog.Store) *runLogRecorder {
	return &runLogRecorder{store: store}
}

func (r *runLogRecorder) RecordStart(ctx context.Context, record agent.RunRecord) error {
	return r.store.RecordStart(ctx, toRunLogRecord(record))
}

func (r *runLogRecorder) RecordTerminal(ctx context.Context, record agent.RunRecord) error {
	return r.store.RecordTerminal(ctx, toRunLogRecord(record))
}

func toRunLogRecord(record agent.RunRecord) runlog.Record {
	return runlog.Record{
		RunID:      record.RunID,
		SessionKey: record.SessionKey,
		AgentID:    record.AgentID,
		Status:     record.Status,
		StopReason: record.StopReason,
		Error:      record.Error,
		Iterations: record.Iterations,
		Model:      record.Model,
		EnqueuedAt: record.EnqueuedAt,
		StartedAt:  record.StartedAt,
		EndedAt:    record.EndedAt,
	}
}

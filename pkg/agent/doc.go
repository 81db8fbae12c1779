// Package agent executes session-scoped model runs with tool loops and
// model failover.
//
// Invariants:
// - Runs are serialized per session lane through the lane scheduler.
// - Tool calls route through toolexecutor only.
// - Every admitted run ends in exactly one terminal state (final, aborted
//   or error) and produces exactly one terminal event.
// - Model failures feed a shared cooldown table; a run never retries
//   indefinitely once every candidate model has failed.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{
//		Provider: provider,
//		Executor: tools,
//		Loop:     agent.LoopConfig{Model: "claude-sonnet-4"},
//	})
//	admission, _ := runner.Submit(ctx, lane.SubmitRequest{
//		SessionKey: "session:1",
//		Message:    "hello",
//	})
//	_ = admission
package agent

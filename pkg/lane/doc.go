// Package lane provides per-session run scheduling with single-flight execution.
//
// Invariants:
// - At most one Run executes per session lane at any time.
// - Queued Runs in the same lane start in strict FIFO order.
// - Admission never blocks: a submission starts, queues, or is rejected immediately.
//
// Usage:
//
//	sched := lane.New(lane.Options{MaxPending: 100, Start: startRun})
//	defer sched.Close()
//	adm, err := sched.Submit(ctx, lane.SubmitRequest{SessionKey: "tg:42", Message: "hello"})
package lane

// Package orchestrator submits agent jobs and runs them to a persisted
// terminal outcome.
//
// Invariants:
// - A job row and the task that runs it are written in one transaction.
// - A terminal job is never executed or written again.
// - The terminal status, output and webhook delivery for a job commit together.
// - Failures to persist step events are retried by the queue; every other
//   failure ends the job as failed.
//
// Usage:
//
//	orch, _ := orchestrator.New(st, queue, reg, publisher, orchestrator.WithWebhooks(dispatcher))
//	job, err := orch.Submit(ctx, orchestrator.Submission{
//		TenantID: "acme", Pack: "research", Agent: "keyword_researcher",
//		Input: map[string]any{"topic": "go"},
//	})
package orchestrator

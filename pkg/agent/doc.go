// Package agent drives a language model through plan/act rounds with a fixed
// tool set until it produces a final answer.
//
// Invariants:
//   - The assistant message that requested tools is appended to the transcript
//     before any of its tool results.
//   - Tool failures (unknown tool, invalid arguments, handler error) are fed
//     back to the model as error results and never abort the run.
//   - Only model invocation failures consult the retry predicate.
//   - The run's result is the last successful tool result, or the model's final
//     text when no tool succeeded.
//
// Usage:
//
//	tools, _ := agent.NewToolSet(lookupTool)
//	loop, _ := agent.NewLoop(agent.LoopConfig{
//		Provider:    provider,
//		Tools:       tools,
//		Publisher:   publisher,
//		Model:       "claude-sonnet-4-5",
//		ShouldRetry: agent.RetryTransient(3),
//	})
//	result, _ := loop.Run(ctx, map[string]any{"tenant_id": "t1", "job_id": "j1", "topic": "x"})
package agent

// Package taskqueue provides a durable, lane-based task queue on SQLite.
//
// Invariants:
// - Each task name is a lane; tasks in a lane are claimed in run-time order.
// - A lane runs at most its configured number of tasks concurrently.
// - A task is handed to its handler at least once; handlers tolerate re-delivery.
// - Only errors marked retryable are retried, within the lane's attempt budget.
//
// Usage:
//
//	q, _ := taskqueue.New(taskqueue.Config{DB: db})
//	q.Register("send_email", handle, taskqueue.LaneOptions{Concurrency: 2})
//	_ = q.Start(ctx)
//	defer q.Stop()
//	id, err := q.Enqueue(ctx, "send_email", map[string]string{"to": "a@b.c"})
package taskqueue

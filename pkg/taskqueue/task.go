package taskqueue

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a stored task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Task is one claimed unit of work handed to a Handler.
type Task struct {
	ID          string
	Name        string
	Payload     json.RawMessage
	Attempt     int // 1 on the first delivery
	MaxAttempts int
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	return json.Unmarshal(t.Payload, v)
}

// FinalAttempt reports whether a failure of this attempt will not be retried.
func (t *Task) FinalAttempt() bool {
	return t.Attempt >= t.MaxAttempts
}

// Handler processes a task. Returning an error marked with retry.Retryable
// schedules another attempt while budget remains; any other error is final.
type Handler func(ctx context.Context, task *Task) error

// Record is the stored view of a task.
type Record struct {
	ID          string
	Name        string
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

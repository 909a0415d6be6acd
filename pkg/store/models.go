package store

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job is one submitted unit of agent work.
type Job struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Pack      string          `json:"pack"`
	Agent     string          `json:"agent"`
	Status    JobStatus       `json:"status"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Kind is the "pack.agent" label stored with the job.
func (j *Job) Kind() string {
	return j.Pack + "." + j.Agent
}

// Event is an immutable step record of a job's execution.
type Event struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	JobID     string          `json:"job_id"`
	Step      string          `json:"step"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// DeliveryStatus is the state of an outbound webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliverySent     DeliveryStatus = "sent"
	DeliveryFailed   DeliveryStatus = "failed"
)

// WebhookDelivery is a durable record of one notification owed to a tenant
// endpoint. Payload holds the exact bytes that are signed and sent.
type WebhookDelivery struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	JobID     string          `json:"job_id"`
	URL       string          `json:"url"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Status    DeliveryStatus  `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Package events records a job's step events and broadcasts them to live
// listeners.
//
// Every step event is written to the store first and broadcast second. A
// failed store write is returned to the caller and ends the unit of work; a
// failed broadcast is logged and otherwise ignored, so the store is always a
// superset of what listeners have seen.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/agentjobs/internal/observability"
	"github.com/harun/agentjobs/pkg/retry"
	"github.com/harun/agentjobs/pkg/store"
	"github.com/rs/zerolog"
)

// ErrPersist marks a failure to write an event to the store. Work that hits
// it must stop and be re-run as a whole.
var ErrPersist = errors.New("event persistence failed")

// Steps and statuses used by the conversation loop.
const (
	StepPlan = "plan"
	StepAct  = "act"

	StatusStarted  = "started"
	StatusProgress = "progress"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Live message kinds.
const (
	KindStep         = "step"
	KindJobStarted   = "started"
	KindJobSucceeded = "succeeded"
	KindJobFailed    = "failed"
)

// Store is the persistence side of the publisher.
type Store interface {
	AppendEvent(ctx context.Context, tenantID string, ev *store.Event) error
}

// Broadcaster is the live side of the publisher.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// Message is the live representation of a step event.
type Message struct {
	Event   string         `json:"event"`
	Step    string         `json:"step"`
	Status  string         `json:"status"`
	Payload map[string]any `json:"payload"`
	ID      string         `json:"id"`
}

// Notice is a job boundary message that is broadcast but never stored.
type Notice struct {
	Event string `json:"event"`
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// Channel returns the broadcast channel name for a job.
func Channel(jobID string) string {
	return "jobs:" + jobID
}

// Publisher persists step events and broadcasts them.
type Publisher struct {
	store       Store
	broadcaster Broadcaster
	logger      zerolog.Logger
}

// NewPublisher creates a publisher. broadcaster may be nil, in which case
// events are only stored.
func NewPublisher(st Store, broadcaster Broadcaster, logger zerolog.Logger) *Publisher {
	return &Publisher{
		store:       st,
		broadcaster: broadcaster,
		logger:      logger.With().Str("component", "event_publisher").Logger(),
	}
}

// Emit stores one step event for the job and then broadcasts it on the job's
// channel. Only the store write can fail the call.
func (p *Publisher) Emit(ctx context.Context, tenantID, jobID, step, status string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s payload: %w", step, status, err)
	}

	ev := &store.Event{
		ID:        store.NewID(),
		JobID:     jobID,
		Step:      step,
		Status:    status,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.AppendEvent(ctx, tenantID, ev); err != nil {
		return retry.Retryable(fmt.Errorf("%w: %w", ErrPersist, err))
	}
	observability.RecordEventPublished(step, status)

	p.broadcast(ctx, jobID, Message{
		Event:   KindStep,
		Step:    step,
		Status:  status,
		Payload: payload,
		ID:      ev.ID,
	})
	return nil
}

// Notify broadcasts a job boundary notice. Failures are logged only.
func (p *Publisher) Notify(ctx context.Context, notice Notice) {
	p.broadcast(ctx, notice.JobID, notice)
}

func (p *Publisher) broadcast(ctx context.Context, jobID string, msg any) {
	if p.broadcaster == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to encode broadcast message")
		observability.RecordBroadcastError()
		return
	}
	if err := p.broadcaster.Publish(ctx, Channel(jobID), data); err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Broadcast failed")
		observability.RecordBroadcastError()
	}
}

// FromStored converts a stored event into its live message form.
func FromStored(ev store.Event) Message {
	payload := map[string]any{}
	_ = json.Unmarshal(ev.Payload, &payload)
	return Message{
		Event:   KindStep,
		Step:    ev.Step,
		Status:  ev.Status,
		Payload: payload,
		ID:      ev.ID,
	}
}

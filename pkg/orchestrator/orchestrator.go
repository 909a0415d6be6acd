package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/agentjobs/internal/observability"
	"github.com/harun/agentjobs/internal/tracing"
	"github.com/harun/agentjobs/pkg/events"
	"github.com/harun/agentjobs/pkg/registry"
	"github.com/harun/agentjobs/pkg/retry"
	"github.com/harun/agentjobs/pkg/store"
	"github.com/harun/agentjobs/pkg/taskqueue"
	"github.com/harun/agentjobs/pkg/webhook"
	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TaskRunAgentJob is the task queue lane that executes jobs.
const TaskRunAgentJob = "run_agent_job"

var defaultPolicy = retry.Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 10 * time.Minute}

// Notifier broadcasts job boundary notices.
type Notifier interface {
	Notify(ctx context.Context, notice events.Notice)
}

// Publisher is what agents and the orchestrator use to report progress.
type Publisher interface {
	Notifier
	Emit(ctx context.Context, tenantID, jobID, step, status string, payload map[string]any) error
}

// Deliverer schedules a webhook delivery inside a tenant transaction.
type Deliverer interface {
	EnqueueTx(ctx context.Context, tx *store.Tx, jobID, url, eventType string, payload any) (string, error)
}

// JobRequest is the payload of a run_agent_job task.
type JobRequest struct {
	TenantID   string         `json:"tenant_id"`
	JobID      string         `json:"job_id"`
	Pack       string         `json:"pack"`
	Agent      string         `json:"agent"`
	Input      map[string]any `json:"input"`
	WebhookURL string         `json:"webhook_url,omitempty"`
}

// Submission is a request to run an agent for a tenant.
type Submission struct {
	TenantID   string
	Pack       string
	Agent      string
	Input      map[string]any
	WebhookURL string
}

// Orchestrator runs queued agent jobs.
type Orchestrator struct {
	store       *store.Store
	queue       *taskqueue.Queue
	registry    registry.AgentRegistry
	publisher   Publisher
	webhooks    Deliverer
	policy      retry.Policy
	concurrency int
	logger      zerolog.Logger
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithWebhooks enables webhook notification on completion.
func WithWebhooks(d Deliverer) Option {
	return func(o *Orchestrator) {
		o.webhooks = d
	}
}

// WithRetryPolicy sets the attempt budget and backoff for job tasks.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithConcurrency sets how many jobs run at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.concurrency = n
	}
}

// WithLogger sets the logger for the orchestrator
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator and registers its lane on queue.
func New(st *store.Store, queue *taskqueue.Queue, reg registry.AgentRegistry, pub Publisher, opts ...Option) (*Orchestrator, error) {
	if st == nil || queue == nil || reg == nil || pub == nil {
		return nil, errors.New("store, queue, registry and publisher are required")
	}

	o := &Orchestrator{
		store:       st,
		queue:       queue,
		registry:    reg,
		publisher:   pub,
		policy:      defaultPolicy,
		concurrency: 4,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()

	queue.Register(TaskRunAgentJob, o.HandleTask, taskqueue.LaneOptions{
		Concurrency: o.concurrency,
		Policy:      o.policy,
		OnDead:      o.HandleDead,
	})
	return o, nil
}

// Submit records a queued job and schedules it in the same transaction.
// Unknown agents are rejected before anything is written.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*store.Job, error) {
	if _, err := o.registry.Resolve(sub.Pack, sub.Agent); err != nil {
		return nil, err
	}
	if sub.Input == nil {
		sub.Input = map[string]any{}
	}
	input, err := json.Marshal(sub.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job input: %w", err)
	}

	job := &store.Job{
		ID:    store.NewID(),
		Pack:  sub.Pack,
		Agent: sub.Agent,
		Input: input,
	}
	err = o.store.WithTenant(ctx, sub.TenantID, func(tx *store.Tx) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		_, err := o.queue.EnqueueTx(ctx, tx.SQL(), TaskRunAgentJob, JobRequest{
			TenantID:   sub.TenantID,
			JobID:      job.ID,
			Pack:       sub.Pack,
			Agent:      sub.Agent,
			Input:      sub.Input,
			WebhookURL: sub.WebhookURL,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	observability.RecordJobSubmitted(job.Kind())
	observability.RecordJobAudit(ctx, "submit", sub.TenantID, "queued", map[string]interface{}{
		"job_id": job.ID,
		"kind":   job.Kind(),
	})
	logger := tracing.LoggerFromContext(ctx, o.logger)
	logger.Info().
		Str("tenant_id", sub.TenantID).
		Str("job_id", job.ID).
		Str("kind", job.Kind()).
		Msg("Job submitted")
	return job, nil
}

// HandleTask is the run_agent_job task handler.
func (o *Orchestrator) HandleTask(ctx context.Context, task *taskqueue.Task) error {
	var req JobRequest
	if err := task.Decode(&req); err != nil {
		return retry.Permanent(fmt.Errorf("invalid job task: %w", err))
	}
	return o.execute(ctx, req, task.FinalAttempt())
}

// Execute runs one job to a terminal state. A returned error means nothing
// terminal was written and the whole job should be run again.
func (o *Orchestrator) Execute(ctx context.Context, req JobRequest) error {
	return o.execute(ctx, req, false)
}

func (o *Orchestrator) execute(ctx context.Context, req JobRequest, final bool) (err error) {
	kind := req.Pack + "." + req.Agent
	ctx = tracing.NewJobContext(ctx, req.TenantID, req.JobID, kind)
	ctx, span := tracing.StartSpan(ctx, "agentjobs.orchestrator", "orchestrator.execute", tracing.JobAttributes(ctx)...)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	var job *store.Job
	err = o.store.WithTenant(ctx, req.TenantID, func(tx *store.Tx) error {
		var err error
		job, err = tx.StartJob(ctx, req.JobID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn().Msg("Job not found, skipping")
		return nil
	}
	if err != nil {
		return retry.Retryable(err)
	}
	if job.Status.IsTerminal() {
		logger.Info().Str("status", string(job.Status)).Msg("Job already finished, skipping")
		return nil
	}

	o.publisher.Notify(ctx, events.Notice{Event: events.KindJobStarted, JobID: req.JobID})
	logger.Info().Msg("Job started")

	start := time.Now()
	result, runErr := o.run(ctx, req)

	if runErr != nil && ctx.Err() != nil {
		logger.Warn().Err(runErr).Msg("Job interrupted before completion")
		return retry.Retryable(runErr)
	}
	if errors.Is(runErr, events.ErrPersist) && !final {
		logger.Warn().Err(runErr).Msg("Event history incomplete, job will be re-run")
		return retry.Retryable(runErr)
	}

	outcome := o.outcome(req, result, runErr)
	completed, err := o.complete(ctx, req, outcome)
	if err != nil {
		return retry.Retryable(err)
	}
	if !completed {
		logger.Warn().Msg("Job missing or already terminal at completion, nothing written")
		return nil
	}

	duration := time.Since(start)
	observability.RecordJobCompleted(kind, string(outcome.status), duration)
	observability.RecordJobAudit(ctx, "complete", req.TenantID, string(outcome.status), map[string]interface{}{
		"job_id":   req.JobID,
		"kind":     kind,
		"duration": duration.Milliseconds(),
	})
	span.SetAttributes(attribute.String("job.status", string(outcome.status)))

	if outcome.status == store.JobFailed {
		logger.Warn().Str("error", outcome.errText).Dur("duration", duration).Msg("Job failed")
	} else {
		logger.Info().Dur("duration", duration).Msg("Job succeeded")
	}
	return nil
}

// complete writes the terminal state and schedules the webhook in one tenant
// transaction, then broadcasts the boundary notice. It reports false when the
// job is missing or already terminal.
func (o *Orchestrator) complete(ctx context.Context, req JobRequest, oc outcome) (bool, error) {
	completed := false
	err := o.store.WithTenant(ctx, req.TenantID, func(tx *store.Tx) error {
		var err error
		completed, err = tx.CompleteJob(ctx, req.JobID, oc.status, oc.output, oc.errText)
		if err != nil || !completed {
			return err
		}
		if req.WebhookURL != "" && o.webhooks != nil {
			if _, err := o.webhooks.EnqueueTx(ctx, tx, req.JobID, req.WebhookURL, oc.eventType, oc.webhookPayload); err != nil {
				return fmt.Errorf("failed to schedule webhook: %w", err)
			}
		}
		return nil
	})
	if err != nil || !completed {
		return false, err
	}

	notice := events.Notice{Event: events.KindJobSucceeded, JobID: req.JobID}
	if oc.status == store.JobFailed {
		notice = events.Notice{Event: events.KindJobFailed, JobID: req.JobID, Error: oc.errText}
	}
	o.publisher.Notify(ctx, notice)
	return true, nil
}

// HandleDead fails a job whose task died before a terminal state was
// written, e.g. when the worker running its last attempt was lost.
func (o *Orchestrator) HandleDead(ctx context.Context, task *taskqueue.Task, cause error) error {
	var req JobRequest
	if err := task.Decode(&req); err != nil {
		return fmt.Errorf("invalid job task: %w", err)
	}
	kind := req.Pack + "." + req.Agent
	ctx = tracing.NewJobContext(ctx, req.TenantID, req.JobID, kind)

	oc := o.outcome(req, nil, fmt.Errorf("job abandoned after %d attempts: %w", task.Attempt, cause))
	completed, err := o.complete(ctx, req, oc)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", req.JobID, err)
	}
	if !completed {
		return nil
	}

	observability.RecordJobCompleted(kind, string(oc.status), 0)
	logger := tracing.LoggerFromContext(ctx, o.logger)
	logger.Error().Err(cause).Int("attempts", task.Attempt).Msg("Job abandoned")
	return nil
}

// run resolves, builds and runs the agent. Panics become errors so the job
// still reaches a terminal state.
func (o *Orchestrator) run(ctx context.Context, req JobRequest) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent panicked: %v", p)
		}
	}()

	builder, err := o.registry.Resolve(req.Pack, req.Agent)
	if err != nil {
		return nil, err
	}
	runnable, err := builder(registry.BuildContext{
		TenantID:  req.TenantID,
		Queue:     o.queue,
		Publisher: o.publisher,
	})
	if err != nil {
		return nil, fmt.Errorf("unknown agent %s/%s: %w", req.Pack, req.Agent, err)
	}

	input, err := enrichInput(req)
	if err != nil {
		return nil, err
	}
	return runnable.Run(ctx, input)
}

// enrichInput adds the tenant and job ids to the job input.
func enrichInput(req JobRequest) (map[string]any, error) {
	data, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job input: %w", err)
	}
	if string(data) == "null" {
		data = []byte(`{}`)
	}
	if data, err = sjson.SetBytes(data, "tenant_id", req.TenantID); err != nil {
		return nil, err
	}
	if data, err = sjson.SetBytes(data, "job_id", req.JobID); err != nil {
		return nil, err
	}

	enriched := map[string]any{}
	if err := json.Unmarshal(data, &enriched); err != nil {
		return nil, fmt.Errorf("failed to decode enriched input: %w", err)
	}
	return enriched, nil
}

type outcome struct {
	status         store.JobStatus
	output         json.RawMessage
	errText        string
	eventType      string
	webhookPayload map[string]any
}

func (o *Orchestrator) outcome(req JobRequest, result any, runErr error) outcome {
	if runErr == nil {
		output, err := json.Marshal(map[string]any{"result": result})
		if err == nil {
			return outcome{
				status:         store.JobSucceeded,
				output:         output,
				eventType:      webhook.EventJobSucceeded,
				webhookPayload: map[string]any{"job_id": req.JobID, "result": result},
			}
		}
		runErr = fmt.Errorf("result is not serializable: %w", err)
	}

	errText := strings.TrimSpace(runErr.Error())
	return outcome{
		status:         store.JobFailed,
		errText:        errText,
		eventType:      webhook.EventJobFailed,
		webhookPayload: map[string]any{"job_id": req.JobID, "error": errText},
	}
}

package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harun/agentjobs/internal/observability"
	"github.com/harun/agentjobs/internal/tracing"
	"github.com/harun/agentjobs/pkg/retry"
	"github.com/harun/agentjobs/pkg/store"
	"github.com/harun/agentjobs/pkg/taskqueue"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// TaskDeliver is the task queue lane for delivery attempts.
	TaskDeliver = "deliver_webhook"

	HeaderEvent     = "X-Agentic-Event"
	HeaderSignature = "X-Agentic-Signature"

	EventJobSucceeded = "job.succeeded"
	EventJobFailed    = "job.failed"

	defaultTimeout     = 20 * time.Second
	defaultMaxAttempts = 7
	defaultBaseDelay   = 10 * time.Second
	defaultMaxDelay    = 600 * time.Second
	defaultUserAgent   = "agentjobs-webhook/1.0"

	// maxErrorBody bounds how much of a failing response is kept in last_error.
	maxErrorBody = 512
)

// Config configures a Dispatcher.
type Config struct {
	Store       *store.Store
	Queue       *taskqueue.Queue
	Secret      string
	Timeout     time.Duration
	Policy      retry.Policy
	Concurrency int
	UserAgent   string
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

// Dispatcher persists delivery obligations and performs delivery attempts.
type Dispatcher struct {
	store     *store.Store
	queue     *taskqueue.Queue
	secret    string
	timeout   time.Duration
	userAgent string
	client    *http.Client
	logger    zerolog.Logger
}

type deliverTask struct {
	DeliveryID string `json:"delivery_id"`
}

// NewDispatcher creates a dispatcher and registers its lane on the queue.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Queue == nil {
		return nil, errors.New("store and queue are required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Policy.BaseDelay <= 0 {
		cfg.Policy.BaseDelay = defaultBaseDelay
	}
	if cfg.Policy.MaxDelay <= 0 {
		cfg.Policy.MaxDelay = defaultMaxDelay
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	d := &Dispatcher{
		store:     cfg.Store,
		queue:     cfg.Queue,
		secret:    cfg.Secret,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		client:    cfg.HTTPClient,
		logger:    cfg.Logger.With().Str("component", "webhook").Logger(),
	}
	cfg.Queue.Register(TaskDeliver, d.HandleTask, taskqueue.LaneOptions{
		Concurrency: cfg.Concurrency,
		Policy:      cfg.Policy,
		OnDead:      d.HandleDead,
	})
	return d, nil
}

// EnqueueTx records a pending delivery and schedules its first attempt inside
// tx. Nothing is sent unless tx commits.
func (d *Dispatcher) EnqueueTx(ctx context.Context, tx *store.Tx, jobID, url, eventType string, payload any) (string, error) {
	body, err := Canonical(payload)
	if err != nil {
		return "", err
	}

	delivery := &store.WebhookDelivery{
		JobID:     jobID,
		URL:       url,
		EventType: eventType,
		Payload:   body,
	}
	if err := tx.CreateDelivery(ctx, delivery); err != nil {
		return "", err
	}
	if _, err := d.queue.EnqueueTx(ctx, tx.SQL(), TaskDeliver, deliverTask{DeliveryID: delivery.ID}); err != nil {
		return "", err
	}

	logger := tracing.LoggerFromContext(ctx, d.logger)
	logger.Debug().
		Str("delivery_id", delivery.ID).
		Str("event_type", eventType).
		Msg("Webhook delivery enqueued")
	return delivery.ID, nil
}

// Enqueue is EnqueueTx in its own tenant transaction.
func (d *Dispatcher) Enqueue(ctx context.Context, tenantID, jobID, url, eventType string, payload any) (string, error) {
	var id string
	err := d.store.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		var err error
		id, err = d.EnqueueTx(ctx, tx, jobID, url, eventType, payload)
		return err
	})
	return id, err
}

// HandleTask performs one delivery attempt. Failed attempts are returned as
// retryable errors so the queue reschedules them with backoff; the last
// permitted attempt records the delivery as failed.
func (d *Dispatcher) HandleTask(ctx context.Context, task *taskqueue.Task) error {
	var payload deliverTask
	if err := task.Decode(&payload); err != nil {
		return retry.Permanent(fmt.Errorf("invalid delivery task: %w", err))
	}

	tenantID, err := d.store.DeliveryTenant(ctx, payload.DeliveryID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Warn().Str("delivery_id", payload.DeliveryID).Msg("Delivery no longer exists")
		return nil
	}
	if err != nil {
		return retry.Retryable(err)
	}

	var delivery *store.WebhookDelivery
	if err := d.store.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		var err error
		delivery, err = tx.GetDelivery(ctx, payload.DeliveryID)
		return err
	}); err != nil {
		return retry.Retryable(err)
	}

	ctx = tracing.NewJobContext(ctx, tenantID, delivery.JobID, tracing.GetAgent(ctx))
	logger := tracing.LoggerFromContext(ctx, d.logger).With().
		Str("delivery_id", delivery.ID).
		Int("attempt", task.Attempt).
		Logger()

	if delivery.Status == store.DeliverySent || delivery.Status == store.DeliveryFailed {
		logger.Debug().Str("status", string(delivery.Status)).Msg("Delivery already settled")
		return nil
	}

	start := time.Now()
	attemptErr := d.post(ctx, delivery)
	duration := time.Since(start)

	final := task.FinalAttempt()
	var updated *store.WebhookDelivery
	err = d.store.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		var err error
		updated, err = tx.RecordDeliveryAttempt(ctx, delivery.ID, attemptErr, final)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		// A concurrent attempt already marked it sent.
		return nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record delivery attempt")
		return retry.Retryable(err)
	}

	observability.RecordWebhookAttempt(delivery.EventType, string(updated.Status), duration)
	observability.RecordDeliveryAudit(ctx, tenantID, string(updated.Status), map[string]interface{}{
		"delivery_id": delivery.ID,
		"job_id":      delivery.JobID,
		"event_type":  delivery.EventType,
		"attempts":    updated.Attempts,
	})

	if attemptErr == nil {
		logger.Info().Dur("duration", duration).Msg("Webhook delivered")
		return nil
	}
	if final {
		logger.Error().Err(attemptErr).Int("attempts", updated.Attempts).Msg("Webhook delivery failed permanently")
		return retry.Permanent(attemptErr)
	}
	logger.Warn().Err(attemptErr).Msg("Webhook delivery failed, will retry")
	return retry.Retryable(attemptErr)
}

// HandleDead marks the delivery of a dead task failed when its last attempt
// never recorded an outcome, e.g. because the worker died mid-attempt.
func (d *Dispatcher) HandleDead(ctx context.Context, task *taskqueue.Task, cause error) error {
	var payload deliverTask
	if err := task.Decode(&payload); err != nil {
		return fmt.Errorf("invalid delivery task: %w", err)
	}

	tenantID, err := d.store.DeliveryTenant(ctx, payload.DeliveryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var updated *store.WebhookDelivery
	err = d.store.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		delivery, err := tx.GetDelivery(ctx, payload.DeliveryID)
		if err != nil {
			return err
		}
		if delivery.Status == store.DeliverySent || delivery.Status == store.DeliveryFailed {
			return nil
		}
		updated, err = tx.RecordDeliveryAttempt(ctx, delivery.ID, cause, true)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to settle delivery %s: %w", payload.DeliveryID, err)
	}
	if updated == nil {
		return nil
	}

	observability.RecordWebhookAttempt(updated.EventType, string(updated.Status), 0)
	d.logger.Error().
		Err(cause).
		Str("tenant_id", tenantID).
		Str("delivery_id", updated.ID).
		Int("attempts", updated.Attempts).
		Msg("Webhook delivery abandoned")
	return nil
}

// post sends the stored payload bytes. Any 2xx status is success.
func (d *Dispatcher) post(ctx context.Context, delivery *store.WebhookDelivery) (err error) {
	ctx, span := tracing.StartSpan(ctx, "agentjobs.webhook", "webhook.deliver",
		attribute.String("delivery_id", delivery.ID),
		attribute.String("event_type", delivery.EventType))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	body := []byte(delivery.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set(HeaderEvent, delivery.EventType)
	req.Header.Set(HeaderSignature, Sign(d.secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(snippet) > 0 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

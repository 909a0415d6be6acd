package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateDelivery inserts a pending delivery for the bound tenant.
func (t *Tx) CreateDelivery(ctx context.Context, d *WebhookDelivery) error {
	if d.ID == "" {
		d.ID = NewID()
	}
	if d.URL == "" {
		return errors.New("delivery url is required")
	}
	now := time.Now().UTC()
	d.TenantID = t.tenantID
	d.Status = DeliveryPending
	d.Attempts = 0
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, tenant_id, job_id, url, event_type, payload_json, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		d.ID, d.TenantID, d.JobID, d.URL, d.EventType, string(d.Payload), string(d.Status),
		toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	return nil
}

// GetDelivery loads a delivery visible to the bound tenant.
func (t *Tx) GetDelivery(ctx context.Context, id string) (*WebhookDelivery, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, job_id, url, event_type, payload_json, status, attempts, last_error, created_at, updated_at
		FROM webhook_deliveries WHERE id = ? AND tenant_id = ?`, id, t.tenantID)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery: %w", err)
	}
	return d, nil
}

// ListDeliveries returns the deliveries created for a job.
func (t *Tx) ListDeliveries(ctx context.Context, jobID string) ([]WebhookDelivery, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, tenant_id, job_id, url, event_type, payload_json, status, attempts, last_error, created_at, updated_at
		FROM webhook_deliveries WHERE tenant_id = ? AND job_id = ? ORDER BY created_at, id`, t.tenantID, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var out []WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// RecordDeliveryAttempt counts one attempt. A nil attemptErr marks the
// delivery sent and clears the last error; otherwise the error is recorded
// and the status becomes retrying, or failed when final is set.
func (t *Tx) RecordDeliveryAttempt(ctx context.Context, id string, attemptErr error, final bool) (*WebhookDelivery, error) {
	status := DeliverySent
	var lastErr sql.NullString
	if attemptErr != nil {
		status = DeliveryRetrying
		if final {
			status = DeliveryFailed
		}
		lastErr = sql.NullString{String: attemptErr.Error(), Valid: true}
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status != 'sent'`,
		string(status), lastErr, toMillis(time.Now().UTC()), id, t.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to record delivery attempt: %w", err)
	} else if n == 0 {
		return nil, ErrNotFound
	}
	return t.GetDelivery(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*WebhookDelivery, error) {
	var (
		d         WebhookDelivery
		payload   string
		status    string
		lastErr   sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.JobID, &d.URL, &d.EventType, &payload, &status,
		&d.Attempts, &lastErr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.Payload = json.RawMessage(payload)
	d.Status = DeliveryStatus(status)
	d.LastError = lastErr.String
	d.CreatedAt = fromMillis(createdAt)
	d.UpdatedAt = fromMillis(updatedAt)
	return &d, nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AppendEvent inserts an event for the bound tenant. Events are never
// updated or deleted.
func (t *Tx) AppendEvent(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage(`{}`)
	}
	ev.TenantID = t.tenantID

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO events (id, tenant_id, job_id, step, status, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.JobID, ev.Step, ev.Status, string(ev.Payload), toMillis(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEvents returns a job's events in the order they were written.
func (t *Tx) ListEvents(ctx context.Context, jobID string) ([]Event, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, tenant_id, job_id, step, status, payload_json, created_at
		FROM events WHERE tenant_id = ? AND job_id = ? ORDER BY seq`, t.tenantID, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev        Event
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.JobID, &ev.Step, &ev.Status, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = fromMillis(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

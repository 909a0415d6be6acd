package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateJob inserts a queued job owned by the bound tenant. Missing ids and
// timestamps are filled in.
func (t *Tx) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.Pack == "" || job.Agent == "" {
		return errors.New("job pack and agent are required")
	}
	if len(job.Input) == 0 {
		job.Input = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	job.TenantID = t.tenantID
	job.Status = JobQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, kind, pack, agent, status, input_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TenantID, job.Kind(), job.Pack, job.Agent, string(job.Status),
		string(job.Input), toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob loads a job visible to the bound tenant.
func (t *Tx) GetJob(ctx context.Context, id string) (*Job, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, pack, agent, status, input_json, output_json, error, created_at, updated_at
		FROM jobs WHERE id = ? AND tenant_id = ?`, id, t.tenantID)

	var (
		job       Job
		status    string
		input     string
		output    sql.NullString
		errText   sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&job.ID, &job.TenantID, &job.Pack, &job.Agent, &status, &input, &output, &errText, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	job.Status = JobStatus(status)
	job.Input = json.RawMessage(input)
	if output.Valid {
		job.Output = json.RawMessage(output.String)
	}
	job.Error = errText.String
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return &job, nil
}

// ListJobs returns the bound tenant's most recent jobs, newest first.
func (t *Tx) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id FROM jobs WHERE tenant_id = ? ORDER BY created_at DESC, id LIMIT ?`, t.tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := t.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// StartJob moves a queued job to running. It returns the job as it was found;
// a job that is already running is returned unchanged so a redelivered task
// can resume it, and a terminal job is returned untouched.
func (t *Tx) StartJob(ctx context.Context, id string) (*Job, error) {
	job, err := t.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != JobQueued {
		return job, nil
	}

	now := time.Now().UTC()
	_, err = t.tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		string(JobRunning), toMillis(now), id, t.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}
	job.Status = JobRunning
	job.UpdatedAt = now
	return job, nil
}

// CompleteJob records a terminal outcome. It reports false when the job does
// not exist for the bound tenant or is already terminal, in which case nothing
// is written.
func (t *Tx) CompleteJob(ctx context.Context, id string, status JobStatus, output json.RawMessage, errText string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}

	var out sql.NullString
	if len(output) > 0 {
		out = sql.NullString{String: string(output), Valid: true}
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, output_json = ?, error = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status NOT IN ('succeeded', 'failed')`,
		string(status), out, nullString(errText), toMillis(time.Now().UTC()), id, t.tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	return n > 0, nil
}

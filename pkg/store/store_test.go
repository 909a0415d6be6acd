package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "agentjobs.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func createJob(t *testing.T, st *Store, tenantID string) *Job {
	t.Helper()
	job := &Job{Pack: "research", Agent: "keyword_researcher", Input: json.RawMessage(`{"topic":"x"}`)}
	require.NoError(t, st.WithTenant(context.Background(), tenantID, func(tx *Tx) error {
		return tx.CreateJob(context.Background(), job)
	}))
	return job
}

func TestJobLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st, "tenant-a")

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobQueued, job.Status)
	assert.Equal(t, "research.keyword_researcher", job.Kind())

	err := st.WithTenant(ctx, "tenant-a", func(tx *Tx) error {
		started, err := tx.StartJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobRunning, started.Status)

		ok, err := tx.CompleteJob(ctx, job.ID, JobSucceeded, json.RawMessage(`{"result":"done"}`), "")
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	err = st.WithTenant(ctx, "tenant-a", func(tx *Tx) error {
		got, err := tx.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobSucceeded, got.Status)
		assert.JSONEq(t, `{"result":"done"}`, string(got.Output))
		assert.JSONEq(t, `{"topic":"x"}`, string(got.Input))
		assert.Empty(t, got.Error)
		return nil
	})
	require.NoError(t, err)
}

func TestCompleteJobIsNoOpWhenTerminalOrMissing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st, "tenant-a")

	require.NoError(t, st.WithTenant(ctx, "tenant-a", func(tx *Tx) error {
		ok, err := tx.CompleteJob(ctx, job.ID, JobFailed, nil, "boom")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.CompleteJob(ctx, job.ID, JobSucceeded, json.RawMessage(`{}`), "")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.CompleteJob(ctx, "missing", JobSucceeded, nil, "")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := tx.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobFailed, got.Status)
		assert.Equal(t, "boom", got.Error)
		return nil
	}))
}

func TestCompleteJobRejectsNonTerminalStatus(t *testing.T) {
	st := newTestStore(t)
	job := createJob(t, st, "tenant-a")

	err := st.WithTenant(context.Background(), "tenant-a", func(tx *Tx) error {
		_, err := tx.CompleteJob(context.Background(), job.ID, JobRunning, nil, "")
		return err
	})
	assert.Error(t, err)
}

func TestTenantIsolation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st, "tenant-a")

	err := st.WithTenant(ctx, "tenant-b", func(tx *Tx) error {
		_, err := tx.GetJob(ctx, job.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		ok, err := tx.CompleteJob(ctx, job.ID, JobFailed, nil, "hijack")
		require.NoError(t, err)
		assert.False(t, ok)

		events, err := tx.ListEvents(ctx, job.ID)
		require.NoError(t, err)
		assert.Empty(t, events)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTenantRequiresTenant(t *testing.T) {
	st := newTestStore(t)
	err := st.WithTenant(context.Background(), "", func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, ErrNoTenant)
}

func TestWithTenantRollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sentinel := errors.New("abort")

	var id string
	err := st.WithTenant(ctx, "tenant-a", func(tx *Tx) error {
		job := &Job{Pack: "p", Agent: "a"}
		require.NoError(t, tx.CreateJob(ctx, job))
		id = job.ID
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	err = st.WithTenant(ctx, "tenant-a", func(tx *Tx) error {
		_, err := tx.GetJob(ctx, id)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventsAreOrderedAndAppendOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st, "tenant-a")

	for _, status := range []string{"started", "finished"} {
		require.NoError(t, st.AppendEvent(ctx, "tenant-a", &Event{
			JobID: job.ID, Step: "plan", Status: status, Payload: json.RawMessage(`{"n":1}`),
		}))
	}

	require.NoError(t, st.WithTenant(ctx, "tenant-a", func(tx *Tx) error {
		events, err := tx.ListEvents(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "started", events[0].Status)
		assert.Equal(t, "finished", events[1].Status)
		assert.Equal(t, "tenant-a", events[0].TenantID)
		return nil
	}))

	_, err := st.DB().Exec(`UPDATE events SET status = 'failed'`)
	assert.Error(t, err)
	_, err = st.DB().Exec(`DELETE FROM events`)
	assert.Error(t, err)
}

func TestJobStatusTriggers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st, "tenant-a")

	_, err := st.DB().Exec(`UPDATE jobs SET tenant_id = 'tenant-b' WHERE id = ?`, job.ID)
	assert.Error(t, err)

	require.NoError(t, st.WithTenant(ctx, "tenant-a", func(tx *Tx) error {
		_, err := tx.StartJob(ctx, job.ID)
		return err
	}))

	_, err = st.DB().Exec(`UPDATE jobs SET status = 'queued' WHERE id = ?`, job.ID)
	assert.Error(t, err)

	_, err = st.DB().Exec(`UPDATE jobs SET status = 'succeeded' WHERE id = ?`, job.ID)
	require.NoError(t, err)

	_, err = st.DB().Exec(`UPDATE jobs SET status = 'failed' WHERE id = ?`, job.ID)
	assert.Error(t, err)
}

func TestDeliveryAttempts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st, "tenant-a")

	d := &WebhookDelivery{
		JobID:     job.ID,
		URL:       "https://example.test/hook",
		EventType: "job.succeeded",
		Payload:   json.RawMessage(`{"job_id":"x","result":1}`),
	}
	require.NoError(t, st.WithTenant(ctx, "tenant-a", func(tx *Tx) error {
		return tx.CreateDelivery(ctx, d)
	}))

	tenant, err := st.DeliveryTenant(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", tenant)

	_, err = st.DeliveryTenant(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.WithTenant(ctx, "tenant-a", func(tx *Tx) error {
		got, err := tx.RecordDeliveryAttempt(ctx, d.ID, errors.New("HTTP 500"), false)
		require.NoError(t, err)
		assert.Equal(t, DeliveryRetrying, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, "HTTP 500", got.LastError)

		got, err = tx.RecordDeliveryAttempt(ctx, d.ID, nil, false)
		require.NoError(t, err)
		assert.Equal(t, DeliverySent, got.Status)
		assert.Equal(t, 2, got.Attempts)
		assert.Empty(t, got.LastError)
		assert.Equal(t, `{"job_id":"x","result":1}`, string(got.Payload))

		_, err = tx.RecordDeliveryAttempt(ctx, d.ID, errors.New("late"), false)
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := tx.ListDeliveries(ctx, job.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
		return nil
	}))
}

func TestDeliveryFinalFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	d := &WebhookDelivery{JobID: "j", URL: "https://example.test", EventType: "job.failed", Payload: json.RawMessage(`{}`)}

	require.NoError(t, st.WithTenant(ctx, "tenant-a", func(tx *Tx) error {
		require.NoError(t, tx.CreateDelivery(ctx, d))
		got, err := tx.RecordDeliveryAttempt(ctx, d.ID, errors.New("timeout"), true)
		require.NoError(t, err)
		assert.Equal(t, DeliveryFailed, got.Status)
		return nil
	}))
}

func TestListJobs(t *testing.T) {
	st := newTestStore(t)
	createJob(t, st, "tenant-a")
	createJob(t, st, "tenant-a")
	createJob(t, st, "tenant-b")

	require.NoError(t, st.WithTenant(context.Background(), "tenant-a", func(tx *Tx) error {
		jobs, err := tx.ListJobs(context.Background(), 10)
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
		return nil
	}))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Path: filepath.Join(t.TempDir(), "x.db"), Driver: "postgres", Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestOpenDrivers(t *testing.T) {
	t.Run("defaults to cgo driver", func(t *testing.T) {
		st := newTestStore(t)
		assert.Equal(t, DriverCGO, st.driver)
	})

	t.Run("pure go driver", func(t *testing.T) {
		st, err := Open(Config{Path: filepath.Join(t.TempDir(), "modernc.db"), Driver: DriverModernc, Logger: zerolog.Nop()})
		require.NoError(t, err)
		defer st.Close()
		assert.Equal(t, DriverModernc, st.driver)
		assert.NoError(t, st.Ping(context.Background()))
	})
}

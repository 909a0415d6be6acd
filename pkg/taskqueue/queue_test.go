package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/agentjobs/pkg/retry"
	"github.com/harun/agentjobs/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "queue.db"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestQueue(t *testing.T, db *sql.DB) (*Queue, *fakeClock) {
	t.Helper()
	q, err := New(Config{DB: db, PollInterval: 10 * time.Millisecond, LeaseDuration: time.Minute, Logger: zerolog.Nop()})
	require.NoError(t, err)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	q.now = clock.Now
	return q, clock
}

func TestEnqueueRequiresHandler(t *testing.T) {
	q, _ := newTestQueue(t, newTestStore(t).DB())
	_, err := q.Enqueue(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestRunOnceCompletesTask(t *testing.T) {
	q, _ := newTestQueue(t, newTestStore(t).DB())
	ctx := context.Background()

	var got struct{ JobID string `json:"job_id"` }
	var seen *Task
	q.Register("run", func(ctx context.Context, task *Task) error {
		seen = task
		return task.Decode(&got)
	}, LaneOptions{Policy: retry.Policy{MaxAttempts: 4}})

	id, err := q.Enqueue(ctx, "run", map[string]string{"job_id": "j1"})
	require.NoError(t, err)

	claimed, err := q.RunOnce(ctx, "run")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, 1, seen.Attempt)
	assert.Equal(t, 4, seen.MaxAttempts)
	assert.False(t, seen.FinalAttempt())

	rec, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	claimed, err = q.RunOnce(ctx, "run")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRetryableErrorsAreRescheduledWithBackoff(t *testing.T) {
	q, clock := newTestQueue(t, newTestStore(t).DB())
	ctx := context.Background()

	calls := 0
	q.Register("flaky", func(ctx context.Context, task *Task) error {
		calls++
		if calls < 3 {
			return retry.Retryable(errors.New("upstream busy"))
		}
		return nil
	}, LaneOptions{Policy: retry.Policy{MaxAttempts: 4, BaseDelay: 10 * time.Second, MaxDelay: time.Minute}})

	id, err := q.Enqueue(ctx, "flaky", nil)
	require.NoError(t, err)

	claimed, err := q.RunOnce(ctx, "flaky")
	require.NoError(t, err)
	require.True(t, claimed)

	rec, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "upstream busy", rec.LastError)
	assert.Equal(t, clock.Now().Add(10*time.Second).UnixMilli(), rec.RunAt.UnixMilli())

	// Not due yet.
	claimed, err = q.RunOnce(ctx, "flaky")
	require.NoError(t, err)
	assert.False(t, claimed)

	clock.Advance(10 * time.Second)
	claimed, err = q.RunOnce(ctx, "flaky")
	require.NoError(t, err)
	require.True(t, claimed)

	rec, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(20*time.Second).UnixMilli(), rec.RunAt.UnixMilli(), "delay doubles")

	clock.Advance(20 * time.Second)
	claimed, err = q.RunOnce(ctx, "flaky")
	require.NoError(t, err)
	require.True(t, claimed)

	rec, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.LastError)
}

func TestNonRetryableErrorIsFinal(t *testing.T) {
	q, _ := newTestQueue(t, newTestStore(t).DB())
	ctx := context.Background()

	q.Register("strict", func(ctx context.Context, task *Task) error {
		return errors.New("bad payload")
	}, LaneOptions{Policy: retry.Policy{MaxAttempts: 5}})

	id, err := q.Enqueue(ctx, "strict", nil)
	require.NoError(t, err)
	_, err = q.RunOnce(ctx, "strict")
	require.NoError(t, err)

	rec, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "bad payload", rec.LastError)
}

func TestRetryBudgetIsBounded(t *testing.T) {
	q, _ := newTestQueue(t, newTestStore(t).DB())
	ctx := context.Background()

	var finals []bool
	q.Register("doomed", func(ctx context.Context, task *Task) error {
		finals = append(finals, task.FinalAttempt())
		return retry.Retryable(errors.New("still down"))
	}, LaneOptions{Policy: retry.Policy{MaxAttempts: 3}})

	id, err := q.Enqueue(ctx, "doomed", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := q.RunOnce(ctx, "doomed")
		require.NoError(t, err)
	}

	assert.Equal(t, []bool{false, false, true}, finals)
	rec, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
}

func TestHandlerPanicIsFinal(t *testing.T) {
	q, _ := newTestQueue(t, newTestStore(t).DB())
	ctx := context.Background()

	q.Register("panics", func(ctx context.Context, task *Task) error {
		panic("boom")
	}, LaneOptions{Policy: retry.Policy{MaxAttempts: 3}})

	id, err := q.Enqueue(ctx, "panics", nil)
	require.NoError(t, err)
	_, err = q.RunOnce(ctx, "panics")
	require.NoError(t, err)

	rec, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, rec.Status)
	assert.Contains(t, rec.LastError, "panicked")
}

func TestEnqueueTxFollowsTransaction(t *testing.T) {
	st := newTestStore(t)
	q, _ := newTestQueue(t, st.DB())
	ctx := context.Background()
	q.Register("run", func(ctx context.Context, task *Task) error { return nil }, LaneOptions{})

	var rolledBack string
	err := st.WithTenant(ctx, "tenant-a", func(tx *store.Tx) error {
		id, err := q.EnqueueTx(ctx, tx.SQL(), "run", nil)
		rolledBack = id
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)
	_, err = q.Get(ctx, rolledBack)
	assert.ErrorIs(t, err, ErrNotFound)

	var committed string
	err = st.WithTenant(ctx, "tenant-a", func(tx *store.Tx) error {
		var err error
		committed, err = q.EnqueueTx(ctx, tx.SQL(), "run", nil)
		return err
	})
	require.NoError(t, err)
	rec, err := q.Get(ctx, committed)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
}

func TestRecoverExpiredLeases(t *testing.T) {
	q, clock := newTestQueue(t, newTestStore(t).DB())
	ctx := context.Background()
	q.Register("run", func(ctx context.Context, task *Task) error { return nil }, LaneOptions{Policy: retry.Policy{MaxAttempts: 2}})
	var deadTasks []*Task
	var causes []error
	q.Register("once", func(ctx context.Context, task *Task) error { return nil }, LaneOptions{
		OnDead: func(ctx context.Context, task *Task, cause error) error {
			deadTasks = append(deadTasks, task)
			causes = append(causes, cause)
			return nil
		},
	})

	retryable, err := q.Enqueue(ctx, "run", nil)
	require.NoError(t, err)
	spent, err := q.Enqueue(ctx, "once", map[string]string{"delivery_id": "d1"})
	require.NoError(t, err)

	// Simulate workers that claimed the tasks and then died.
	task, err := q.claim(ctx, "run")
	require.NoError(t, err)
	require.NotNil(t, task)
	task, err = q.claim(ctx, "once")
	require.NoError(t, err)
	require.NotNil(t, task)

	n, err := q.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "leases still valid")
	assert.Empty(t, deadTasks)

	clock.Advance(2 * time.Minute)
	n, err = q.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := q.Get(ctx, retryable)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	rec, err = q.Get(ctx, spent)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, rec.Status)
	assert.Equal(t, "lease expired", rec.LastError)

	require.Len(t, deadTasks, 1)
	assert.Equal(t, spent, deadTasks[0].ID)
	assert.Equal(t, "once", deadTasks[0].Name)
	assert.Equal(t, 1, deadTasks[0].Attempt)
	assert.True(t, deadTasks[0].FinalAttempt())
	assert.JSONEq(t, `{"delivery_id":"d1"}`, string(deadTasks[0].Payload))
	assert.ErrorIs(t, causes[0], ErrLeaseExpired)

	n, err = q.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, deadTasks, 1, "a dead task is reported once")
}

func TestOnDeadAfterFinalFailure(t *testing.T) {
	q, _ := newTestQueue(t, newTestStore(t).DB())
	ctx := context.Background()

	var causes []error
	q.Register("doomed", func(ctx context.Context, task *Task) error {
		return retry.Retryable(errors.New("still down"))
	}, LaneOptions{
		Policy: retry.Policy{MaxAttempts: 2},
		OnDead: func(ctx context.Context, task *Task, cause error) error {
			causes = append(causes, cause)
			return errors.New("hook errors are only logged")
		},
	})

	id, err := q.Enqueue(ctx, "doomed", nil)
	require.NoError(t, err)

	_, err = q.RunOnce(ctx, "doomed")
	require.NoError(t, err)
	assert.Empty(t, causes, "a retried task is not dead")

	_, err = q.RunOnce(ctx, "doomed")
	require.NoError(t, err)
	require.Len(t, causes, 1)
	assert.EqualError(t, causes[0], "still down")

	rec, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, rec.Status)
}

func TestWorkersHonorConcurrency(t *testing.T) {
	q, err := New(Config{DB: newTestStore(t).DB(), PollInterval: 10 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)

	var running, peak int32
	var wg sync.WaitGroup
	const total = 6
	wg.Add(total)
	q.Register("work", func(ctx context.Context, task *Task) error {
		defer wg.Done()
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}, LaneOptions{Concurrency: 2})

	ctx := context.Background()
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, "work", i)
		require.NoError(t, err)
	}

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not complete")
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))

	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats["work"][StatusDone] == total
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopReleasesInFlightTask(t *testing.T) {
	q, err := New(Config{DB: newTestStore(t).DB(), PollInterval: 10 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)

	started := make(chan struct{})
	q.Register("long", func(ctx context.Context, task *Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, LaneOptions{Policy: retry.Policy{MaxAttempts: 2}})

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "long", nil)
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not start")
	}
	q.Stop()

	rec, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Zero(t, rec.Attempts)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	q, err := New(Config{DB: newTestStore(t).DB(), SweepSchedule: "not a schedule", Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Error(t, q.Start(context.Background()))
}

package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/agentjobs/internal/observability"
	"github.com/harun/agentjobs/internal/tracing"
	"github.com/harun/agentjobs/pkg/retry"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrNoHandler is returned when a task name has no registered handler.
	ErrNoHandler = errors.New("no handler registered for task")
	// ErrNotFound is returned by Get for an unknown task id.
	ErrNotFound = errors.New("task not found")
	// ErrLeaseExpired is the cause given to OnDead when a worker stopped
	// renewing the lease of a task on its last attempt.
	ErrLeaseExpired = errors.New("lease expired")
)

const (
	defaultPollInterval  = 500 * time.Millisecond
	defaultLeaseDuration = 5 * time.Minute
	defaultSweepSchedule = "@every 1m"
)

// DeadHandler is called after a task is marked dead, so the owner of the
// task can settle whatever the task was responsible for. It may run for a
// task whose handler already did so and must be idempotent.
type DeadHandler func(ctx context.Context, task *Task, cause error) error

// LaneOptions configures how tasks of one name are executed.
type LaneOptions struct {
	Concurrency int          // workers for this lane; default 1
	Policy      retry.Policy // attempt budget and backoff; MaxAttempts default 1
	OnDead      DeadHandler  // optional
}

// Config holds queue configuration.
type Config struct {
	DB            *sql.DB
	PollInterval  time.Duration
	LeaseDuration time.Duration
	SweepSchedule string // cron spec for lease recovery
	Logger        zerolog.Logger
}

type lane struct {
	name    string
	handler Handler
	opts    LaneOptions
	wake    chan struct{}
}

// Queue is a durable task queue with per-lane worker pools.
type Queue struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	lanes map[string]*lane

	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a queue and ensures its table exists.
func New(cfg Config) (*Queue, error) {
	if cfg.DB == nil {
		return nil, errors.New("database is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = defaultSweepSchedule
	}
	if _, err := cfg.DB.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply task schema: %w", err)
	}

	observability.EnsureRegistered()

	return &Queue{
		db:     cfg.DB,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "taskqueue").Logger(),
		now:    time.Now,
		lanes:  make(map[string]*lane),
	}, nil
}

// Register binds a handler to a task name. Registering a name twice replaces
// its handler and options; it must happen before Start.
func (q *Queue) Register(name string, handler Handler, opts LaneOptions) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.lanes[name] = &lane{name: name, handler: handler, opts: opts, wake: make(chan struct{}, 1)}

	q.logger.Debug().
		Str("lane", name).
		Int("concurrency", opts.Concurrency).
		Int("max_attempts", opts.Policy.MaxAttempts).
		Msg("Lane registered")
}

func (q *Queue) lane(name string) (*lane, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	l, ok := q.lanes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, name)
	}
	return l, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Enqueue stores a new task for immediate execution.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any) (string, error) {
	return q.enqueue(ctx, q.db, name, payload)
}

// EnqueueTx stores a new task inside tx, so it becomes visible to workers only
// if tx commits.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, name string, payload any) (string, error) {
	return q.enqueue(ctx, tx, name, payload)
}

func (q *Queue) enqueue(ctx context.Context, db execer, name string, payload any) (string, error) {
	l, err := q.lane(name)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode task payload: %w", err)
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate task id: %w", err)
	}

	now := q.now().UnixMilli()
	_, err = db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, payload_json, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		id, name, string(data), l.opts.Policy.MaxAttempts, now, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	observability.RecordQueueEnqueue(name)
	logger := tracing.LoggerFromContext(ctx, q.logger)
	logger.Debug().
		Str("lane", name).
		Str("task_id", id).
		Msg("Task enqueued")

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// Start launches the lane workers and the lease recovery sweeper.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}

	q.ctx, q.cancel = context.WithCancel(ctx)

	q.cron = cron.New()
	if _, err := q.cron.AddFunc(q.cfg.SweepSchedule, q.sweep); err != nil {
		q.cancel()
		return fmt.Errorf("invalid sweep schedule %q: %w", q.cfg.SweepSchedule, err)
	}
	q.cron.Start()

	for _, l := range q.lanes {
		for i := 0; i < l.opts.Concurrency; i++ {
			q.wg.Add(1)
			go q.worker(l)
		}
	}
	q.started = true

	q.logger.Info().Int("lanes", len(q.lanes)).Msg("Task queue started")
	return nil
}

// Stop cancels the workers, releases their in-flight tasks and waits for
// them to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.mu.Unlock()

	q.cancel()
	<-q.cron.Stop().Done()
	q.wg.Wait()
	q.logger.Info().Msg("Task queue stopped")
}

func (q *Queue) worker(l *lane) {
	defer q.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-l.wake:
		case <-timer.C:
		}

		for {
			claimed, err := q.runNext(q.ctx, l)
			if err != nil && q.ctx.Err() == nil {
				q.logger.Error().Err(err).Str("lane", l.name).Msg("Task claim failed")
			}
			if !claimed || q.ctx.Err() != nil {
				break
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.cfg.PollInterval)
	}
}

// RunOnce claims and runs the next due task of name, if any. It reports
// whether a task was claimed.
func (q *Queue) RunOnce(ctx context.Context, name string) (bool, error) {
	l, err := q.lane(name)
	if err != nil {
		return false, err
	}
	return q.runNext(ctx, l)
}

func (q *Queue) runNext(ctx context.Context, l *lane) (bool, error) {
	task, err := q.claim(ctx, l.name)
	if err != nil || task == nil {
		return false, err
	}
	q.execute(ctx, l, task)
	return true, nil
}

func (q *Queue) claim(ctx context.Context, name string) (*Task, error) {
	now := q.now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'running', attempts = attempts + 1, lease_until = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE name = ? AND status = 'pending' AND run_at <= ?
			ORDER BY run_at, seq
			LIMIT 1
		)
		RETURNING id, payload_json, attempts, max_attempts`,
		now.Add(q.cfg.LeaseDuration).UnixMilli(), now.UnixMilli(), name, now.UnixMilli())

	task := &Task{Name: name}
	var payload string
	if err := row.Scan(&task.ID, &payload, &task.Attempt, &task.MaxAttempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	task.Payload = json.RawMessage(payload)
	return task, nil
}

func (q *Queue) execute(ctx context.Context, l *lane, task *Task) {
	ctx, span := tracing.StartSpan(ctx, "agentjobs.taskqueue", "taskqueue.execute",
		attribute.String("lane", l.name),
		attribute.String("task_id", task.ID),
		attribute.Int("attempt", task.Attempt))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, q.logger).With().
		Str("lane", l.name).
		Str("task_id", task.ID).
		Int("attempt", task.Attempt).
		Logger()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopHeartbeat := q.heartbeat(runCtx, task.ID, logger)

	start := time.Now()
	err := q.invoke(runCtx, l.handler, task)
	duration := time.Since(start)
	stopHeartbeat()

	// Work interrupted by shutdown is handed back without spending an attempt.
	if err != nil && ctx.Err() != nil {
		q.release(task, logger)
		observability.RecordTaskAttempt(l.name, "released", duration)
		return
	}

	var outcome string
	switch {
	case err == nil:
		outcome = "done"
		q.finish(ctx, task.ID, StatusDone, "", logger)
		logger.Debug().Dur("duration", duration).Msg("Task completed")
	case retry.IsRetryable(err) && !task.FinalAttempt():
		outcome = "retry"
		delay := l.opts.Policy.Delay(task.Attempt - 1)
		q.reschedule(ctx, task.ID, delay, err, logger)
		logger.Warn().Err(err).Dur("delay", delay).Msg("Task failed, retrying")
	default:
		outcome = "dead"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.finish(ctx, task.ID, StatusDead, err.Error(), logger)
		logger.Error().Err(err).Dur("duration", duration).Bool("retryable", retry.IsRetryable(err)).Msg("Task failed permanently")
		q.notifyDead(ctx, l, task, err, logger)
	}
	observability.RecordTaskAttempt(l.name, outcome, duration)
}

func (q *Queue) invoke(ctx context.Context, handler Handler, task *Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = retry.Permanent(fmt.Errorf("task handler panicked: %v", p))
		}
	}()
	return handler(ctx, task)
}

// heartbeat extends the task's lease while its handler runs.
func (q *Queue) heartbeat(ctx context.Context, taskID string, logger zerolog.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	interval := q.cfg.LeaseDuration / 3

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				until := q.now().Add(q.cfg.LeaseDuration).UnixMilli()
				if _, err := q.db.ExecContext(ctx,
					`UPDATE tasks SET lease_until = ? WHERE id = ? AND status = 'running'`,
					until, taskID); err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).Msg("Lease heartbeat failed")
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (q *Queue) finish(ctx context.Context, taskID string, status Status, lastError string, logger zerolog.Logger) {
	_, err := q.db.ExecContext(context.WithoutCancel(ctx), `
		UPDATE tasks SET status = ?, lease_until = NULL, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(status), nullString(lastError), q.now().UnixMilli(), taskID)
	if err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("Failed to record task result")
	}
}

func (q *Queue) reschedule(ctx context.Context, taskID string, delay time.Duration, cause error, logger zerolog.Logger) {
	now := q.now()
	_, err := q.db.ExecContext(context.WithoutCancel(ctx), `
		UPDATE tasks SET status = 'pending', lease_until = NULL, run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		now.Add(delay).UnixMilli(), cause.Error(), now.UnixMilli(), taskID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reschedule task")
	}
}

func (q *Queue) release(task *Task, logger zerolog.Logger) {
	_, err := q.db.Exec(`
		UPDATE tasks SET status = 'pending', attempts = attempts - 1, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		q.now().UnixMilli(), task.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to release task")
		return
	}
	logger.Info().Msg("Task released on shutdown")
}

// RecoverExpired returns tasks whose lease expired to pending, or marks them
// dead when their attempt budget is already spent. Dead tasks are passed to
// their lane's OnDead with ErrLeaseExpired. It returns the number of tasks
// reclaimed.
func (q *Queue) RecoverExpired(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE tasks SET status = 'dead', lease_until = NULL, last_error = ?, updated_at = ?
		WHERE status = 'running' AND lease_until < ? AND attempts >= max_attempts
		RETURNING id, name, payload_json, attempts, max_attempts`,
		ErrLeaseExpired.Error(), now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire tasks: %w", err)
	}
	var dead []*Task
	for rows.Next() {
		task := &Task{}
		var payload string
		if err := rows.Scan(&task.ID, &task.Name, &payload, &task.Attempt, &task.MaxAttempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired task: %w", err)
		}
		task.Payload = json.RawMessage(payload)
		dead = append(dead, task)
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("failed to expire tasks: %w", err)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to expire tasks: %w", err)
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', lease_until = NULL, updated_at = ?
		WHERE status = 'running' AND lease_until < ?`,
		now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim tasks: %w", err)
	}

	reclaimed, _ := res.RowsAffected()
	total := int(reclaimed) + len(dead)
	if total > 0 {
		observability.RecordLeaseReclaim(total)
		q.logger.Warn().
			Int64("reclaimed", reclaimed).
			Int("dead", len(dead)).
			Msg("Recovered tasks with expired leases")
	}

	for _, task := range dead {
		l, err := q.lane(task.Name)
		if err != nil {
			continue
		}
		logger := q.logger.With().
			Str("lane", task.Name).
			Str("task_id", task.ID).
			Int("attempt", task.Attempt).
			Logger()
		q.notifyDead(ctx, l, task, ErrLeaseExpired, logger)
	}
	return total, nil
}

func (q *Queue) notifyDead(ctx context.Context, l *lane, task *Task, cause error, logger zerolog.Logger) {
	if l.opts.OnDead == nil {
		return
	}
	if err := l.opts.OnDead(context.WithoutCancel(ctx), task, cause); err != nil {
		logger.Error().Err(err).Msg("Dead task handler failed")
	}
}

func (q *Queue) sweep() {
	ctx := q.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := q.RecoverExpired(ctx); err != nil {
		q.logger.Error().Err(err).Msg("Lease recovery failed")
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		q.logger.Error().Err(err).Msg("Failed to read queue depth")
		return
	}
	for name, counts := range stats {
		observability.SetQueueDepth(name, counts[StatusPending])
	}
}

// Stats returns task counts by name and status.
func (q *Queue) Stats(ctx context.Context) (map[string]map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT name, status, COUNT(*) FROM tasks GROUP BY name, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]map[Status]int)
	for rows.Next() {
		var (
			name, status string
			count        int
		)
		if err := rows.Scan(&name, &status, &count); err != nil {
			return nil, err
		}
		if stats[name] == nil {
			stats[name] = make(map[Status]int)
		}
		stats[name][Status(status)] = count
	}
	return stats, rows.Err()
}

// Get returns the stored record of a task.
func (q *Queue) Get(ctx context.Context, id string) (*Record, error) {
	var (
		rec                 Record
		payload, status     string
		lastError           sql.NullString
		runAt, created, upd int64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, payload_json, status, attempts, max_attempts, run_at, last_error, created_at, updated_at
		FROM tasks WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Name, &payload, &status, &rec.Attempts, &rec.MaxAttempts, &runAt, &lastError, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	rec.Status = Status(status)
	rec.LastError = lastError.String
	rec.RunAt = time.UnixMilli(runAt).UTC()
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(upd).UTC()
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Package queue is a durable, at-least-once job queue on Postgres.
// Jobs survive restarts between enqueue and claim; failed attempts are
// retried with exponential backoff, and exhausted jobs land in a
// failed state where they stay inspectable.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one persisted unit of work. Payload is typed by convention
// per job type; the queue itself does not deduplicate — idempotency is
// the consumer's contract.
type Job struct {
	ID           int64
	Type         string
	Payload      json.RawMessage
	State        State
	AttemptsMade int
	MaxAttempts  int
	BackoffBase  time.Duration
	RunAt        time.Time
	LastError    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Options control the retry policy for an enqueued job.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
}

func DefaultOptions() Options {
	return Options{MaxAttempts: 3, BackoffBase: 2 * time.Second}
}

// Enqueuer is the producer-side slice of the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts Options) error
}

// Postgres is the durable queue implementation.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Enqueue appends a job durably. It returns once the row is committed.
func (q *Postgres) Enqueue(ctx context.Context, jobType string, payload any, opts Options) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultOptions().BackoffBase
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
	}

	query := `
		INSERT INTO jobs (job_type, payload, state, max_attempts, backoff_base_ms, run_at)
		VALUES ($1, $2, 'pending', $3, $4, now())
	`

	if _, err := q.pool.Exec(ctx, query, jobType, data, opts.MaxAttempts, opts.BackoffBase.Milliseconds()); err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}

	return nil
}

// Claim atomically takes the oldest due pending job of the given type,
// marking it active and counting the attempt. Returns nil when nothing
// is due. SKIP LOCKED keeps concurrent workers from contending on the
// same row.
func (q *Postgres) Claim(ctx context.Context, jobType string) (*Job, error) {
	query := `
		UPDATE jobs
		SET state = 'active', attempts_made = attempts_made + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE job_type = $1 AND state = 'pending' AND run_at <= now()
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_type, payload, state, attempts_made, max_attempts,
		          backoff_base_ms, run_at, last_error, created_at, updated_at
	`

	job, err := scanJob(q.pool.QueryRow(ctx, query, jobType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s job: %w", jobType, err)
	}

	return job, nil
}

// Complete acknowledges a finished job.
func (q *Postgres) Complete(ctx context.Context, id int64) error {
	query := `UPDATE jobs SET state = 'completed', updated_at = now() WHERE id = $1`

	if _, err := q.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, err)
	}

	return nil
}

// Fail records a failed attempt. The job goes back to pending with an
// exponential-backoff due time, or to failed once attempts are
// exhausted. Failed jobs are never deleted here.
func (q *Postgres) Fail(ctx context.Context, job *Job, cause error) error {
	message := cause.Error()

	if job.AttemptsMade >= job.MaxAttempts {
		query := `UPDATE jobs SET state = 'failed', last_error = $2, updated_at = now() WHERE id = $1`
		if _, err := q.pool.Exec(ctx, query, job.ID, message); err != nil {
			return fmt.Errorf("failed to mark job %d failed: %w", job.ID, err)
		}
		return nil
	}

	runAt := time.Now().Add(nextBackoff(job.BackoffBase, job.AttemptsMade))
	query := `UPDATE jobs SET state = 'pending', last_error = $2, run_at = $3, updated_at = now() WHERE id = $1`
	if _, err := q.pool.Exec(ctx, query, job.ID, message, runAt); err != nil {
		return fmt.Errorf("failed to reschedule job %d: %w", job.ID, err)
	}

	return nil
}

// ListFailed returns dead jobs for inspection, oldest first.
func (q *Postgres) ListFailed(ctx context.Context, jobType string, limit int) ([]*Job, error) {
	query := `
		SELECT id, job_type, payload, state, attempts_made, max_attempts,
		       backoff_base_ms, run_at, last_error, created_at, updated_at
		FROM jobs
		WHERE job_type = $1 AND state = 'failed'
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := q.pool.Query(ctx, query, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// ReclaimStale returns jobs stuck in active back to pending. A worker
// that crashed after claiming never acknowledges, so redelivery is how
// at-least-once holds across process deaths. Called at startup.
func (q *Postgres) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE jobs
		SET state = 'pending', updated_at = now()
		WHERE state = 'active' AND updated_at < now() - $1::interval
	`

	tag, err := q.pool.Exec(ctx, query, fmt.Sprintf("%d milliseconds", olderThan.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}

	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var backoffMs int64
	err := row.Scan(
		&job.ID,
		&job.Type,
		&job.Payload,
		&job.State,
		&job.AttemptsMade,
		&job.MaxAttempts,
		&backoffMs,
		&job.RunAt,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.BackoffBase = time.Duration(backoffMs) * time.Millisecond
	return &job, nil
}

// nextBackoff computes the delay before the next attempt:
// base * 2^(attemptsMade-1), so attempts run at base, 2*base, 4*base...
func nextBackoff(base time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	return base << uint(attemptsMade-1)
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `id, queue, payload, status, attempts, max_attempts, backoff_base_ms,
backoff_cap_ms, backoff_jitter_pct, run_at, progress, last_error, processed_on, finished_on,
created_at, updated_at`

// Store persists and claims jobs.
type Store struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewStore creates a PostgreSQL-backed job store.
func NewStore(db *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{db: db, log: logger}
}

// Enqueue inserts a pending job carrying the JSON encoding of payload.
func (s *Store) Enqueue(ctx context.Context, queue string, payload any, opts Options) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	opts = opts.withDefaults()

	row := s.db.QueryRow(ctx,
		`INSERT INTO jobs (id, queue, payload, max_attempts, backoff_base_ms, backoff_cap_ms,
		        backoff_jitter_pct, run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now() + $8)
		 RETURNING `+selectColumns,
		opts.JobID, queue, body, opts.MaxAttempts, opts.BackoffBase.Milliseconds(),
		opts.BackoffCap.Milliseconds(), opts.JitterPct, opts.Delay,
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	s.log.Debug().Str("job_id", job.ID.String()).Str("queue", queue).Msg("job enqueued")
	return job, nil
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM jobs WHERE id = $1", id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Claim atomically takes the oldest runnable job on the queue, marking it active and counting
// the attempt. Returns nil when no job is runnable.
func (s *Store) Claim(ctx context.Context, queue string) (*Job, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'active', attempts = attempts + 1,
		     processed_on = COALESCE(processed_on, now()), updated_at = now()
		 WHERE id = (
		     SELECT id FROM jobs
		     WHERE queue = $1 AND status = 'pending' AND run_at <= now()
		     ORDER BY run_at, created_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+selectColumns,
		queue,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete marks an active job as finished successfully.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs
		 SET status = 'completed', progress = 100, finished_on = now(), updated_at = now()
		 WHERE id = $1 AND status = 'active'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail records a failed attempt. The job is rescheduled with its persisted backoff policy
// unless the error is Permanent or attempts are exhausted, in which case it fails terminally.
func (s *Store) Fail(ctx context.Context, job *Job, cause error) error {
	terminal := IsPermanent(cause) || job.Attempts >= job.MaxAttempts

	if terminal {
		tag, err := s.db.Exec(ctx,
			`UPDATE jobs
			 SET status = 'failed', last_error = $2, finished_on = now(), updated_at = now()
			 WHERE id = $1 AND status = 'active'`,
			job.ID, cause.Error(),
		)
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	}

	delay := Backoff(job.Attempts, job.BackoffBase, job.BackoffCap, job.JitterPct)
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs
		 SET status = 'pending', last_error = $2, run_at = now() + $3, updated_at = now()
		 WHERE id = $1 AND status = 'active'`,
		job.ID, cause.Error(), delay,
	)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.log.Debug().
		Str("job_id", job.ID.String()).
		Int("attempt", job.Attempts).
		Dur("retry_in", delay).
		Msg("job rescheduled")
	return nil
}

// SetProgress records a progress percentage on an active job. Best-effort.
func (s *Store) SetProgress(ctx context.Context, id uuid.UUID, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.db.Exec(ctx,
		"UPDATE jobs SET progress = $2, updated_at = now() WHERE id = $1",
		id, progress,
	)
	if err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	return nil
}

// scanJob scans a single row into a *Job, converting the persisted millisecond columns back
// into durations.
func scanJob(row pgx.Row) (*Job, error) {
	var (
		job    Job
		baseMS int64
		capMS  int64
	)
	err := row.Scan(
		&job.ID, &job.Queue, &job.Payload, &job.Status, &job.Attempts, &job.MaxAttempts,
		&baseMS, &capMS, &job.JitterPct, &job.RunAt, &job.Progress, &job.LastError,
		&job.ProcessedOn, &job.FinishedOn, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.BackoffBase = time.Duration(baseMS) * time.Millisecond
	job.BackoffCap = time.Duration(capMS) * time.Millisecond
	return &job, nil
}

// Package queue is a PostgreSQL-backed job queue. Jobs are claimed with FOR UPDATE SKIP
// LOCKED, so any number of workers across any number of processes can poll the same table
// without double-processing. Retry pacing is persisted per job, letting different queues run
// different backoff policies against one table.
package queue

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("job not found")

// Job statuses as stored.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job states as reported. Pending splits into waiting and delayed depending on whether the
// job is runnable yet.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	BackoffBase time.Duration   `json:"-"`
	BackoffCap  time.Duration   `json:"-"`
	JitterPct   int             `json:"-"`
	RunAt       time.Time       `json:"runAt"`
	Progress    int             `json:"progress"`
	LastError   *string         `json:"lastError,omitempty"`
	ProcessedOn *time.Time      `json:"processedOn,omitempty"`
	FinishedOn  *time.Time      `json:"finishedOn,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// State reports the job's queue state at the given instant.
func (j *Job) State(now time.Time) string {
	switch j.Status {
	case StatusPending:
		if j.RunAt.After(now) {
			return StateDelayed
		}
		return StateWaiting
	case StatusActive:
		return StateActive
	case StatusCompleted:
		return StateCompleted
	default:
		return StateFailed
	}
}

// Options control a job's retry policy. Zero values fall back to the defaults below. JobID
// optionally fixes the new job's id so callers can persist references to the job before it
// becomes claimable.
type Options struct {
	JobID       uuid.UUID
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	JitterPct   int
	Delay       time.Duration
}

// Default retry policy.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 10 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.JobID == uuid.Nil {
		o.JobID = uuid.New()
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	return o
}

// Backoff returns the delay before retry number attempt (1-based): base doubled per attempt,
// capped at maxDelay, then jittered by up to ±jitterPct percent.
func Backoff(attempt int, base, maxDelay time.Duration, jitterPct int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			break
		}
	}
	if d > maxDelay {
		d = maxDelay
	}
	if jitterPct > 0 {
		span := int64(d) * int64(jitterPct) / 100
		if span > 0 {
			d += time.Duration(rand.Int64N(2*span+1) - span)
		}
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable: the job fails immediately regardless of
// remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in the chain was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

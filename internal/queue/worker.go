package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler processes one claimed job. Returning nil completes the job; any error triggers the
// job's retry policy, with Permanent errors failing it immediately.
type Handler func(ctx context.Context, job *Job) error

// JobStore is the store surface workers need.
type JobStore interface {
	Claim(ctx context.Context, queue string) (*Job, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, job *Job, cause error) error
}

// Worker polls one queue with a fixed number of goroutines and hands claimed jobs to a
// handler. Stop lets in-flight jobs finish before returning.
type Worker struct {
	store       JobStore
	queue       string
	handler     Handler
	concurrency int
	pollEvery   time.Duration
	log         zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a worker pool for one queue.
func NewWorker(store JobStore, queue string, handler Handler, concurrency int, logger zerolog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		store:       store,
		queue:       queue,
		handler:     handler,
		concurrency: concurrency,
		pollEvery:   time.Second,
		log:         logger.With().Str("queue", queue).Logger(),
		stopCh:      make(chan struct{}),
	}
}

// SetPollInterval overrides how long an idle goroutine waits between claim attempts. Must be
// called before Start.
func (w *Worker) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollEvery = d
	}
}

// Start launches the polling goroutines.
func (w *Worker) Start(ctx context.Context) {
	for range w.concurrency {
		w.wg.Add(1)
		go w.run(ctx)
	}
	w.log.Info().Int("concurrency", w.concurrency).Msg("queue worker started")
}

// Stop signals the worker to stop and waits for in-flight jobs to finish. Safe to call more
// than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.store.Claim(ctx, w.queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("failed to claim job")
			w.sleep(w.pollEvery)
			continue
		}
		if job == nil {
			w.sleep(w.pollEvery)
			continue
		}

		// Detach from ctx so shutdown does not cancel a job mid-flight; Stop waits for it.
		w.process(context.WithoutCancel(ctx), job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.log.With().Str("job_id", job.ID.String()).Int("attempt", job.Attempts).Logger()

	err := w.runHandler(ctx, job)
	if err == nil {
		if cerr := w.store.Complete(ctx, job.ID); cerr != nil {
			log.Error().Err(cerr).Msg("failed to complete job")
		}
		return
	}

	log.Warn().Err(err).Bool("permanent", IsPermanent(err)).Msg("job attempt failed")
	if ferr := w.store.Fail(ctx, job, err); ferr != nil {
		log.Error().Err(ferr).Msg("failed to record job failure")
	}
}

// runHandler isolates handler panics so one bad payload cannot kill the pool.
func (w *Worker) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

// sleep waits for d or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

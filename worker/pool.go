// Package worker consumes the job queue and dispatches to the background
// handlers: document processing, knowledge base teardown, test set
// generation and experiment runs. A worker heals stranded state before it
// accepts any job, runs a bounded number of jobs concurrently, and sweeps
// the queue's visibility deadlines so jobs lost by crashed peers come back.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/queue"
)

// Handler executes one job. The context carries the function's timeout; a
// non-nil return routes the job through retry or discard.
type Handler func(ctx context.Context, job *queue.Job) error

// Reconciler repairs rows stranded in transient states by a dead worker.
type Reconciler interface {
	ReconcileInterrupted(ctx context.Context) (int64, error)
}

// dequeueBlock is how long one poll waits before cycling. Short enough to
// notice shutdown promptly, long enough to keep Redis traffic negligible.
const dequeueBlock = 5 * time.Second

// Worker is one worker process: a handler table, a set of consumed queues
// and a concurrency bound.
type Worker struct {
	queue      *queue.Queue
	reconciler Reconciler
	handlers   map[string]Handler

	queues        []string
	maxJobs       int
	sweepInterval time.Duration
	log           *logrus.Logger
}

// New builds a worker consuming the given queues with at most maxJobs
// in-flight jobs.
func New(q *queue.Queue, reconciler Reconciler, queues []string, maxJobs int, sweepInterval time.Duration, log *logrus.Logger) *Worker {
	if maxJobs < 1 {
		maxJobs = 1
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	if log == nil {
		log = common.Logger
	}
	return &Worker{
		queue:         q,
		reconciler:    reconciler,
		handlers:      make(map[string]Handler),
		queues:        queues,
		maxJobs:       maxJobs,
		sweepInterval: sweepInterval,
		log:           log,
	}
}

// Register binds a job function to its handler.
func (w *Worker) Register(function string, h Handler) {
	w.handlers[function] = h
}

// Run consumes jobs until ctx is cancelled. Reconciliation runs to
// completion before the first dequeue: rows claiming to be in-flight
// without a live worker would otherwise stay stuck forever.
func (w *Worker) Run(ctx context.Context) error {
	repaired, err := w.reconciler.ReconcileInterrupted(ctx)
	if err != nil {
		return err
	}
	if repaired > 0 {
		w.log.WithField("rows", repaired).Warn("repaired rows interrupted by an earlier shutdown")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.sweep(ctx)
	}()

	for i := 0; i < w.maxJobs; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i)
	}

	wg.Wait()
	return ctx.Err()
}

// sweep periodically requeues jobs whose visibility deadline passed.
func (w *Worker) sweep(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.RequeueExpired(ctx, time.Now()); err != nil && ctx.Err() == nil {
				w.log.WithError(err).Warn("visibility sweep failed")
			}
		}
	}
}

// consume is one dequeue-and-dispatch loop.
func (w *Worker) consume(ctx context.Context, slot int) {
	log := w.log.WithField("slot", slot)
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Dequeue(ctx, w.queues, dequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("dequeue failed; backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		w.dispatch(ctx, job, log)
	}
}

// dispatch runs one job under its timeout and settles it: ack on success,
// retry with exponential delay while tries remain, discard otherwise.
func (w *Worker) dispatch(ctx context.Context, job *queue.Job, log *logrus.Entry) {
	jobLog := log.WithFields(logrus.Fields{
		"job":      job.ID,
		"function": job.Function,
		"queue":    job.Queue,
		"attempt":  job.Attempt,
	})

	handler, ok := w.handlers[job.Function]
	if !ok {
		jobLog.Error("no handler registered; discarding job")
		if err := w.queue.Discard(ctx, job); err != nil {
			jobLog.WithError(err).Error("discarding unhandled job failed")
		}
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	err := handler(jobCtx, job)
	cancel()

	if err == nil {
		if ackErr := w.queue.Ack(ctx, job); ackErr != nil {
			jobLog.WithError(ackErr).Error("acking job failed")
		}
		jobLog.Info("job completed")
		return
	}

	if job.Attempt >= job.MaxTries {
		jobLog.WithError(err).Error("job exhausted its tries; discarding")
		if dErr := w.queue.Discard(ctx, job); dErr != nil {
			jobLog.WithError(dErr).Error("discarding job failed")
		}
		return
	}

	delay := RetryDelay(job.RetryDelay, job.Attempt)
	jobLog.WithError(err).WithField("delay", delay).Warn("job failed; retrying")
	if rErr := w.queue.Retry(ctx, job, delay); rErr != nil {
		jobLog.WithError(rErr).Error("scheduling retry failed")
	}
}

// RetryDelay doubles the base delay per completed attempt: base, 2*base,
// 4*base, capped at ten minutes.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return delay
}

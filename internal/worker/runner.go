package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"launchforge/internal/config"
	"launchforge/internal/models"
	"launchforge/internal/registry"
	"launchforge/internal/telemetry"
)

// JobStore is the slice of the persistence layer the scheduler loop needs.
// *store.Store satisfies it; tests substitute an in-memory implementation.
type JobStore interface {
	ClaimBatch(ctx context.Context, workerID string, limit int) ([]models.Job, error)
	ReclaimStale(ctx context.Context, olderThan time.Time, retryDelay time.Duration) (requeued, failed int, err error)
	ReclaimStaleFallback(ctx context.Context, olderThan time.Time, selfWorkerID string, retryDelay time.Duration) (requeued, failed int, err error)
	MarkCompleted(ctx context.Context, id string) error
	RequeueForRetry(ctx context.Context, id string, attempts int, runAfter time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
	QueuedDepth(ctx context.Context) (int64, error)
}

// Runner drives the scheduler loop: reclaim stale work, claim a batch,
// execute it on a bounded pool, persist outcomes, repeat.
type Runner struct {
	cfg      config.Config
	store    JobStore
	events   registry.EventStore
	registry *registry.Registry
	guard    *HealthGuard

	// heavySem bounds concurrent heavy-class jobs across the whole pool.
	// Executors acquire it without blocking and rotate to other work when it
	// is saturated.
	heavySem       chan struct{}
	heavyRetryWait time.Duration
}

func NewRunner(cfg config.Config, st JobStore, events registry.EventStore, reg *registry.Registry) *Runner {
	return &Runner{
		cfg:            cfg,
		store:          st,
		events:         events,
		registry:       reg,
		guard:          NewHealthGuard(cfg),
		heavySem:       make(chan struct{}, cfg.HeavyPoolSize),
		heavyRetryWait: 50 * time.Millisecond,
	}
}

// Run executes the loop until the context is canceled or a fatal condition is
// raised. Cancellation stops new claims; the batch in flight always finishes.
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("worker %s started: pool=%d heavy_pool=%d poll=%s job_timeout=%s",
		r.cfg.WorkerID, r.cfg.PoolSize, r.cfg.HeavyPoolSize, r.cfg.PollInterval, r.cfg.JobTimeout)

	var lastReclaim time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Since(lastReclaim) >= r.cfg.ReclaimInterval {
			r.reclaim(ctx)
			lastReclaim = time.Now()
		}

		if depth, err := r.store.QueuedDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		batch, err := r.store.ClaimBatch(ctx, r.cfg.WorkerID, r.cfg.ClaimBatchSize)
		if err != nil {
			r.guard.PollErrored()
			log.Printf("worker %s: claim batch: %v", r.cfg.WorkerID, err)
			if fatal := r.guard.Check(); fatal != nil {
				return fatal
			}
			if !r.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		r.guard.PollSucceeded()

		if len(batch) > 0 {
			telemetry.JobsClaimed.Add(float64(len(batch)))
			fatal := r.drain(ctx, batch)
			r.guard.JobsDrained(len(batch))
			if fatal != nil {
				return fatal
			}
		}

		if fatal := r.guard.Check(); fatal != nil {
			return fatal
		}
		if !r.sleep(ctx) {
			return ctx.Err()
		}
	}
}

func (r *Runner) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.cfg.PollInterval):
		return true
	}
}

// reclaim recovers jobs abandoned by dead workers, falling back to the
// client-side two-step variant when the transactional routine errors.
func (r *Runner) reclaim(ctx context.Context) {
	olderThan := time.Now().Add(-r.cfg.StaleAfter())
	requeued, failed, err := r.store.ReclaimStale(ctx, olderThan, r.cfg.ReclaimDelay)
	if err != nil {
		log.Printf("worker %s: reclaim stale: %v, trying fallback", r.cfg.WorkerID, err)
		requeued, failed, err = r.store.ReclaimStaleFallback(ctx, olderThan, r.cfg.WorkerID, r.cfg.ReclaimDelay)
		if err != nil {
			log.Printf("worker %s: reclaim fallback: %v", r.cfg.WorkerID, err)
			return
		}
	}
	if requeued+failed > 0 {
		telemetry.JobsReclaimed.Add(float64(requeued + failed))
		log.Printf("worker %s: reclaimed %d stale jobs (%d requeued, %d failed)", r.cfg.WorkerID, requeued+failed, requeued, failed)
	}
}

// drain runs a claimed batch to completion on the executor pool and returns
// the first fatal condition raised, if any. Every job in the batch is
// finalized before drain returns, fatal or not.
func (r *Runner) drain(ctx context.Context, batch []models.Job) *FatalError {
	// Shutdown cancellation stops claiming, never finalizing: outcome writes
	// and events for jobs already claimed must land even after the run
	// context dies, or the batch gets reclaimed and re-executed elsewhere.
	jobCtx := context.WithoutCancel(ctx)
	pending := newBatchQueue(partition(batch))

	executors := r.cfg.PoolSize
	if len(batch) < executors {
		executors = len(batch)
	}

	var (
		wg      sync.WaitGroup
		fatalMu sync.Mutex
		fatal   *FatalError
	)
	recordFatal := func(f *FatalError) {
		if f == nil {
			return
		}
		fatalMu.Lock()
		if fatal == nil {
			fatal = f
		}
		fatalMu.Unlock()
	}

	for i := 0; i < executors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok := pending.pop()
				if !ok {
					return
				}
				if r.cfg.IsHeavy(job.Type) {
					select {
					case r.heavySem <- struct{}{}:
					default:
						// Heavy slots saturated: put the job back and give
						// cheap work a chance instead of stalling the pool.
						pending.pushBack(job)
						time.Sleep(r.heavyRetryWait)
						continue
					}
					telemetry.HeavyInFlight.Inc()
					recordFatal(r.execute(jobCtx, job))
					telemetry.HeavyInFlight.Dec()
					<-r.heavySem
					continue
				}
				recordFatal(r.execute(jobCtx, job))
			}
		}()
	}
	wg.Wait()
	return fatal
}

// execute runs one claimed job end to end and persists its outcome. Handler
// errors are captured here, never propagated; the only non-nil return is the
// fatal condition raised by a timeout.
func (r *Runner) execute(ctx context.Context, job models.Job) *FatalError {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	r.emitStatus(ctx, job, models.StatusRunning, "", map[string]any{"attempt": job.Attempts + 1})

	handler, err := r.registry.Resolve(job.Type)
	if err != nil {
		// Deployment bug: finalize immediately without consuming an attempt,
		// retrying can never fix it.
		msg := err.Error()
		r.emitStatus(ctx, job, models.StatusFailed, msg, nil)
		if err := r.store.MarkFailed(ctx, job.ID, job.Attempts, msg); err != nil {
			log.Printf("worker %s: finalize job %s: %v", r.cfg.WorkerID, job.ID, err)
		}
		telemetry.JobsFailed.Inc()
		return nil
	}

	timedOut, runErr := r.runWithTimeout(ctx, handler, job)
	if runErr == nil {
		r.emitStatus(ctx, job, models.StatusCompleted, "", nil)
		r.emit(ctx, job, models.EventDone, "", nil)
		if err := r.store.MarkCompleted(ctx, job.ID); err != nil {
			log.Printf("worker %s: complete job %s: %v", r.cfg.WorkerID, job.ID, err)
		}
		telemetry.JobsCompleted.Inc()
		return nil
	}

	attempts := job.Attempts + 1
	msg := runErr.Error()
	r.emitStatus(ctx, job, models.StatusFailed, msg, map[string]any{"attempt": attempts, "timed_out": timedOut})

	if attempts >= job.MaxAttempts {
		if err := r.store.MarkFailed(ctx, job.ID, attempts, msg); err != nil {
			log.Printf("worker %s: finalize job %s: %v", r.cfg.WorkerID, job.ID, err)
		}
		telemetry.JobsFailed.Inc()
	} else {
		delay := backoffDelay(r.cfg.BackoffBase, attempts)
		if err := r.store.RequeueForRetry(ctx, job.ID, attempts, time.Now().Add(delay), msg); err != nil {
			log.Printf("worker %s: requeue job %s: %v", r.cfg.WorkerID, job.ID, err)
		}
		telemetry.JobsRetried.Inc()
	}

	if timedOut {
		telemetry.JobsTimedOut.Inc()
		// A timed-out handler may still hold external resources (hung
		// subprocess, browser session); only a process restart reliably
		// reclaims them.
		return &FatalError{Reason: ReasonJobTimeout, Err: fmt.Errorf("job %s (%s): %w", job.ID, job.Type, runErr)}
	}
	return nil
}

// runWithTimeout races the handler against the per-job timeout. When the
// timeout fires first the handler goroutine is abandoned and its eventual
// result discarded; there is no cooperative cancellation signal.
func (r *Runner) runWithTimeout(ctx context.Context, handler registry.Handler, job models.Job) (bool, error) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("handler panic: %v", rec)
			}
		}()
		done <- handler(ctx, r.events, job)
	}()

	timer := time.NewTimer(r.cfg.JobTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return false, err
	case <-timer.C:
		return true, fmt.Errorf("job timed out after %s", r.cfg.JobTimeout)
	}
}

func (r *Runner) emitStatus(ctx context.Context, job models.Job, status, message string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = status
	if message == "" {
		message = status
	}
	r.emit(ctx, job, models.EventStatus, message, data)
}

func (r *Runner) emit(ctx context.Context, job models.Job, typ, message string, data map[string]any) {
	ev := models.JobEvent{ProjectID: job.ProjectID, JobID: job.ID, Type: typ, Message: message, Data: data}
	if err := r.events.AppendEvent(ctx, ev); err != nil {
		log.Printf("worker %s: append %s event for job %s: %v", r.cfg.WorkerID, typ, job.ID, err)
	}
}

// backoffDelay spaces retries further apart on each attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}

// partition orders a claimed batch so realtime jobs run before everything
// else, preserving relative order inside each class.
func partition(batch []models.Job) []models.Job {
	ordered := make([]models.Job, 0, len(batch))
	for _, j := range batch {
		if j.Priority == models.PriorityRealtime {
			ordered = append(ordered, j)
		}
	}
	for _, j := range batch {
		if j.Priority != models.PriorityRealtime {
			ordered = append(ordered, j)
		}
	}
	return ordered
}

// batchQueue hands out the jobs of one claimed batch to the executor pool.
type batchQueue struct {
	mu   sync.Mutex
	jobs []models.Job
}

func newBatchQueue(jobs []models.Job) *batchQueue {
	return &batchQueue{jobs: jobs}
}

func (q *batchQueue) pop() (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return models.Job{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, true
}

func (q *batchQueue) pushBack(job models.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
}

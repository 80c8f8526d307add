// Package dispatcher admits extraction jobs through the per-owner limiter, runs
// each admitted job in its own goroutine and drives it to a terminal state.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jupark12/go-extract-queue/limiter"
	"github.com/jupark12/go-extract-queue/logger"
	"github.com/jupark12/go-extract-queue/metrics"
	"github.com/jupark12/go-extract-queue/models"
	"github.com/jupark12/go-extract-queue/store"
	"github.com/jupark12/go-extract-queue/worker"
)

const (
	// storeTimeout bounds each store write made on behalf of a run. Writes use
	// their own context so a failed transition can still be recorded after the
	// run's deadline passed.
	storeTimeout = 10 * time.Second

	defaultMaxRunDuration = 30 * time.Minute
	defaultReapGrace      = time.Minute
	defaultCheckpoint     = 25

	causeCancelled = "cancelled"
)

// Publisher mirrors committed transitions to the progress bus.
type Publisher interface {
	Publish(ctx context.Context, u models.ProgressUpdate)
}

// Policy holds the tunables of execution.
type Policy struct {
	// MaxRunDuration is the deadline of each execution.
	MaxRunDuration time.Duration
	// ReapGrace is added to MaxRunDuration before the watchdog considers an
	// active job stale, leaving time for the owning process to fail it itself.
	// Zero selects the default grace; a negative value disables it.
	ReapGrace time.Duration
	// ProcessingCheckpoint is the progress recorded when download finishes.
	ProcessingCheckpoint int
	// SharedLimiter is set when other processes admit through the same
	// limiter. The watchdog then frees the slots of stale jobs this process
	// does not hold; with a process-local limiter those slots died with the
	// process that held them.
	SharedLimiter bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxRunDuration <= 0 {
		p.MaxRunDuration = defaultMaxRunDuration
	}
	switch {
	case p.ReapGrace == 0:
		p.ReapGrace = defaultReapGrace
	case p.ReapGrace < 0:
		p.ReapGrace = 0
	}
	if p.ProcessingCheckpoint <= 0 || p.ProcessingCheckpoint >= models.ProgressComplete {
		p.ProcessingCheckpoint = defaultCheckpoint
	}
	return p
}

// Dispatcher owns every execution started in this process.
type Dispatcher struct {
	store     store.Store
	limiter   limiter.Limiter
	worker    worker.ContentWorker
	publisher Publisher
	metrics   *metrics.Metrics
	log       logger.Logger
	policy    Policy
	now       func() time.Time

	// held maps job id to owner for every slot acquired here and not yet
	// released. Whoever deletes the entry releases the slot.
	mu   sync.Mutex
	held map[string]string

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records admissions and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher.
func New(
	s store.Store,
	l limiter.Limiter,
	w worker.ContentWorker,
	p Publisher,
	policy Policy,
	log logger.Logger,
	opts ...Option,
) *Dispatcher {
	runCtx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:     s,
		limiter:   l,
		worker:    w,
		publisher: p,
		log:       log,
		policy:    policy.withDefaults(),
		now:       time.Now,
		held:      make(map[string]string),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start admits jobID and launches its execution. It returns once the job is
// durably downloading, or with models.ErrAdmissionDenied when the owner has no
// free slot, or with models.ErrInvalidState when the job is not pending or is
// already running.
func (d *Dispatcher) Start(ctx context.Context, jobID string) error {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.StatusPending {
		d.metrics.AdmissionRejected(models.ReasonInvalidState)
		return fmt.Errorf("%w: job %s is %s", models.ErrInvalidState, jobID, job.Status)
	}

	if !d.reserve(jobID, job.OwnerID) {
		d.metrics.AdmissionRejected(models.ReasonInvalidState)
		return fmt.Errorf("%w: job %s is already starting", models.ErrInvalidState, jobID)
	}

	ok, err := d.limiter.TryAcquire(ctx, job.OwnerID)
	if err != nil {
		d.unreserve(jobID)
		return fmt.Errorf("admission check: %w", err)
	}
	if !ok {
		d.unreserve(jobID)
		d.metrics.AdmissionRejected(models.ReasonOverCapacity)
		return fmt.Errorf("%w: owner %s", models.ErrAdmissionDenied, job.OwnerID)
	}

	job, err = d.commit(jobID, models.BeginDownload(), "Starting download")
	if err != nil {
		d.release(jobID)
		if errors.Is(err, models.ErrInvalidTransition) {
			d.metrics.AdmissionRejected(models.ReasonInvalidState)
			return fmt.Errorf("%w: %w", models.ErrInvalidState, err)
		}
		return err
	}

	d.metrics.JobStarted()
	d.log.Info("Job admitted",
		logger.String("job_id", job.ID),
		logger.String("owner_id", job.OwnerID),
	)

	d.wg.Add(1)
	go d.run(job)
	return nil
}

// Retry returns a failed job to pending. The caller starts it again through
// Start, which re-checks admission.
func (d *Dispatcher) Retry(ctx context.Context, jobID string) (*models.ExtractionJob, error) {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusFailed {
		return nil, fmt.Errorf("%w: job %s is %s", models.ErrInvalidState, jobID, job.Status)
	}
	job, err = d.commit(jobID, models.Requeue(), "Queued for retry")
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %w", models.ErrInvalidState, err)
		}
		return nil, err
	}
	return job, nil
}

// Running reports the number of executions holding a slot in this process.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

// Shutdown cancels every execution and waits for them to record their outcome
// or for ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cancelRun()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(job *models.ExtractionJob) {
	defer d.wg.Done()

	started := d.now()
	ctx, cancel := context.WithTimeout(d.runCtx, d.policy.MaxRunDuration)
	defer cancel()

	log := d.log.With(logger.String("job_id", job.ID), logger.String("owner_id", job.OwnerID))
	phase := models.StatusDownloading
	outcome := models.StatusFailed

	// registered first so it runs last, after a recovered panic was recorded
	defer func() {
		d.release(job.ID)
		d.metrics.JobFinished(string(outcome), d.now().Sub(started))
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("Execution panicked", logger.Any("panic", r), logger.String("phase", string(phase)))
			_, _ = d.commit(job.ID, models.Fail(phase, "internal error"), "")
		}
	}()

	localPath, err := d.worker.Download(ctx, job.SourceReference)
	if err != nil {
		log.Warn("Download failed", logger.Error(err))
		_, _ = d.commit(job.ID, models.Fail(phase, failureCause(ctx, "download", err)), "")
		return
	}
	defer d.cleanup(localPath, log)

	if _, err := d.commit(job.ID, models.BeginProcessing(d.policy.ProcessingCheckpoint), "Processing clip"); err != nil {
		return
	}
	phase = models.StatusProcessing

	artifact, err := d.worker.Process(ctx, localPath, job.RangeStart, job.RangeEnd)
	if err != nil {
		log.Warn("Processing failed", logger.Error(err))
		_, _ = d.commit(job.ID, models.Fail(phase, failureCause(ctx, "processing", err)), "")
		return
	}

	if _, err := d.commit(job.ID, models.Complete(artifact), "Extraction complete"); err != nil {
		// the job never became completed, so nothing may point at the file
		if rmErr := os.Remove(artifact); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn("Failed to remove uncommitted artifact", logger.String("path", artifact), logger.Error(rmErr))
		}
		return
	}
	outcome = models.StatusCompleted
	log.Info("Job completed", logger.String("artifact", artifact), logger.Duration("elapsed", d.now().Sub(started)))
}

// commit writes t and publishes the result. The write uses a fresh context so
// it survives the run's deadline.
func (d *Dispatcher) commit(jobID string, t models.Transition, message string) (*models.ExtractionJob, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	job, err := d.store.Update(ctx, jobID, t)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			d.log.Warn("Job moved on concurrently, abandoning transition",
				logger.String("job_id", jobID),
				logger.String("from", string(t.From)),
				logger.String("to", string(t.To)),
			)
		} else {
			d.log.Error("Failed to commit transition",
				logger.String("job_id", jobID),
				logger.String("from", string(t.From)),
				logger.String("to", string(t.To)),
				logger.Error(err),
			)
		}
		return nil, err
	}

	d.publisher.Publish(ctx, job.Update(message))
	return job, nil
}

func (d *Dispatcher) cleanup(localPath string, log logger.Logger) {
	c, ok := d.worker.(worker.Cleaner)
	if !ok {
		return
	}
	if err := c.Cleanup(localPath); err != nil {
		log.Warn("Failed to remove intermediate file", logger.String("path", localPath), logger.Error(err))
	}
}

func (d *Dispatcher) reserve(jobID, ownerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.held[jobID]; busy {
		return false
	}
	d.held[jobID] = ownerID
	return true
}

func (d *Dispatcher) unreserve(jobID string) {
	d.mu.Lock()
	delete(d.held, jobID)
	d.mu.Unlock()
}

// release gives the slot of jobID back exactly once. It reports whether this
// process held it.
func (d *Dispatcher) release(jobID string) bool {
	d.mu.Lock()
	ownerID, ok := d.held[jobID]
	delete(d.held, jobID)
	d.mu.Unlock()

	if !ok {
		return false
	}
	d.releaseOwner(ownerID)
	return true
}

func (d *Dispatcher) releaseOwner(ownerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := d.limiter.Release(ctx, ownerID); err != nil {
		d.log.Error("Failed to release slot", logger.String("owner_id", ownerID), logger.Error(err))
	}
}

// failureCause summarizes err for the job record. Details stay in the logs.
func failureCause(ctx context.Context, phase string, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.CauseTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return causeCancelled
	case errors.Is(err, worker.ErrUnsupportedSource):
		return phase + " failed: unsupported source"
	default:
		return phase + " failed"
	}
}

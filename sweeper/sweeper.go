// Package sweeper expires completed jobs once their retention has elapsed and
// removes artifact files nothing references any more.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jupark12/go-extract-queue/logger"
	"github.com/jupark12/go-extract-queue/metrics"
	"github.com/jupark12/go-extract-queue/models"
	"github.com/jupark12/go-extract-queue/store"
)

// DefaultRetention is how long a completed artifact is kept.
const DefaultRetention = 20 * 24 * time.Hour

// Publisher mirrors committed transitions to the progress bus.
type Publisher interface {
	Publish(ctx context.Context, u models.ProgressUpdate)
}

// Result summarizes one pass.
type Result struct {
	Expired        int
	MissingFiles   int
	OrphansRemoved int
}

// Sweeper is invoked by an external scheduler; it owns no timer.
type Sweeper struct {
	store     store.Store
	publisher Publisher
	outputDir string
	retention time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	log       logger.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithMetrics records sweep results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithOutputDir enables reconciliation of dir against the store.
func WithOutputDir(dir string) Option {
	return func(s *Sweeper) { s.outputDir = dir }
}

// New creates a sweeper. A non-positive retention uses DefaultRetention.
func New(s store.Store, p Publisher, retention time.Duration, log logger.Logger, opts ...Option) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	sw := &Sweeper{
		store:     s,
		publisher: p,
		retention: retention,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Sweep expires stale completed jobs and reconciles the output directory.
// Running it twice in a row does nothing the second time.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	cutoff := s.now().Add(-s.retention)

	stale, err := s.store.List(ctx, store.Filter{
		Statuses:      []models.JobStatus{models.StatusCompleted},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return res, fmt.Errorf("list expired candidates: %w", err)
	}

	var errs []error
	for _, job := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		expired, missing, err := s.expire(ctx, job)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if expired {
			res.Expired++
		}
		if missing {
			res.MissingFiles++
		}
	}

	if s.outputDir != "" {
		removed, err := s.removeOrphans(ctx, cutoff)
		res.OrphansRemoved = removed
		if err != nil {
			errs = append(errs, err)
		}
	}

	s.metrics.Swept(res.Expired, res.OrphansRemoved)
	if res.Expired > 0 || res.OrphansRemoved > 0 {
		s.log.Info("Sweep finished",
			logger.Int("expired", res.Expired),
			logger.Int("missing_files", res.MissingFiles),
			logger.Int("orphans_removed", res.OrphansRemoved),
		)
	}
	return res, errors.Join(errs...)
}

func (s *Sweeper) expire(ctx context.Context, job *models.ExtractionJob) (expired, missing bool, err error) {
	if job.ArtifactPath != "" {
		rmErr := os.Remove(job.ArtifactPath)
		switch {
		case rmErr == nil:
		case errors.Is(rmErr, os.ErrNotExist):
			missing = true
		default:
			s.log.Warn("Failed to remove artifact",
				logger.String("job_id", job.ID),
				logger.String("path", job.ArtifactPath),
				logger.Error(rmErr),
			)
		}
	}

	updated, err := s.store.Update(ctx, job.ID, models.Expire())
	if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
		return false, missing, nil
	}
	if err != nil {
		return false, missing, fmt.Errorf("expire job %s: %w", job.ID, err)
	}

	s.publisher.Publish(ctx, updated.Update("Artifact expired"))
	return true, missing, nil
}

// removeOrphans deletes regular files older than cutoff that no completed job
// points at. Newer files may belong to an execution that has not committed yet.
func (s *Sweeper) removeOrphans(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.outputDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read output directory: %w", err)
	}

	completed, err := s.store.List(ctx, store.Filter{Statuses: []models.JobStatus{models.StatusCompleted}})
	if err != nil {
		return 0, fmt.Errorf("list completed jobs: %w", err)
	}
	referenced := make(map[string]struct{}, len(completed))
	for _, job := range completed {
		referenced[absPath(job.ArtifactPath)] = struct{}{}
	}

	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(s.outputDir, entry.Name())
		if _, ok := referenced[absPath(path)]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("Failed to remove orphaned artifact", logger.String("path", path), logger.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

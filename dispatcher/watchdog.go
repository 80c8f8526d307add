package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/jupark12/go-extract-queue/logger"
	"github.com/jupark12/go-extract-queue/models"
	"github.com/jupark12/go-extract-queue/store"
)

// Reap fails every active job whose last transition is older than the max run
// duration plus grace, and frees its slot. Jobs held here are released through
// the held map so a late-finishing execution cannot release twice; jobs from a
// crashed process are released directly when the limiter is shared. It
// returns the number of jobs failed.
func (d *Dispatcher) Reap(ctx context.Context) (int, error) {
	cutoff := d.now().Add(-(d.policy.MaxRunDuration + d.policy.ReapGrace))
	stale, err := d.store.List(ctx, store.Filter{
		Statuses:      []models.JobStatus{models.StatusDownloading, models.StatusProcessing},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	reaped := 0
	var errs []error
	for _, job := range stale {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}

		_, err := d.commit(job.ID, models.Fail(job.Status, models.CauseTimeout), "")
		if errors.Is(err, models.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if !d.release(job.ID) && d.policy.SharedLimiter {
			d.releaseOwner(job.OwnerID)
		}
		reaped++
		d.metrics.JobReaped()
		d.log.Warn("Reaped stale job",
			logger.String("job_id", job.ID),
			logger.String("owner_id", job.OwnerID),
			logger.String("status", string(job.Status)),
			logger.Time("updated_at", job.UpdatedAt),
		)
	}

	return reaped, errors.Join(errs...)
}

// Package store holds the durable job records. The store is the source of truth
// for job state; every status change goes through Update as a compare-and-set.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jupark12/go-extract-queue/models"
)

// Store is the job record contract used by the dispatcher, the watchdog and the
// sweeper.
type Store interface {
	// Create inserts a pending job and returns its id. An empty status is
	// taken as pending; any other status fails with
	// models.ErrInvalidTransition.
	Create(ctx context.Context, job *models.ExtractionJob) (string, error)
	// Get returns models.ErrNotFound when the id is unknown.
	Get(ctx context.Context, id string) (*models.ExtractionJob, error)
	// Update applies t atomically. It fails with models.ErrInvalidTransition if
	// the job is no longer in t.From.
	Update(ctx context.Context, id string, t models.Transition) (*models.ExtractionJob, error)
	List(ctx context.Context, filter Filter) ([]*models.ExtractionJob, error)
	// Delete removes the record. It fails with models.ErrJobActive while the
	// job is downloading or processing.
	Delete(ctx context.Context, id string) error
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	OwnerID       string
	Statuses      []models.JobStatus
	UpdatedBefore time.Time
	Limit         int
}

// Match reports whether job passes the filter.
func (f Filter) Match(job *models.ExtractionJob) bool {
	if f.OwnerID != "" && job.OwnerID != f.OwnerID {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if job.Status == s {
			return true
		}
	}
	return false
}

// checkNew makes job a valid new record. Jobs only enter the store as
// pending; every later status is reached through Update.
func checkNew(job *models.ExtractionJob) error {
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	if job.Status != models.StatusPending {
		return fmt.Errorf("%w: new job cannot start as %s", models.ErrInvalidTransition, job.Status)
	}
	if job.ArtifactPath != "" || job.Progress != models.ProgressStart {
		return fmt.Errorf("%w: new pending job carries progress or an artifact", models.ErrInvalidTransition)
	}
	return nil
}

// Clock returns the current time. Stores stamp updated_at with it.
type Clock func() time.Time

package progress

import (
	"context"
	"errors"
	"time"

	"github.com/jupark12/go-extract-queue/logger"
	"github.com/jupark12/go-extract-queue/models"
)

// DefaultSnapshotTTL is how long a snapshot survives without a new transition.
const DefaultSnapshotTTL = time.Hour

// Publisher is the only writer of snapshots. It is called after a transition has
// been committed; failures are logged and swallowed.
type Publisher struct {
	bus Bus
	ttl time.Duration
	log logger.Logger
}

// NewPublisher creates a publisher. A non-positive ttl uses DefaultSnapshotTTL.
func NewPublisher(bus Bus, ttl time.Duration, log logger.Logger) *Publisher {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Publisher{bus: bus, ttl: ttl, log: log}
}

// Publish overwrites the snapshot and then broadcasts u.
func (p *Publisher) Publish(ctx context.Context, u models.ProgressUpdate) {
	if err := p.bus.SetSnapshot(ctx, u, p.ttl); err != nil {
		p.log.Warn("Failed to write progress snapshot",
			logger.String("job_id", u.JobID),
			logger.String("status", string(u.Status)),
			logger.Error(err),
		)
	}
	if err := p.bus.Broadcast(ctx, u); err != nil {
		p.log.Warn("Failed to broadcast progress update",
			logger.String("job_id", u.JobID),
			logger.String("status", string(u.Status)),
			logger.Error(err),
		)
	}
}

// JobGetter is the part of the store the status query needs.
type JobGetter interface {
	Get(ctx context.Context, id string) (*models.ExtractionJob, error)
}

// StatusReader answers status queries from the snapshot and falls back to the
// store row when the snapshot is missing or the cache is down.
type StatusReader struct {
	bus   Bus
	store JobGetter
	log   logger.Logger
}

// NewStatusReader creates a reader.
func NewStatusReader(bus Bus, store JobGetter, log logger.Logger) *StatusReader {
	return &StatusReader{bus: bus, store: store, log: log}
}

// Status returns the latest known update for jobID.
func (r *StatusReader) Status(ctx context.Context, jobID string) (models.ProgressUpdate, error) {
	snap, err := r.bus.Snapshot(ctx, jobID)
	if err == nil {
		return *snap, nil
	}
	if !errors.Is(err, ErrNoSnapshot) {
		r.log.Warn("Progress cache lookup failed, reading store",
			logger.String("job_id", jobID), logger.Error(err))
	}

	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return models.ProgressUpdate{}, err
	}
	return job.Update(""), nil
}

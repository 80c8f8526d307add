package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jupark12/go-extract-queue/logger"
	"github.com/jupark12/go-extract-queue/models"
)

// MemoryStore keeps jobs in memory, indexed by id and by status. When dataDir is
// set every write is mirrored to <dataDir>/<id>.json so a single node survives
// restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	jobsByID map[string]*models.ExtractionJob
	byStatus map[models.JobStatus]map[string]*models.ExtractionJob
	dataDir  string
	now      Clock
	log      logger.Logger
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for updated_at.
func WithClock(c Clock) MemoryOption {
	return func(s *MemoryStore) { s.now = c }
}

// WithDataDir enables JSON persistence under dir.
func WithDataDir(dir string) MemoryOption {
	return func(s *MemoryStore) { s.dataDir = dir }
}

// WithLogger sets the logger used while loading persisted jobs.
func WithLogger(l logger.Logger) MemoryOption {
	return func(s *MemoryStore) { s.log = l }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) (*MemoryStore, error) {
	s := &MemoryStore{
		jobsByID: make(map[string]*models.ExtractionJob),
		byStatus: make(map[models.JobStatus]map[string]*models.ExtractionJob),
		now:      time.Now,
		log:      logger.NewNop(),
	}
	for _, status := range models.AllStatuses {
		s.byStatus[status] = make(map[string]*models.ExtractionJob)
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.dataDir != "" {
		if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	return s, nil
}

// Create adds a pending job. An empty id is replaced by a fresh uuid.
func (s *MemoryStore) Create(_ context.Context, job *models.ExtractionJob) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := job.Clone()
	if err := checkNew(stored); err != nil {
		return "", err
	}
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if _, exists := s.jobsByID[stored.ID]; exists {
		return "", fmt.Errorf("job %s already exists", stored.ID)
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = stored.CreatedAt

	if err := s.persistJob(stored); err != nil {
		return "", err
	}

	s.jobsByID[stored.ID] = stored
	s.byStatus[stored.Status][stored.ID] = stored
	job.ID = stored.ID
	return stored.ID, nil
}

// Get retrieves a copy of a job by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.ExtractionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobsByID[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return job.Clone(), nil
}

// Update applies the transition under the write lock.
func (s *MemoryStore) Update(_ context.Context, id string, t models.Transition) (*models.ExtractionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.jobsByID[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}

	next := current.Clone()
	if err := t.Apply(next, s.now()); err != nil {
		return nil, err
	}

	// write to disk first so memory never runs ahead of the durable copy
	if err := s.persistJob(next); err != nil {
		return nil, err
	}

	delete(s.byStatus[current.Status], id)
	s.jobsByID[id] = next
	s.byStatus[next.Status][id] = next
	return next.Clone(), nil
}

// List returns matching jobs, newest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*models.ExtractionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates map[string]*models.ExtractionJob
	if len(filter.Statuses) == 1 {
		candidates = s.byStatus[filter.Statuses[0]]
	} else {
		candidates = s.jobsByID
	}

	jobs := make([]*models.ExtractionJob, 0, len(candidates))
	for _, job := range candidates {
		if filter.Match(job) {
			jobs = append(jobs, job.Clone())
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// Delete removes the record and its persisted file.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobsByID[id]
	if !exists {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if job.Status.IsActive() {
		return fmt.Errorf("%w: %s is %s", models.ErrJobActive, id, job.Status)
	}

	if s.dataDir != "" {
		err := os.Remove(s.jobPath(id))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: remove job file: %v", models.ErrStoreUnavailable, err)
		}
	}

	delete(s.byStatus[job.Status], id)
	delete(s.jobsByID, id)
	return nil
}

func (s *MemoryStore) jobPath(id string) string {
	return filepath.Join(s.dataDir, id+".json")
}

// persistJob saves job data to disk
func (s *MemoryStore) persistJob(job *models.ExtractionJob) error {
	if s.dataDir == "" {
		return nil
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	// write-then-rename keeps the previous copy intact on a torn write
	tmp := s.jobPath(job.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write job file: %v", models.ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, s.jobPath(job.ID)); err != nil {
		return fmt.Errorf("%w: rename job file: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

// LoadJobs loads all persisted jobs from disk. Unreadable files are skipped.
func (s *MemoryStore) LoadJobs() error {
	if s.dataDir == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("read data directory: %w", err)
	}

	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		jobPath := filepath.Join(s.dataDir, file.Name())
		data, err := os.ReadFile(jobPath)
		if err != nil {
			s.log.Warn("Failed to read job file", logger.String("path", jobPath), logger.Error(err))
			continue
		}

		var job models.ExtractionJob
		if err := json.Unmarshal(data, &job); err != nil {
			s.log.Warn("Failed to unmarshal job file", logger.String("path", jobPath), logger.Error(err))
			continue
		}
		if !job.Status.Valid() {
			s.log.Warn("Skipping job with unknown status", logger.String("path", jobPath), logger.String("status", string(job.Status)))
			continue
		}

		s.jobsByID[job.ID] = &job
		s.byStatus[job.Status][job.ID] = &job
	}

	s.log.Info("Loaded jobs from disk", logger.Int("count", len(s.jobsByID)))
	return nil
}

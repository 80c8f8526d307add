package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jupark12/go-extract-queue/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS extraction_jobs (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT        NOT NULL,
	source_reference TEXT        NOT NULL,
	range_start_ms   BIGINT      NOT NULL,
	range_end_ms     BIGINT      NOT NULL,
	status           TEXT        NOT NULL,
	progress         INTEGER     NOT NULL DEFAULT 0,
	error_detail     TEXT,
	artifact_path    TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	retry_count      INTEGER     NOT NULL DEFAULT 0,
	CHECK (range_start_ms >= 0 AND range_end_ms > range_start_ms),
	CHECK ((artifact_path IS NOT NULL) = (status = 'completed'))
);
ALTER TABLE extraction_jobs ADD COLUMN IF NOT EXISTS notes TEXT;
CREATE INDEX IF NOT EXISTS extraction_jobs_status_updated_idx ON extraction_jobs (status, updated_at);
CREATE INDEX IF NOT EXISTS extraction_jobs_owner_created_idx ON extraction_jobs (owner_id, created_at DESC);
`

const jobColumns = `id, owner_id, source_reference, range_start_ms, range_end_ms, status, progress,
	COALESCE(error_detail, ''), COALESCE(artifact_path, ''), created_at, updated_at, retry_count, COALESCE(notes, '')`

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// PostgresStore keeps jobs in the extraction_jobs table.
type PostgresStore struct {
	db  DB
	now Clock
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate creates the table and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return unavailable("migrate schema", err)
	}
	return nil
}

// Create inserts a pending job.
func (s *PostgresStore) Create(ctx context.Context, job *models.ExtractionJob) (string, error) {
	if err := checkNew(job); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	job.UpdatedAt = job.CreatedAt

	_, err := s.db.Exec(ctx, `
		INSERT INTO extraction_jobs (id, owner_id, source_reference, range_start_ms, range_end_ms,
			status, progress, created_at, updated_at, retry_count, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''))`,
		job.ID, job.OwnerID, job.SourceReference,
		job.RangeStart.Milliseconds(), job.RangeEnd.Milliseconds(),
		string(job.Status), job.Progress, job.CreatedAt, job.UpdatedAt, job.RetryCount, job.Notes,
	)
	if err != nil {
		return "", unavailable("insert job", err)
	}
	return job.ID, nil
}

// Get retrieves a job by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.ExtractionJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM extraction_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, unavailable("get job", err)
	}
	return job, nil
}

// Update locks the row, applies the transition and writes it back in one
// transaction.
func (s *PostgresStore) Update(ctx context.Context, id string, t models.Transition) (*models.ExtractionJob, error) {
	var updated *models.ExtractionJob

	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM extraction_jobs WHERE id = $1 FOR UPDATE`, id)
		job, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", models.ErrNotFound, id)
		}
		if err != nil {
			return unavailable("lock job", err)
		}

		if err := t.Apply(job, s.now()); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE extraction_jobs
			SET status = $1, progress = $2, error_detail = NULLIF($3, ''), artifact_path = NULLIF($4, ''),
			    updated_at = $5, retry_count = $6
			WHERE id = $7`,
			string(job.Status), job.Progress, job.ErrorDetail, job.ArtifactPath,
			job.UpdatedAt, job.RetryCount, job.ID,
		)
		if err != nil {
			return unavailable("update job", err)
		}

		updated = job
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrStoreUnavailable) {
			return nil, err
		}
		return nil, unavailable("transition job", err)
	}
	return updated, nil
}

// List returns matching jobs, newest first.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*models.ExtractionJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM extraction_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list jobs", err)
	}

	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.ExtractionJob, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, unavailable("scan jobs", err)
	}
	return jobs, nil
}

// Delete removes a job record unless it is running.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM extraction_jobs
		WHERE id = $1 AND status NOT IN ($2, $3)`,
		id, string(models.StatusDownloading), string(models.StatusProcessing),
	)
	if err != nil {
		return unavailable("delete job", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// nothing deleted: either missing or running
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", models.ErrJobActive, id, job.Status)
}

func scanJob(row pgx.Row) (*models.ExtractionJob, error) {
	var (
		job            models.ExtractionJob
		status         string
		startMs, endMs int64
	)
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.SourceReference, &startMs, &endMs, &status, &job.Progress,
		&job.ErrorDetail, &job.ArtifactPath, &job.CreatedAt, &job.UpdatedAt, &job.RetryCount, &job.Notes,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.RangeStart = time.Duration(startMs) * time.Millisecond
	job.RangeEnd = time.Duration(endMs) * time.Millisecond
	return &job, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, op, err)
}

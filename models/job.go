package models

import (
	"time"
)

// JobStatus represents the current state of an extraction job
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusDownloading JobStatus = "downloading"
	StatusProcessing  JobStatus = "processing"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusExpired     JobStatus = "expired"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	StatusPending,
	StatusDownloading,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusExpired,
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsActive reports whether an execution is running for a job in this status.
func (s JobStatus) IsActive() bool {
	return s == StatusDownloading || s == StatusProcessing
}

// IsTerminal reports whether no execution will move the job further.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// ExtractionJob is one clip extraction request and its lifecycle record
type ExtractionJob struct {
	ID              string        `json:"id"`
	OwnerID         string        `json:"owner_id"`
	SourceReference string        `json:"source_reference"`
	RangeStart      time.Duration `json:"range_start"`
	RangeEnd        time.Duration `json:"range_end"`
	Status          JobStatus     `json:"status"`
	Progress        int           `json:"progress"`
	ErrorDetail     string        `json:"error_detail,omitempty"`
	ArtifactPath    string        `json:"artifact_path,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	RetryCount      int           `json:"retry_count"`
	Notes           string        `json:"notes,omitempty"`
}

// RangePrecision is the resolution ranges are kept at. Finer offsets are
// truncated so every store round-trips the same values.
const RangePrecision = time.Millisecond

// NewExtractionJob builds a pending job. The range is truncated to
// RangePrecision and validated against maxClip when maxClip is positive.
func NewExtractionJob(id, ownerID, sourceRef string, start, end, maxClip time.Duration, now time.Time) (*ExtractionJob, error) {
	start, end = start.Truncate(RangePrecision), end.Truncate(RangePrecision)
	if err := ValidateRange(start, end, maxClip); err != nil {
		return nil, err
	}
	if ownerID == "" {
		return nil, ErrMissingOwner
	}
	if sourceRef == "" {
		return nil, ErrMissingSource
	}

	return &ExtractionJob{
		ID:              id,
		OwnerID:         ownerID,
		SourceReference: sourceRef,
		RangeStart:      start,
		RangeEnd:        end,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// ValidateRange enforces 0 <= start < end and, if maxClip > 0, end-start <= maxClip.
func ValidateRange(start, end, maxClip time.Duration) error {
	if start < 0 || end < 0 {
		return ErrInvalidRange
	}
	if end <= start {
		return ErrInvalidRange
	}
	if maxClip > 0 && end-start > maxClip {
		return ErrClipTooLong
	}
	return nil
}

// Clone returns a copy safe to hand out without sharing state.
func (j *ExtractionJob) Clone() *ExtractionJob {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}

// Update builds the progress payload describing the job's current state.
func (j *ExtractionJob) Update(message string) ProgressUpdate {
	return ProgressUpdate{
		JobID:    j.ID,
		Status:   j.Status,
		Progress: j.Progress,
		Message:  message,
		Error:    j.ErrorDetail,
	}
}

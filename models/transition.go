package models

import (
	"fmt"
	"time"
)

// validTransitions is the complete lifecycle of an extraction job. Any pair not
// listed here is rejected.
var validTransitions = map[JobStatus][]JobStatus{
	StatusPending: {
		StatusDownloading, // admitted by the dispatcher
	},
	StatusDownloading: {
		StatusProcessing, // worker returned a local artifact
		StatusFailed,     // download error or watchdog timeout
	},
	StatusProcessing: {
		StatusCompleted, // transcode succeeded
		StatusFailed,    // transcode error or watchdog timeout
	},
	StatusCompleted: {
		StatusExpired, // retention elapsed, sweeper only
	},
	StatusFailed: {
		StatusPending, // explicit owner retry
	},
	StatusExpired: {},
}

// ValidateTransition checks a status change against the transition table.
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source status %q", ErrInvalidTransition, from)
	}

	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

// Transition is a single compare-and-set state change. Stores apply it
// atomically: the job must still be in From when the write happens.
type Transition struct {
	From         JobStatus
	To           JobStatus
	Progress     int
	ErrorDetail  string
	ArtifactPath string
}

// BeginDownload moves an admitted job into its download phase.
func BeginDownload() Transition {
	return Transition{From: StatusPending, To: StatusDownloading, Progress: ProgressStart}
}

// BeginProcessing records the downloaded artifact checkpoint.
func BeginProcessing(checkpoint int) Transition {
	return Transition{From: StatusDownloading, To: StatusProcessing, Progress: checkpoint}
}

// Complete records the finished clip.
func Complete(artifactPath string) Transition {
	return Transition{From: StatusProcessing, To: StatusCompleted, Progress: ProgressComplete, ArtifactPath: artifactPath}
}

// Fail records an unrecovered error from the given active status.
func Fail(from JobStatus, cause string) Transition {
	return Transition{From: from, To: StatusFailed, ErrorDetail: cause}
}

// Expire forgets the artifact of a completed job.
func Expire() Transition {
	return Transition{From: StatusCompleted, To: StatusExpired}
}

// Requeue returns a failed job to pending for another admission.
func Requeue() Transition {
	return Transition{From: StatusFailed, To: StatusPending}
}

// Apply mutates job according to the transition. On error job is untouched.
func (t Transition) Apply(job *ExtractionJob, now time.Time) error {
	if job.Status != t.From {
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrInvalidTransition, job.ID, job.Status, t.From)
	}
	if err := ValidateTransition(t.From, t.To); err != nil {
		return err
	}

	next := *job
	next.Status = t.To
	next.UpdatedAt = now

	switch t.To {
	case StatusDownloading:
		next.Progress = ProgressStart
		next.ErrorDetail = ""
		next.ArtifactPath = ""
	case StatusProcessing:
		next.Progress = clampProgress(max(job.Progress, t.Progress))
	case StatusCompleted:
		if t.ArtifactPath == "" {
			return fmt.Errorf("%w: completed job %s needs an artifact path", ErrInvalidTransition, job.ID)
		}
		next.Progress = ProgressComplete
		next.ArtifactPath = t.ArtifactPath
	case StatusFailed:
		next.ErrorDetail = t.ErrorDetail
		if next.ErrorDetail == "" {
			next.ErrorDetail = "unknown error"
		}
		next.ArtifactPath = ""
	case StatusExpired:
		next.Progress = 0
		next.ArtifactPath = ""
	case StatusPending:
		next.Progress = ProgressStart
		next.ErrorDetail = ""
		next.ArtifactPath = ""
		next.RetryCount++
	}

	*job = next
	return nil
}

// progress 100 is reserved for completed jobs
func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > ProgressComplete-1 {
		return ProgressComplete - 1
	}
	return p
}

package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{"pending to downloading", StatusPending, StatusDownloading, false},
		{"downloading to processing", StatusDownloading, StatusProcessing, false},
		{"downloading to failed", StatusDownloading, StatusFailed, false},
		{"processing to completed", StatusProcessing, StatusCompleted, false},
		{"processing to failed", StatusProcessing, StatusFailed, false},
		{"completed to expired", StatusCompleted, StatusExpired, false},
		{"failed to pending", StatusFailed, StatusPending, false},

		{"pending to completed", StatusPending, StatusCompleted, true},
		{"pending to processing", StatusPending, StatusProcessing, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"downloading to completed", StatusDownloading, StatusCompleted, true},
		{"processing to downloading", StatusProcessing, StatusDownloading, true},
		{"completed to downloading", StatusCompleted, StatusDownloading, true},
		{"completed to failed", StatusCompleted, StatusFailed, true},
		{"failed to downloading", StatusFailed, StatusDownloading, true},
		{"expired to pending", StatusExpired, StatusPending, true},
		{"expired to completed", StatusExpired, StatusCompleted, true},
		{"unknown source", JobStatus("paused"), StatusPending, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func newTestJob(t *testing.T) *ExtractionJob {
	t.Helper()

	job, err := NewExtractionJob("job-1", "owner-1", "X", 10*time.Second, 40*time.Second, 0, time.Unix(0, 0))
	require.NoError(t, err)
	return job
}

func TestApply_HappyPath(t *testing.T) {
	job := newTestJob(t)
	now := time.Unix(100, 0)

	require.NoError(t, BeginDownload().Apply(job, now))
	assert.Equal(t, StatusDownloading, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, now, job.UpdatedAt)
	assert.Empty(t, job.ArtifactPath)

	require.NoError(t, BeginProcessing(25).Apply(job, now.Add(time.Second)))
	assert.Equal(t, StatusProcessing, job.Status)
	assert.Equal(t, 25, job.Progress)
	assert.Empty(t, job.ArtifactPath)

	require.NoError(t, Complete("/out/clip.mp4").Apply(job, now.Add(2*time.Second)))
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "/out/clip.mp4", job.ArtifactPath)

	require.NoError(t, Expire().Apply(job, now.Add(3*time.Second)))
	assert.Equal(t, StatusExpired, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Empty(t, job.ArtifactPath)
}

func TestApply_FailKeepsProgress(t *testing.T) {
	job := newTestJob(t)
	now := time.Unix(100, 0)

	require.NoError(t, BeginDownload().Apply(job, now))
	require.NoError(t, BeginProcessing(25).Apply(job, now))
	require.NoError(t, Fail(StatusProcessing, "transcode failed").Apply(job, now))

	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 25, job.Progress)
	assert.Equal(t, "transcode failed", job.ErrorDetail)
	assert.Empty(t, job.ArtifactPath)
}

func TestApply_RequeueResetsRun(t *testing.T) {
	job := newTestJob(t)
	now := time.Unix(100, 0)

	require.NoError(t, BeginDownload().Apply(job, now))
	require.NoError(t, Fail(StatusDownloading, "boom").Apply(job, now))
	job.Notes = "keep for the reel"
	require.NoError(t, Requeue().Apply(job, now))

	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Empty(t, job.ErrorDetail)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "keep for the reel", job.Notes)
}

func TestApply_StaleFromLeavesJobUntouched(t *testing.T) {
	job := newTestJob(t)
	before := *job

	err := Fail(StatusDownloading, "timeout").Apply(job, time.Unix(200, 0))
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, before, *job)
}

func TestApply_CompleteNeedsArtifact(t *testing.T) {
	job := newTestJob(t)
	now := time.Unix(100, 0)
	require.NoError(t, BeginDownload().Apply(job, now))
	require.NoError(t, BeginProcessing(25).Apply(job, now))

	err := Complete("").Apply(job, now)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusProcessing, job.Status)
}

func TestApply_ProcessingNeverReachesHundred(t *testing.T) {
	job := newTestJob(t)
	now := time.Unix(100, 0)
	require.NoError(t, BeginDownload().Apply(job, now))
	require.NoError(t, BeginProcessing(150).Apply(job, now))

	assert.Equal(t, 99, job.Progress)
}

func TestNewExtractionJob_Validation(t *testing.T) {
	now := time.Unix(0, 0)

	_, err := NewExtractionJob("a", "o", "X", 40*time.Second, 10*time.Second, 0, now)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = NewExtractionJob("a", "o", "X", -time.Second, 10*time.Second, 0, now)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = NewExtractionJob("a", "o", "X", 0, 11*time.Minute, 10*time.Minute, now)
	assert.ErrorIs(t, err, ErrClipTooLong)

	_, err = NewExtractionJob("a", "", "X", 0, time.Second, 0, now)
	assert.ErrorIs(t, err, ErrMissingOwner)

	_, err = NewExtractionJob("a", "o", "", 0, time.Second, 0, now)
	assert.ErrorIs(t, err, ErrMissingSource)

	job, err := NewExtractionJob("a", "o", "X", 0, time.Second, 0, now)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, now, job.CreatedAt)
}

func TestNewExtractionJob_TruncatesRangeToMilliseconds(t *testing.T) {
	now := time.Unix(0, 0)

	job, err := NewExtractionJob("a", "o", "X", 1500*time.Microsecond, 2*time.Second+999*time.Microsecond, 0, now)
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, job.RangeStart)
	assert.Equal(t, 2*time.Second, job.RangeEnd)
	assert.Equal(t, job.RangeStart, time.Duration(job.RangeStart.Milliseconds())*time.Millisecond)

	_, err = NewExtractionJob("a", "o", "X", 100*time.Microsecond, 900*time.Microsecond, 0, now)
	assert.ErrorIs(t, err, ErrInvalidRange, "a range collapsing to zero is rejected")
}

func TestRejectionReason(t *testing.T) {
	assert.Equal(t, ReasonOverCapacity, RejectionReason(ErrAdmissionDenied))
	assert.Equal(t, ReasonInvalidState, RejectionReason(ErrInvalidState))
	assert.Empty(t, RejectionReason(errors.New("other")))
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/jupark12/go-extract-queue/gateway"
	"github.com/jupark12/go-extract-queue/logger"
	"github.com/jupark12/go-extract-queue/models"
	"github.com/jupark12/go-extract-queue/store"
)

const (
	maxRequestBody   = 1 << 20
	defaultListLimit = 100
	maxListLimit     = 500
	maxNotesLength   = 2000
)

type createJobRequest struct {
	SourceReference string `json:"source_reference"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	AutoStart       bool   `json:"auto_start"`
	Notes           string `json:"notes"`
}

type jobResponse struct {
	ID              string           `json:"id"`
	OwnerID         string           `json:"owner_id"`
	SourceReference string           `json:"source_reference"`
	StartTime       string           `json:"start_time"`
	EndTime         string           `json:"end_time"`
	Status          models.JobStatus `json:"status"`
	Progress        int              `json:"progress"`
	ErrorDetail     string           `json:"error_detail,omitempty"`
	ArtifactPath    string           `json:"artifact_path,omitempty"`
	RetryCount      int              `json:"retry_count"`
	Notes           string           `json:"notes,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	StartRejection  string           `json:"start_rejection,omitempty"`
}

func newJobResponse(job *models.ExtractionJob) jobResponse {
	return jobResponse{
		ID:              job.ID,
		OwnerID:         job.OwnerID,
		SourceReference: job.SourceReference,
		StartTime:       models.FormatTimestamp(job.RangeStart),
		EndTime:         models.FormatTimestamp(job.RangeEnd),
		Status:          job.Status,
		Progress:        job.Progress,
		ErrorDetail:     job.ErrorDetail,
		ArtifactPath:    job.ArtifactPath,
		RetryCount:      job.RetryCount,
		Notes:           job.Notes,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var req createJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}

	start, err := models.ParseTimestamp(req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_time: "+err.Error(), "")
		return
	}
	end, err := models.ParseTimestamp(req.EndTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end_time: "+err.Error(), "")
		return
	}

	if utf8.RuneCountInString(req.Notes) > maxNotesLength {
		writeError(w, http.StatusBadRequest, "notes: too long", "")
		return
	}

	job, err := models.NewExtractionJob("", id.OwnerID, req.SourceReference, start, end, s.opts.MaxClipDuration, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	job.Notes = req.Notes

	jobID, err := s.deps.Store.Create(r.Context(), job)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	job.ID = jobID

	s.deps.Gateway.Watch(job.ID, job.OwnerID)
	s.deps.Publisher.Publish(r.Context(), job.Update("Queued"))
	s.log.Info("Job created",
		logger.String("job_id", job.ID),
		logger.String("owner_id", job.OwnerID),
	)

	if !req.AutoStart {
		writeJSON(w, http.StatusCreated, newJobResponse(job))
		return
	}

	// The job exists whether or not it could be started; a rejection is
	// reported alongside it rather than as a failed request.
	var rejection string
	if err := s.deps.Runner.Start(r.Context(), job.ID); err != nil {
		rejection = models.RejectionReason(err)
		if rejection == "" {
			s.log.Error("Failed to start job", logger.String("job_id", job.ID), logger.Error(err))
			rejection = "error"
		}
	} else if current, err := s.deps.Store.Get(r.Context(), job.ID); err == nil {
		job = current
	}

	resp := newJobResponse(job)
	resp.StartRejection = rejection
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	query := r.URL.Query()

	filter := store.Filter{OwnerID: id.OwnerID, Limit: defaultListLimit}
	if id.Admin {
		filter.OwnerID = query.Get("owner")
	}
	if status := query.Get("status"); status != "" {
		st := models.JobStatus(status)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid status parameter", "")
			return
		}
		filter.Statuses = []models.JobStatus{st}
	}
	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit parameter", "")
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	jobs, err := s.deps.Store.List(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, newJobResponse(job))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}

	u, err := s.deps.Status.Status(r.Context(), job.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}

	err := s.deps.Runner.Start(r.Context(), job.ID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "accepted"})
	case errors.Is(err, models.ErrAdmissionDenied):
		writeError(w, http.StatusTooManyRequests, "too many active jobs", models.ReasonOverCapacity)
	case errors.Is(err, models.ErrInvalidState):
		writeError(w, http.StatusConflict, "job cannot be started", models.ReasonInvalidState)
	default:
		s.writeStoreError(w, err)
	}
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}

	retried, err := s.deps.Runner.Retry(r.Context(), job.ID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, newJobResponse(retried))
	case errors.Is(err, models.ErrInvalidState):
		writeError(w, http.StatusConflict, "only failed jobs can be retried", models.ReasonInvalidState)
	default:
		s.writeStoreError(w, err)
	}
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}

	err := s.deps.Store.Delete(r.Context(), job.ID)
	switch {
	case errors.Is(err, models.ErrJobActive):
		writeError(w, http.StatusConflict, models.ErrJobActive.Error(), models.ReasonInvalidState)
		return
	case err != nil:
		s.writeStoreError(w, err)
		return
	}
	if job.ArtifactPath != "" {
		if err := os.Remove(job.ArtifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("Failed to remove artifact of deleted job",
				logger.String("job_id", job.ID), logger.String("path", job.ArtifactPath), logger.Error(err))
		}
	}
	s.deps.Gateway.Forget(job.ID)

	w.WriteHeader(http.StatusNoContent)
}

// authorizedJob loads the job named in the path. Jobs owned by someone else
// are reported as missing so ids cannot be probed.
func (s *Server) authorizedJob(w http.ResponseWriter, r *http.Request) (*models.ExtractionJob, bool) {
	id, _ := IdentityFrom(r.Context())

	job, err := s.deps.Store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return nil, false
	}
	if !canAccess(id, job) {
		writeError(w, http.StatusNotFound, "Job not found", "")
		return nil, false
	}
	return job, true
}

func canAccess(id gateway.Identity, job *models.ExtractionJob) bool {
	return id.Admin || job.OwnerID == id.OwnerID
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found", "")
	case errors.Is(err, models.ErrStoreUnavailable):
		s.log.Error("Job store unavailable", logger.Error(err))
		writeError(w, http.StatusServiceUnavailable, "job store unavailable", "")
	default:
		s.log.Error("Request failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, reason string) {
	writeJSON(w, status, errorResponse{Error: msg, Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package models

import "errors"

var (
	// ErrNotFound is returned when a job id has no record.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a status change is not in the
	// transition table or the job moved on concurrently.
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrAdmissionDenied is returned when the owner has no free slot.
	ErrAdmissionDenied = errors.New("admission denied: over capacity")
	// ErrInvalidState is returned by start when the job is not pending or
	// already has an execution.
	ErrInvalidState = errors.New("job is not startable")
	// ErrStoreUnavailable wraps driver failures of the job store.
	ErrStoreUnavailable = errors.New("job store unavailable")
	// ErrJobActive is returned when deleting a job that is still running.
	ErrJobActive = errors.New("job is running")

	ErrInvalidRange  = errors.New("range end must be after range start and both non-negative")
	ErrClipTooLong   = errors.New("requested clip exceeds maximum duration")
	ErrMissingOwner  = errors.New("owner id is required")
	ErrMissingSource = errors.New("source reference is required")
)

// Rejection reasons reported by the dispatcher.
const (
	ReasonOverCapacity = "over_capacity"
	ReasonInvalidState = "invalid_state"
)

// RejectionReason maps a start error to its caller-facing reason. It returns ""
// for errors that are not admission outcomes.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrAdmissionDenied):
		return ReasonOverCapacity
	case errors.Is(err, ErrInvalidState):
		return ReasonInvalidState
	default:
		return ""
	}
}

package models

// ProgressUpdate is the payload mirrored into the progress cache, the bus and
// every live subscriber.
type ProgressUpdate struct {
	JobID    string    `json:"job_id"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Progress checkpoints and causes shared by the dispatcher and the watchdog.
const (
	ProgressStart    = 0
	ProgressComplete = 100

	CauseTimeout = "timeout"
)

package processing

import "fmt"

// JobStatus represents the current state of an anonymization job. It enables tracking
// of job lifecycle from submission through chunking, parallel processing, stitching,
// and completion or failure.
type JobStatus string

const (
	// JobStatusQueued indicates a job has been accepted but ingestion has not started.
	JobStatusQueued JobStatus = "QUEUED"

	// JobStatusChunking indicates the ingestion coordinator is splitting the input video.
	JobStatusChunking JobStatus = "CHUNKING"

	// JobStatusProcessing indicates chunk tasks are dispatched and workers are processing.
	JobStatusProcessing JobStatus = "PROCESSING"

	// JobStatusStitching indicates all chunks are done and the final artifact is being assembled.
	JobStatusStitching JobStatus = "STITCHING"

	// JobStatusCompleted indicates the final anonymized artifact was published.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusFailed indicates the job encountered an unrecoverable error.
	JobStatusFailed JobStatus = "FAILED"

	// JobStatusCancelled indicates the job was cancelled by explicit user request,
	// typically a right-to-erasure deletion. The engine itself never sets this.
	JobStatusCancelled JobStatus = "CANCELLED"
)

func (s JobStatus) String() string { return string(s) }

// ParseJobStatus converts a string to a JobStatus.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "QUEUED":
		return JobStatusQueued
	case "CHUNKING":
		return JobStatusChunking
	case "PROCESSING":
		return JobStatusProcessing
	case "STITCHING":
		return JobStatusStitching
	case "COMPLETED":
		return JobStatusCompleted
	case "FAILED":
		return JobStatusFailed
	case "CANCELLED":
		return JobStatusCancelled
	default:
		return "" // represents unspecified
	}
}

// IsTerminal reports whether the status accepts no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid job status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target status.
// Progress transitions are strictly monotonic; FAILED is reachable from any
// non-terminal state, CANCELLED only by explicit user request.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if target == JobStatusFailed || target == JobStatusCancelled {
		return true
	}
	switch s {
	case JobStatusQueued:
		return target == JobStatusChunking
	case JobStatusChunking:
		return target == JobStatusProcessing
	case JobStatusProcessing:
		return target == JobStatusStitching
	case JobStatusStitching:
		return target == JobStatusCompleted
	default:
		return false
	}
}

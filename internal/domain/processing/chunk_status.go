package processing

import "fmt"

// ChunkStatus represents the current state of a single chunk within a job.
type ChunkStatus string

const (
	// ChunkStatusPending indicates the chunk task has been seeded but no worker claimed it.
	ChunkStatusPending ChunkStatus = "PENDING"

	// ChunkStatusProcessing indicates a worker attempt is in flight for this chunk.
	ChunkStatusProcessing ChunkStatus = "PROCESSING"

	// ChunkStatusDone indicates the chunk's anonymized output was uploaded and recorded.
	ChunkStatusDone ChunkStatus = "DONE"

	// ChunkStatusFailed indicates the chunk exhausted its retry budget or hit an
	// unrecoverable input error.
	ChunkStatusFailed ChunkStatus = "FAILED"
)

func (s ChunkStatus) String() string { return string(s) }

// ParseChunkStatus converts a string to a ChunkStatus.
func ParseChunkStatus(s string) ChunkStatus {
	switch s {
	case "PENDING":
		return ChunkStatusPending
	case "PROCESSING":
		return ChunkStatusProcessing
	case "DONE":
		return ChunkStatusDone
	case "FAILED":
		return ChunkStatusFailed
	default:
		return "" // represents unspecified
	}
}

// IsTerminal reports whether the status accepts no further transitions.
func (s ChunkStatus) IsTerminal() bool {
	return s == ChunkStatusDone || s == ChunkStatusFailed
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s ChunkStatus) ValidateTransition(target ChunkStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid chunk status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the chunk lifecycle. PROCESSING may re-enter PROCESSING
// so a redelivered attempt can re-claim a chunk whose previous attempt went dark.
func (s ChunkStatus) isValidTransition(target ChunkStatus) bool {
	switch s {
	case ChunkStatusPending:
		return target == ChunkStatusProcessing || target == ChunkStatusFailed
	case ChunkStatusProcessing:
		return target == ChunkStatusProcessing || target == ChunkStatusDone || target == ChunkStatusFailed
	case ChunkStatusDone, ChunkStatusFailed:
		return false
	default:
		return false
	}
}

package processing

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleTransition indicates a compare-and-set transition lost a race: the
	// persisted status no longer matched the expected prior status. This is benign;
	// a duplicate delivery landed after another actor already advanced state, and
	// callers treat it as a no-op.
	ErrStaleTransition = errors.New("stale transition: persisted status did not match expected status")

	// ErrJobNotFound indicates the requested job does not exist in the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrChunkNotFound indicates the requested chunk does not exist in the store.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrChunksAlreadySeeded indicates chunk_count was already set for the job, so a
	// duplicate ingest delivery must not recompute boundaries or recreate chunk rows.
	ErrChunksAlreadySeeded = errors.New("chunks already seeded for job")

	// ErrNoChunks indicates a job reached chunk seeding with zero planned chunks,
	// which means the probed duration was not positive.
	ErrNoChunks = errors.New("no chunks planned for job")
)

// FailureCode classifies unrecoverable job failures for the structured error
// surfaced to job status polling.
type FailureCode string

const (
	FailureCodeCorruptInput   FailureCode = "CORRUPT_INPUT"
	FailureCodeInference      FailureCode = "MODEL_INFERENCE"
	FailureCodeIO             FailureCode = "IO"
	FailureCodeStitch         FailureCode = "STITCH"
	FailureCodeRetryExhausted FailureCode = "RETRY_EXHAUSTED"
)

// Failure is the structured, non-stack-trace cause attached to a FAILED job.
// ChunkIndex is -1 when the failure is not attributable to a single chunk.
type Failure struct {
	Code       FailureCode `json:"code"`
	ChunkIndex int         `json:"chunk_index"`
	Message    string      `json:"message"`
}

// NewFailure builds a Failure for a specific chunk.
func NewFailure(code FailureCode, chunkIndex int, message string) Failure {
	return Failure{Code: code, ChunkIndex: chunkIndex, Message: message}
}

// NewJobFailure builds a Failure that is not attributable to a single chunk.
func NewJobFailure(code FailureCode, message string) Failure {
	return Failure{Code: code, ChunkIndex: -1, Message: message}
}

func (f Failure) Error() string {
	if f.ChunkIndex >= 0 {
		return fmt.Sprintf("%s (chunk %d): %s", f.Code, f.ChunkIndex, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// TransientIOError wraps a storage or network blip that is worth retrying with
// backoff inside the attempt budget.
type TransientIOError struct{ Err error }

func (e *TransientIOError) Error() string { return fmt.Sprintf("transient io error: %v", e.Err) }
func (e *TransientIOError) Unwrap() error { return e.Err }

// ModelInferenceError wraps a detection/tracking capability failure on a chunk.
// Retried up to the attempt budget, then the chunk fails.
type ModelInferenceError struct{ Err error }

func (e *ModelInferenceError) Error() string { return fmt.Sprintf("model inference error: %v", e.Err) }
func (e *ModelInferenceError) Unwrap() error { return e.Err }

// CorruptInputError marks input that can never be processed. The chunk fails
// immediately with no retry.
type CorruptInputError struct{ Err error }

func (e *CorruptInputError) Error() string { return fmt.Sprintf("corrupt input: %v", e.Err) }
func (e *CorruptInputError) Unwrap() error { return e.Err }

// IsRetryable reports whether the error taxonomy permits another attempt.
// Stale transitions are benign no-ops, not retries; corrupt input never retries.
func IsRetryable(err error) bool {
	var tio *TransientIOError
	var mie *ModelInferenceError
	return errors.As(err, &tio) || errors.As(err, &mie)
}

package processing

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/maskwright/cloakwork/internal/domain/continuity"
)

// CompletionResult is the outcome of the atomic chunk-completion operation.
type CompletionResult struct {
	// AlreadyDone is true when the chunk had previously reached DONE; the call
	// was a duplicate and changed nothing.
	AlreadyDone bool
	// ChunksCompleted and ChunkCount are the job's counters after the operation.
	ChunksCompleted int
	ChunkCount      int
	// TriggerStitch is true for exactly one caller per job: the one whose
	// completion flipped the job PROCESSING -> STITCHING.
	TriggerStitch bool
}

// JobStore persists Job records. It is the single source of truth for job
// lifecycle state; every implementation must make the CAS operations
// linearizable per record.
type JobStore interface {
	// CreateJob inserts a new QUEUED job with its policy snapshot.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob loads a job, or ErrJobNotFound.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// TransitionJob is a compare-and-set status update. It succeeds only when
	// the persisted status equals expected; otherwise it returns
	// ErrStaleTransition and changes nothing.
	TransitionJob(ctx context.Context, jobID uuid.UUID, expected, next JobStatus) error

	// SetJobOutput records the final artifact ref on a STITCHING job.
	SetJobOutput(ctx context.Context, jobID uuid.UUID, outputRef string) error

	// FailJob transitions a job to FAILED with a structured cause. The first
	// recorded cause wins; calls against a terminal job are no-ops.
	FailJob(ctx context.Context, jobID uuid.UUID, cause Failure) error

	// PurgeJob removes chunk rows and nulls blob refs for erasure, leaving a
	// tombstone job row so the id cannot be silently reused.
	PurgeJob(ctx context.Context, jobID uuid.UUID) error
}

// ChunkStore persists Chunk records and owns the atomic completion counter.
type ChunkStore interface {
	// CreateChunks bulk-inserts PENDING chunk rows and sets the job's
	// chunk_count in the same transaction. If chunk_count is already set it
	// returns ErrChunksAlreadySeeded without modifying anything.
	CreateChunks(ctx context.Context, jobID uuid.UUID, chunks []*Chunk) error

	// GetChunk loads one chunk, or ErrChunkNotFound.
	GetChunk(ctx context.Context, jobID uuid.UUID, index int) (*Chunk, error)

	// ListChunks returns all chunks for a job in index order.
	ListChunks(ctx context.Context, jobID uuid.UUID) ([]*Chunk, error)

	// TransitionChunk is a compare-and-set status update, ErrStaleTransition on
	// a lost race.
	TransitionChunk(ctx context.Context, jobID uuid.UUID, index int, expected, next ChunkStatus) error

	// IncrementAttempt bumps and returns the chunk's attempt counter.
	IncrementAttempt(ctx context.Context, jobID uuid.UUID, index int) (int, error)

	// CompleteChunk atomically marks the chunk DONE (a repeat call is a no-op
	// returning AlreadyDone), records its output and boundary summaries,
	// increments the job's chunks_completed, and, when the counter reaches
	// chunk_count, flips the job PROCESSING -> STITCHING. Exactly one caller
	// per job observes TriggerStitch.
	CompleteChunk(ctx context.Context, jobID uuid.UUID, index int, outputRef string, boundary *continuity.BoundaryTracks) (CompletionResult, error)

	// FailChunk marks the chunk FAILED and propagates the cause to the job.
	FailChunk(ctx context.Context, jobID uuid.UUID, index int, cause Failure) error
}

// BlobStore is the content-addressed blob storage collaborator. Refs are opaque
// object keys.
type BlobStore interface {
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
	Put(ctx context.Context, ref string, r io.Reader) error
	Delete(ctx context.Context, ref string) error
	// DeletePrefix removes every object under the prefix, for erasure.
	DeletePrefix(ctx context.Context, prefix string) error
	// PresignGet returns a time-limited download URL for the ref.
	PresignGet(ctx context.Context, ref string, expiry time.Duration) (string, error)
}

// VideoSplitter probes and cuts local video files during ingestion.
type VideoSplitter interface {
	// Probe returns the video duration in seconds, or a CorruptInputError for
	// unreadable or non-video input.
	Probe(ctx context.Context, path string) (float64, error)
	// Cut extracts the extent from src into dst with a uniform re-encode so
	// chunk outputs concatenate cleanly.
	Cut(ctx context.Context, src string, extent Extent, dst string) error
}

// VideoAssembler concatenates processed chunk files into the final artifact,
// normalizing the container and stripping metadata.
type VideoAssembler interface {
	Concat(ctx context.Context, parts []string, dst string) error
}

// ChunkAnalyzer runs the opaque detection/tracking capability over a local chunk
// file and returns its per-frame observations.
type ChunkAnalyzer interface {
	Analyze(ctx context.Context, videoPath string) ([]Observation, error)
}

// Redactor renders redaction boxes onto a chunk and trims the result to the
// core span so concatenation reproduces the original timeline.
type Redactor interface {
	Render(ctx context.Context, src string, boxes []RedactionBox, trimStart, trimEnd float64, dst string) error
}

package processing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maskwright/cloakwork/internal/domain/events"
)

// Task event types. These are the work items the dispatcher delivers at least
// once; every handler treats redelivery as a duplicate.
const (
	EventTypeIngestTask events.EventType = "IngestTask"
	EventTypeChunkTask  events.EventType = "ChunkTask"
	EventTypeStitchTask events.EventType = "StitchTask"
)

// IngestTask instructs the controller to probe a job's input, compute chunk
// boundaries, seed chunk records, and dispatch chunk tasks.
type IngestTask struct {
	JobID        uuid.UUID `json:"job_id"`
	AttemptCount int       `json:"attempt_count"`
	occurredAt   time.Time
}

// NewIngestTask creates an ingest task for the given job.
func NewIngestTask(jobID uuid.UUID, attemptCount int) IngestTask {
	return IngestTask{JobID: jobID, AttemptCount: attemptCount, occurredAt: time.Now()}
}

func (t IngestTask) EventType() events.EventType { return EventTypeIngestTask }
func (t IngestTask) OccurredAt() time.Time       { return t.occurredAt }

// ChunkTask instructs a worker to run detect, track, redact, and upload for one chunk.
type ChunkTask struct {
	JobID        uuid.UUID `json:"job_id"`
	ChunkIndex   int       `json:"chunk_index"`
	AttemptCount int       `json:"attempt_count"`
	occurredAt   time.Time
}

// NewChunkTask creates a chunk task for (jobID, index).
func NewChunkTask(jobID uuid.UUID, index, attemptCount int) ChunkTask {
	return ChunkTask{JobID: jobID, ChunkIndex: index, AttemptCount: attemptCount, occurredAt: time.Now()}
}

func (t ChunkTask) EventType() events.EventType { return EventTypeChunkTask }
func (t ChunkTask) OccurredAt() time.Time       { return t.occurredAt }

// Key returns the partition key for chunk tasks. Keying by job and index keeps
// redeliveries of the same chunk on one partition without ordering chunks
// against each other.
func (t ChunkTask) Key() string {
	return fmt.Sprintf("%s:%d", t.JobID, t.ChunkIndex)
}

// StitchTask instructs the controller to assemble the final artifact. Exactly one
// stitch task is enqueued per job by the completion-counter transaction.
type StitchTask struct {
	JobID        uuid.UUID `json:"job_id"`
	AttemptCount int       `json:"attempt_count"`
	occurredAt   time.Time
}

// NewStitchTask creates a stitch task for the given job.
func NewStitchTask(jobID uuid.UUID, attemptCount int) StitchTask {
	return StitchTask{JobID: jobID, AttemptCount: attemptCount, occurredAt: time.Now()}
}

func (t StitchTask) EventType() events.EventType { return EventTypeStitchTask }
func (t StitchTask) OccurredAt() time.Time       { return t.occurredAt }

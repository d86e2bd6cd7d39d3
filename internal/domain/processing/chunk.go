package processing

import (
	"time"

	"github.com/google/uuid"

	"github.com/maskwright/cloakwork/internal/domain/continuity"
)

// Chunk is one contiguous (overlap-padded) time segment of a job, processed
// independently by a worker. Its composite identity is (job_id, index).
type Chunk struct {
	jobID          uuid.UUID
	index          int
	status         ChunkStatus
	extent         Extent
	inputRef       string
	outputRef      string
	attemptCount   int
	boundaryTracks *continuity.BoundaryTracks
	timeline       *Timeline
}

// NewChunk creates a pending chunk covering the given extent.
func NewChunk(jobID uuid.UUID, index int, extent Extent, inputRef string) *Chunk {
	return &Chunk{
		jobID:    jobID,
		index:    index,
		status:   ChunkStatusPending,
		extent:   extent,
		inputRef: inputRef,
		timeline: NewTimeline(new(realTimeProvider)),
	}
}

// ReconstructChunk creates a Chunk from stored fields, bypassing creation invariants.
// This should only be used by repositories when loading from the DB.
func ReconstructChunk(
	jobID uuid.UUID,
	index int,
	status ChunkStatus,
	extent Extent,
	inputRef, outputRef string,
	attemptCount int,
	boundaryTracks *continuity.BoundaryTracks,
	timeline *Timeline,
) *Chunk {
	return &Chunk{
		jobID:          jobID,
		index:          index,
		status:         status,
		extent:         extent,
		inputRef:       inputRef,
		outputRef:      outputRef,
		attemptCount:   attemptCount,
		boundaryTracks: boundaryTracks,
		timeline:       timeline,
	}
}

// JobID returns the identifier of the job this chunk belongs to.
func (c *Chunk) JobID() uuid.UUID { return c.jobID }

// Index returns the chunk's position within the job, in [0, chunk_count).
func (c *Chunk) Index() int { return c.index }

// Status returns the chunk's current lifecycle status.
func (c *Chunk) Status() ChunkStatus { return c.status }

// Extent returns the time span this chunk covers, overlap included.
func (c *Chunk) Extent() Extent { return c.extent }

// InputRef returns the blob locator of the chunk's cut input.
func (c *Chunk) InputRef() string { return c.inputRef }

// OutputRef returns the blob locator of the processed chunk. Status DONE implies
// OutputRef is present and was written by the attempt that completed the chunk.
func (c *Chunk) OutputRef() string { return c.outputRef }

// AttemptCount returns how many processing attempts have claimed this chunk.
func (c *Chunk) AttemptCount() int { return c.attemptCount }

// BoundaryTracks returns the persisted head/tail track summaries, nil until DONE.
func (c *Chunk) BoundaryTracks() *continuity.BoundaryTracks { return c.boundaryTracks }

// UpdatedAt returns when this chunk's state was last modified.
func (c *Chunk) UpdatedAt() time.Time { return c.timeline.LastUpdate() }

// GetTimeline provides access to the chunk's timeline information.
func (c *Chunk) GetTimeline() *Timeline { return c.timeline }

// UpdateStatus changes the chunk's status after validating the transition.
func (c *Chunk) UpdateStatus(newStatus ChunkStatus) error {
	if err := c.status.ValidateTransition(newStatus); err != nil {
		return err
	}
	if newStatus.IsTerminal() {
		c.timeline.MarkCompleted()
	} else {
		c.timeline.UpdateLastUpdate()
	}
	c.status = newStatus
	return nil
}

// IncrementAttempt bumps the attempt counter for a new processing attempt.
func (c *Chunk) IncrementAttempt() {
	c.attemptCount++
	c.timeline.UpdateLastUpdate()
}

// Complete marks the chunk DONE with its output and boundary summaries.
func (c *Chunk) Complete(outputRef string, boundary *continuity.BoundaryTracks) error {
	if err := c.UpdateStatus(ChunkStatusDone); err != nil {
		return err
	}
	c.outputRef = outputRef
	c.boundaryTracks = boundary
	return nil
}

// Package processing holds the job and chunk aggregates at the heart of the
// anonymization orchestration engine: lifecycle state machines, task payloads,
// the error taxonomy, and the ports the engine is wired through.
package processing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maskwright/cloakwork/internal/domain/policy"
)

// Job coordinates and tracks one end-to-end anonymization request for a single
// input video. It aggregates progress across all child chunks and owns the
// lifecycle state machine.
type Job struct {
	jobID           uuid.UUID
	status          JobStatus
	inputRef        string
	outputRef       string
	chunkCount      int
	chunksCompleted int
	policy          policy.Policy
	webhookURL      string
	failure         *Failure
	timeline        *Timeline
}

// NewJob creates a new queued Job for the given input with the provided
// redaction policy snapshot.
func NewJob(jobID uuid.UUID, inputRef string, pol policy.Policy, webhookURL string) *Job {
	return &Job{
		jobID:      jobID,
		status:     JobStatusQueued,
		inputRef:   inputRef,
		policy:     pol,
		webhookURL: webhookURL,
		timeline:   NewTimeline(new(realTimeProvider)),
	}
}

// ReconstructJob creates a Job instance from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading from the DB.
func ReconstructJob(
	jobID uuid.UUID,
	status JobStatus,
	inputRef, outputRef string,
	chunkCount, chunksCompleted int,
	pol policy.Policy,
	webhookURL string,
	failure *Failure,
	timeline *Timeline,
) *Job {
	return &Job{
		jobID:           jobID,
		status:          status,
		inputRef:        inputRef,
		outputRef:       outputRef,
		chunkCount:      chunkCount,
		chunksCompleted: chunksCompleted,
		policy:          pol,
		webhookURL:      webhookURL,
		failure:         failure,
		timeline:        timeline,
	}
}

// JobID returns the unique identifier for this job.
func (j *Job) JobID() uuid.UUID { return j.jobID }

// Status returns the current lifecycle status of the job.
func (j *Job) Status() JobStatus { return j.status }

// InputRef returns the blob locator of the raw input video.
func (j *Job) InputRef() string { return j.inputRef }

// OutputRef returns the blob locator of the final artifact, empty until COMPLETED.
func (j *Job) OutputRef() string { return j.outputRef }

// ChunkCount returns the number of chunks the input was split into. Zero means
// the ingestion coordinator has not seeded chunks yet; once set it is immutable.
func (j *Job) ChunkCount() int { return j.chunkCount }

// ChunksCompleted returns the monotone count of chunks that reached DONE.
func (j *Job) ChunksCompleted() int { return j.chunksCompleted }

// Policy returns the redaction policy snapshotted onto the job at creation.
func (j *Job) Policy() policy.Policy { return j.policy }

// WebhookURL returns the optional completion callback URL.
func (j *Job) WebhookURL() string { return j.webhookURL }

// Failure returns the structured cause for a FAILED job, nil otherwise.
func (j *Job) Failure() *Failure { return j.failure }

// CreatedAt returns when this job was accepted.
func (j *Job) CreatedAt() time.Time { return j.timeline.CreatedAt() }

// UpdatedAt returns when this job's state was last modified.
func (j *Job) UpdatedAt() time.Time { return j.timeline.LastUpdate() }

// EndTime returns when this job reached a terminal state.
func (j *Job) EndTime() (time.Time, bool) {
	if j.status.IsTerminal() {
		return j.timeline.CompletedAt(), true
	}
	return time.Time{}, false
}

// GetTimeline provides access to the job's timeline information.
func (j *Job) GetTimeline() *Timeline { return j.timeline }

// SeedChunks records the chunk count exactly once. It enforces the invariant that
// chunk_count is set by the ingestion coordinator before any chunk task is dispatched
// and never changes afterwards.
func (j *Job) SeedChunks(count int) error {
	if j.chunkCount != 0 {
		return ErrChunksAlreadySeeded
	}
	if count <= 0 {
		return ErrNoChunks
	}
	j.chunkCount = count
	j.timeline.UpdateLastUpdate()
	return nil
}

// UpdateStatus changes the job's status after validating the transition.
func (j *Job) UpdateStatus(newStatus JobStatus) error {
	if err := j.status.ValidateTransition(newStatus); err != nil {
		return err
	}
	if newStatus.IsTerminal() {
		j.timeline.MarkCompleted()
	} else {
		j.timeline.UpdateLastUpdate()
	}
	j.status = newStatus
	return nil
}

// RecordCompletion increments the completed-chunk counter, preserving the
// invariant chunks_completed <= chunk_count.
func (j *Job) RecordCompletion() error {
	if j.chunksCompleted >= j.chunkCount {
		return fmt.Errorf("chunks_completed (%d) would exceed chunk_count (%d)", j.chunksCompleted+1, j.chunkCount)
	}
	j.chunksCompleted++
	j.timeline.UpdateLastUpdate()
	return nil
}

// Fail transitions the job to FAILED with the given structured cause. The first
// recorded cause wins; failing an already-failed job is a no-op.
func (j *Job) Fail(cause Failure) error {
	if j.status == JobStatusFailed {
		return nil
	}
	if err := j.UpdateStatus(JobStatusFailed); err != nil {
		return err
	}
	j.failure = &cause
	return nil
}

// SetOutputRef records the final artifact locator.
func (j *Job) SetOutputRef(ref string) {
	j.outputRef = ref
	j.timeline.UpdateLastUpdate()
}

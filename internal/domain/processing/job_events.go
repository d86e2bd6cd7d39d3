package processing

import (
	"time"

	"github.com/google/uuid"

	"github.com/maskwright/cloakwork/internal/domain/events"
)

// Lifecycle event types, published on terminal transitions and consumed by the
// webhook notifier. They never gate engine progress.
const (
	EventTypeJobCompleted events.EventType = "JobCompleted"
	EventTypeJobFailed    events.EventType = "JobFailed"
	EventTypeJobCancelled events.EventType = "JobCancelled"
)

// JobCompletedEvent signals that a job's final anonymized artifact was published.
type JobCompletedEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	OutputRef  string    `json:"output_ref"`
	occurredAt time.Time
}

// NewJobCompletedEvent creates a job completed event.
func NewJobCompletedEvent(jobID uuid.UUID, outputRef string) JobCompletedEvent {
	return JobCompletedEvent{JobID: jobID, OutputRef: outputRef, occurredAt: time.Now()}
}

func (e JobCompletedEvent) EventType() events.EventType { return EventTypeJobCompleted }
func (e JobCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobFailedEvent signals that a job reached FAILED with a structured cause.
type JobFailedEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	Cause      Failure   `json:"cause"`
	occurredAt time.Time
}

// NewJobFailedEvent creates a job failed event.
func NewJobFailedEvent(jobID uuid.UUID, cause Failure) JobFailedEvent {
	return JobFailedEvent{JobID: jobID, Cause: cause, occurredAt: time.Now()}
}

func (e JobFailedEvent) EventType() events.EventType { return EventTypeJobFailed }
func (e JobFailedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobCancelledEvent signals that a job was cancelled by explicit user request.
type JobCancelledEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	occurredAt time.Time
}

// NewJobCancelledEvent creates a job cancelled event.
func NewJobCancelledEvent(jobID uuid.UUID) JobCancelledEvent {
	return JobCancelledEvent{JobID: jobID, occurredAt: time.Now()}
}

func (e JobCancelledEvent) EventType() events.EventType { return EventTypeJobCancelled }
func (e JobCancelledEvent) OccurredAt() time.Time       { return e.occurredAt }

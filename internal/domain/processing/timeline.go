package processing

import "time"

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

// Real implementation for production.
type realTimeProvider struct{}

func (r *realTimeProvider) Now() time.Time { return time.Now() }

// Timeline tracks temporal aspects of jobs and chunks.
type Timeline struct {
	createdAt    time.Time
	completedAt  time.Time
	lastUpdate   time.Time
	timeProvider TimeProvider
}

// NewTimeline creates a new Timeline instance.
func NewTimeline(timeProvider TimeProvider) *Timeline {
	now := timeProvider.Now()
	return &Timeline{
		createdAt:    now,
		lastUpdate:   now,
		timeProvider: timeProvider,
	}
}

// ReconstructTimeline rebuilds a Timeline from stored timestamps.
func ReconstructTimeline(createdAt, completedAt, lastUpdate time.Time) *Timeline {
	return &Timeline{
		createdAt:    createdAt,
		completedAt:  completedAt,
		lastUpdate:   lastUpdate,
		timeProvider: new(realTimeProvider),
	}
}

// CreatedAt returns the time the record was created.
func (t *Timeline) CreatedAt() time.Time { return t.createdAt }

// CompletedAt returns the time the record reached a terminal state.
func (t *Timeline) CompletedAt() time.Time { return t.completedAt }

// LastUpdate returns the time the record was last updated.
func (t *Timeline) LastUpdate() time.Time { return t.lastUpdate }

// MarkCompleted records completion time.
func (t *Timeline) MarkCompleted() {
	t.completedAt = t.timeProvider.Now()
	t.UpdateLastUpdate()
}

// UpdateLastUpdate updates the last update timestamp.
func (t *Timeline) UpdateLastUpdate() {
	t.lastUpdate = t.timeProvider.Now()
}

// IsCompleted checks if the timeline has been marked as completed.
func (t *Timeline) IsCompleted() bool { return !t.completedAt.IsZero() }

package orchestration

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maskwright/cloakwork/internal/domain/continuity"
	"github.com/maskwright/cloakwork/internal/domain/events"
	"github.com/maskwright/cloakwork/internal/domain/policy"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/internal/infra/blob"
	storemem "github.com/maskwright/cloakwork/internal/infra/storage/processing/memory"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

type stitchFixture struct {
	store       *storemem.Store
	blobs       *blob.FilesystemStore
	assembler   *fakeAssembler
	publisher   *capturePublisher
	coordinator *StitchCoordinator
	jobID       uuid.UUID
}

// newStitchFixture seeds a job with chunkCount completed chunks, leaving the
// job in STITCHING via the completion counter.
func newStitchFixture(t *testing.T, chunkCount int) *stitchFixture {
	t.Helper()
	ctx := context.Background()

	store := storemem.New()
	blobs, err := blob.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	jobID := uuid.New()
	pol := policy.Policy{Rules: map[policy.Target]policy.Rule{
		policy.TargetFace: {Mode: policy.ModeBlur, MinConfidence: 0.6},
	}}
	require.NoError(t, store.CreateJob(ctx, processing.NewJob(jobID, "jobs/in.mp4", pol, "")))

	extents, err := processing.PlanChunks(float64(chunkCount)*60, 60, 5)
	require.NoError(t, err)
	chunks := make([]*processing.Chunk, len(extents))
	for i, e := range extents {
		chunks[i] = processing.NewChunk(jobID, i, e, fmt.Sprintf("in-%d", i))
	}
	require.NoError(t, store.CreateChunks(ctx, jobID, chunks))
	require.NoError(t, store.TransitionJob(ctx, jobID, processing.JobStatusQueued, processing.JobStatusChunking))
	require.NoError(t, store.TransitionJob(ctx, jobID, processing.JobStatusChunking, processing.JobStatusProcessing))

	for i := range chunkCount {
		outRef := fmt.Sprintf("jobs/%s/chunks/%d/output.mp4", jobID, i)
		require.NoError(t, blobs.Put(ctx, outRef, strings.NewReader(fmt.Sprintf("part-%d", i))))

		boundary := &continuity.BoundaryTracks{
			Tail: []continuity.TrackSummary{{LocalTrackID: 1, ClassLabel: "FACE", Embedding: []float32{1, 0}}},
		}
		if i == chunkCount-1 {
			boundary = &continuity.BoundaryTracks{
				Head: []continuity.TrackSummary{{LocalTrackID: 1, ClassLabel: "FACE", Embedding: []float32{1, 0}}},
			}
		}
		require.NoError(t, store.TransitionChunk(ctx, jobID, i, processing.ChunkStatusPending, processing.ChunkStatusProcessing))
		_, err := store.CompleteChunk(ctx, jobID, i, outRef, boundary)
		require.NoError(t, err)
	}

	assembler := &fakeAssembler{}
	publisher := &capturePublisher{}
	coordinator := NewStitchCoordinator(
		StitchConfig{WorkDir: t.TempDir(), RetryBackoff: time.Millisecond},
		store, store, blobs, assembler, publisher,
		logger.Noop(), testTracer(),
	)
	return &stitchFixture{
		store:       store,
		blobs:       blobs,
		assembler:   assembler,
		publisher:   publisher,
		coordinator: coordinator,
		jobID:       jobID,
	}
}

func (f *stitchFixture) deliver(t *testing.T) error {
	t.Helper()
	return f.deliverAttempt(t, 0)
}

func (f *stitchFixture) deliverAttempt(t *testing.T, attempt int) error {
	t.Helper()
	task := processing.NewStitchTask(f.jobID, attempt)
	evt := events.EventEnvelope{Type: task.EventType(), Payload: task}
	acked := false
	err := f.coordinator.HandleStitchTask(context.Background(), evt, func(error) { acked = true })
	require.True(t, acked)
	return err
}

func TestStitchCoordinator_CompletesJob(t *testing.T) {
	t.Parallel()
	f := newStitchFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.deliver(t))

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusCompleted, job.Status())
	require.NotEmpty(t, job.OutputRef())

	rc, err := f.blobs.Get(ctx, job.OutputRef())
	require.NoError(t, err)
	final, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	// Parts concatenated in chunk index order.
	assert.Equal(t, "part-0\npart-1\npart-2\n", string(final))

	assert.Len(t, f.publisher.byType(processing.EventTypeJobCompleted), 1)
}

func TestStitchCoordinator_DuplicateDeliveryIsNoOp(t *testing.T) {
	t.Parallel()
	f := newStitchFixture(t, 2)

	require.NoError(t, f.deliver(t))
	require.NoError(t, f.deliver(t))

	assert.Equal(t, 1, f.assembler.concats, "duplicate must not re-assemble")
	assert.Len(t, f.publisher.byType(processing.EventTypeJobCompleted), 1)
}

func TestStitchCoordinator_JobNotStitchingIsDuplicate(t *testing.T) {
	t.Parallel()

	store := storemem.New()
	blobs, err := blob.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	jobID := uuid.New()
	pol := policy.Policy{Rules: map[policy.Target]policy.Rule{
		policy.TargetFace: {Mode: policy.ModeBlur, MinConfidence: 0.6},
	}}
	require.NoError(t, store.CreateJob(context.Background(), processing.NewJob(jobID, "in", pol, "")))

	publisher := &capturePublisher{}
	coordinator := NewStitchCoordinator(
		StitchConfig{WorkDir: t.TempDir()},
		store, store, blobs, &fakeAssembler{}, publisher,
		logger.Noop(), testTracer(),
	)

	task := processing.NewStitchTask(jobID, 0)
	evt := events.EventEnvelope{Type: task.EventType(), Payload: task}
	require.NoError(t, coordinator.HandleStitchTask(context.Background(), evt, func(error) {}))
	assert.Empty(t, publisher.events)
}

func TestStitchCoordinator_TransientErrorReenqueuesTask(t *testing.T) {
	t.Parallel()
	f := newStitchFixture(t, 2)
	ctx := context.Background()

	// An unusable scratch dir is a transient environment fault: the delivery
	// is consumed and the task comes back with the attempt advanced.
	f.coordinator.cfg.WorkDir = filepath.Join(t.TempDir(), "missing")
	require.NoError(t, f.deliver(t))

	retries := f.publisher.byType(processing.EventTypeStitchTask)
	require.Len(t, retries, 1)
	retry, ok := retries[0].(processing.StitchTask)
	require.True(t, ok)
	assert.Equal(t, 1, retry.AttemptCount)

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusStitching, job.Status())

	// The retried task finishes once the fault clears.
	f.coordinator.cfg.WorkDir = t.TempDir()
	require.NoError(t, f.deliverAttempt(t, retry.AttemptCount))
	job, err = f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusCompleted, job.Status())
}

func TestStitchCoordinator_RetryBudgetExhaustedFailsJob(t *testing.T) {
	t.Parallel()
	f := newStitchFixture(t, 2)
	ctx := context.Background()

	f.coordinator.cfg.WorkDir = filepath.Join(t.TempDir(), "missing")
	require.NoError(t, f.deliverAttempt(t, 4))

	assert.Empty(t, f.publisher.byType(processing.EventTypeStitchTask))
	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusFailed, job.Status())
	require.NotNil(t, job.Failure())
	assert.Equal(t, processing.FailureCodeRetryExhausted, job.Failure().Code)
}

func TestStitchCoordinator_MissingPartFailsJob(t *testing.T) {
	t.Parallel()
	f := newStitchFixture(t, 2)
	ctx := context.Background()

	// A chunk output that vanished between completion and stitch cannot
	// self-heal; redelivering the same task would find the same hole.
	chunk, err := f.store.GetChunk(ctx, f.jobID, 1)
	require.NoError(t, err)
	require.NoError(t, f.blobs.Delete(ctx, chunk.OutputRef()))

	require.NoError(t, f.deliver(t))

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusFailed, job.Status())
	require.NotNil(t, job.Failure())
	assert.Equal(t, processing.FailureCodeStitch, job.Failure().Code)

	assert.Len(t, f.publisher.byType(processing.EventTypeJobFailed), 1)
}

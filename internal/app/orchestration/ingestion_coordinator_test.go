package orchestration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/maskwright/cloakwork/internal/domain/events"
	"github.com/maskwright/cloakwork/internal/domain/policy"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/internal/infra/blob"
	storemem "github.com/maskwright/cloakwork/internal/infra/storage/processing/memory"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

func testTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("test")
}

// capturePublisher records published domain events. When err is set it also
// records the attempt, then rejects it, so tests can inspect what was refused.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	err    error
}

func (p *capturePublisher) PublishDomainEvent(_ context.Context, event events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *capturePublisher) byType(t events.EventType) []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.DomainEvent
	for _, e := range p.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeSplitter probes to a fixed duration and cuts by writing marker files.
type fakeSplitter struct {
	duration float64
	probeErr error
	cuts     int
}

func (s *fakeSplitter) Probe(_ context.Context, _ string) (float64, error) {
	if s.probeErr != nil {
		return 0, s.probeErr
	}
	return s.duration, nil
}

func (s *fakeSplitter) Cut(_ context.Context, _ string, extent processing.Extent, dst string) error {
	s.cuts++
	return os.WriteFile(dst, []byte(fmt.Sprintf("cut %v-%v", extent.Start, extent.End)), 0o644)
}

// fakeAssembler concatenates part contents into dst.
type fakeAssembler struct{ concats int }

func (a *fakeAssembler) Concat(_ context.Context, parts []string, dst string) error {
	a.concats++
	var sb strings.Builder
	for _, p := range parts {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		sb.Write(data)
		sb.WriteByte('\n')
	}
	return os.WriteFile(dst, []byte(sb.String()), 0o644)
}

type ingestFixture struct {
	store       *storemem.Store
	blobs       *blob.FilesystemStore
	splitter    *fakeSplitter
	publisher   *capturePublisher
	coordinator *IngestionCoordinator
	jobID       uuid.UUID
}

func newIngestFixture(t *testing.T, duration float64) *ingestFixture {
	t.Helper()
	ctx := context.Background()

	store := storemem.New()
	blobs, err := blob.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	jobID := uuid.New()
	pol := policy.Policy{Rules: map[policy.Target]policy.Rule{
		policy.TargetFace: {Mode: policy.ModeBlur, MinConfidence: 0.6},
	}}
	inputRef := "jobs/" + jobID.String() + "/input.mp4"
	require.NoError(t, store.CreateJob(ctx, processing.NewJob(jobID, inputRef, pol, "")))
	require.NoError(t, blobs.Put(ctx, inputRef, strings.NewReader("source video")))

	splitter := &fakeSplitter{duration: duration}
	publisher := &capturePublisher{}
	coordinator := NewIngestionCoordinator(
		IngestionConfig{ChunkDuration: 60, Overlap: 5, WorkDir: t.TempDir(), RetryBackoff: time.Millisecond},
		store, store, blobs, splitter, publisher,
		logger.Noop(), testTracer(),
	)
	return &ingestFixture{
		store:       store,
		blobs:       blobs,
		splitter:    splitter,
		publisher:   publisher,
		coordinator: coordinator,
		jobID:       jobID,
	}
}

func (f *ingestFixture) deliver(t *testing.T) error {
	t.Helper()
	return f.deliverAttempt(t, 0)
}

func (f *ingestFixture) deliverAttempt(t *testing.T, attempt int) error {
	t.Helper()
	task := processing.NewIngestTask(f.jobID, attempt)
	evt := events.EventEnvelope{Type: task.EventType(), Payload: task}
	acked := false
	err := f.coordinator.HandleIngestTask(context.Background(), evt, func(error) { acked = true })
	require.True(t, acked)
	return err
}

func TestIngestionCoordinator_SeedsAndDispatches(t *testing.T) {
	t.Parallel()
	f := newIngestFixture(t, 125) // 3 chunks under a 60s/5s plan
	ctx := context.Background()

	require.NoError(t, f.deliver(t))

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusProcessing, job.Status())
	assert.Equal(t, 3, job.ChunkCount())

	chunks, err := f.store.ListChunks(ctx, f.jobID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, chunk := range chunks {
		assert.Equal(t, processing.ChunkStatusPending, chunk.Status())
		rc, err := f.blobs.Get(ctx, chunk.InputRef())
		require.NoError(t, err, "cut chunk %d must be uploaded", chunk.Index())
		rc.Close()
	}

	assert.Len(t, f.publisher.byType(processing.EventTypeChunkTask), 3)
}

func TestIngestionCoordinator_DuplicateRedispatchesPendingOnly(t *testing.T) {
	t.Parallel()
	f := newIngestFixture(t, 125)
	ctx := context.Background()

	require.NoError(t, f.deliver(t))
	cuts := f.splitter.cuts

	// Finish one chunk, then redeliver the ingest task.
	require.NoError(t, f.store.TransitionChunk(ctx, f.jobID, 0, processing.ChunkStatusPending, processing.ChunkStatusProcessing))
	_, err := f.store.CompleteChunk(ctx, f.jobID, 0, "out", nil)
	require.NoError(t, err)

	require.NoError(t, f.deliver(t))

	assert.Equal(t, cuts, f.splitter.cuts, "redelivery on a PROCESSING job must not re-split")
	// 3 initial dispatches plus 2 still-pending redispatches.
	assert.Len(t, f.publisher.byType(processing.EventTypeChunkTask), 5)

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, 3, job.ChunkCount(), "chunk count must not be reseeded")
}

func TestIngestionCoordinator_CorruptInputFailsJob(t *testing.T) {
	t.Parallel()
	f := newIngestFixture(t, 0)
	f.splitter.probeErr = &processing.CorruptInputError{Err: errors.New("not a video")}
	ctx := context.Background()

	require.NoError(t, f.deliver(t))

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusFailed, job.Status())
	require.NotNil(t, job.Failure())
	assert.Equal(t, processing.FailureCodeCorruptInput, job.Failure().Code)
	assert.Equal(t, -1, job.Failure().ChunkIndex)

	assert.Len(t, f.publisher.byType(processing.EventTypeJobFailed), 1)
}

func TestIngestionCoordinator_ZeroDurationFailsJob(t *testing.T) {
	t.Parallel()
	f := newIngestFixture(t, 0)

	require.NoError(t, f.deliver(t))

	job, err := f.store.GetJob(context.Background(), f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusFailed, job.Status())
	require.NotNil(t, job.Failure())
	assert.Equal(t, processing.FailureCodeCorruptInput, job.Failure().Code)
}

func TestIngestionCoordinator_TerminalJobIsDuplicate(t *testing.T) {
	t.Parallel()
	f := newIngestFixture(t, 125)
	ctx := context.Background()

	require.NoError(t, f.store.TransitionJob(ctx, f.jobID, processing.JobStatusQueued, processing.JobStatusCancelled))

	require.NoError(t, f.deliver(t))
	assert.Empty(t, f.publisher.events)
}

func TestIngestionCoordinator_ResumesAfterTransientFailure(t *testing.T) {
	t.Parallel()
	f := newIngestFixture(t, 125)
	ctx := context.Background()

	// Make the input unfetchable so the first delivery fails after the
	// QUEUED -> CHUNKING move.
	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	inputRef := job.InputRef()
	require.NoError(t, f.blobs.Delete(ctx, inputRef))

	// The delivery is consumed and the task comes back with the attempt
	// advanced.
	require.NoError(t, f.deliver(t))
	retries := f.publisher.byType(processing.EventTypeIngestTask)
	require.Len(t, retries, 1)
	retry, ok := retries[0].(processing.IngestTask)
	require.True(t, ok)
	assert.Equal(t, 1, retry.AttemptCount)

	job, err = f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusChunking, job.Status())

	// The retried task resumes from CHUNKING once the blip clears.
	require.NoError(t, f.blobs.Put(ctx, inputRef, strings.NewReader("source video")))
	require.NoError(t, f.deliverAttempt(t, retry.AttemptCount))

	job, err = f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusProcessing, job.Status())
}

func TestIngestionCoordinator_RetryBudgetExhaustedFailsJob(t *testing.T) {
	t.Parallel()
	f := newIngestFixture(t, 125)
	ctx := context.Background()

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	require.NoError(t, f.blobs.Delete(ctx, job.InputRef()))

	// The final attempt within the default budget of 5 must escalate instead
	// of re-enqueueing.
	require.NoError(t, f.deliverAttempt(t, 4))
	assert.Empty(t, f.publisher.byType(processing.EventTypeIngestTask))

	job, err = f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusFailed, job.Status())
	require.NotNil(t, job.Failure())
	assert.Equal(t, processing.FailureCodeRetryExhausted, job.Failure().Code)
	assert.Len(t, f.publisher.byType(processing.EventTypeJobFailed), 1)
}

func TestIngestionCoordinator_SeededChunksResumeSkipsRecut(t *testing.T) {
	t.Parallel()
	f := newIngestFixture(t, 125)
	ctx := context.Background()

	// Simulate a crash after seeding chunk rows but before the CHUNKING ->
	// PROCESSING move: the rows and the uploaded cuts already exist.
	require.NoError(t, f.store.TransitionJob(ctx, f.jobID, processing.JobStatusQueued, processing.JobStatusChunking))
	extents, err := processing.PlanChunks(125, 60, 5)
	require.NoError(t, err)
	chunks := make([]*processing.Chunk, len(extents))
	for i, e := range extents {
		chunks[i] = processing.NewChunk(f.jobID, i, e, fmt.Sprintf("jobs/%s/chunks/%d/input.mp4", f.jobID, i))
	}
	require.NoError(t, f.store.CreateChunks(ctx, f.jobID, chunks))

	require.NoError(t, f.deliver(t))

	assert.Zero(t, f.splitter.cuts, "seeded rows mean cuts are already uploaded")
	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusProcessing, job.Status())
	assert.Len(t, f.publisher.byType(processing.EventTypeChunkTask), 3)
}

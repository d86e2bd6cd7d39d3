package processing

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/maskwright/cloakwork/internal/domain/continuity"
	"github.com/maskwright/cloakwork/internal/domain/events"
	"github.com/maskwright/cloakwork/internal/domain/policy"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/internal/infra/blob"
	storemem "github.com/maskwright/cloakwork/internal/infra/storage/processing/memory"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

// capturePublisher records published domain events.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	err    error
}

func (p *capturePublisher) PublishDomainEvent(_ context.Context, event events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
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

// fakeAnalyzer returns canned observations or a canned error.
type fakeAnalyzer struct {
	observations []processing.Observation
	err          error
	calls        int
}

func (a *fakeAnalyzer) Analyze(_ context.Context, _ string) ([]processing.Observation, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.observations, nil
}

// fakeRedactor writes a marker file as the rendered output.
type fakeRedactor struct {
	boxes []processing.RedactionBox
}

func (r *fakeRedactor) Render(_ context.Context, _ string, boxes []processing.RedactionBox, _, _ float64, dst string) error {
	r.boxes = boxes
	return os.WriteFile(dst, []byte("rendered"), 0o644)
}

type processorFixture struct {
	store     *storemem.Store
	blobs     *blob.FilesystemStore
	analyzer  *fakeAnalyzer
	publisher *capturePublisher
	processor *ChunkProcessor
	jobID     uuid.UUID
}

func newFixture(t *testing.T, chunkCount int) *processorFixture {
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
		ref := "jobs/" + jobID.String() + "/chunks/in"
		chunks[i] = processing.NewChunk(jobID, i, e, ref)
		require.NoError(t, blobs.Put(ctx, ref, strings.NewReader("chunk-input")))
	}
	require.NoError(t, store.CreateChunks(ctx, jobID, chunks))
	require.NoError(t, store.TransitionJob(ctx, jobID, processing.JobStatusQueued, processing.JobStatusChunking))
	require.NoError(t, store.TransitionJob(ctx, jobID, processing.JobStatusChunking, processing.JobStatusProcessing))

	analyzer := &fakeAnalyzer{observations: []processing.Observation{{
		TimeOffset:   1.0,
		BBox:         continuity.Rect{X: 10, Y: 10, W: 40, H: 40},
		ClassLabel:   "FACE",
		Confidence:   0.9,
		LocalTrackID: 1,
		Embedding:    []float32{1, 0},
	}}}
	publisher := &capturePublisher{}

	processor := NewChunkProcessor(
		ChunkProcessorConfig{MaxAttempts: 3, RetryBackoff: time.Millisecond, WorkDir: t.TempDir()},
		store, store, blobs, analyzer, &fakeRedactor{}, publisher, nil,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"),
	)
	return &processorFixture{
		store:     store,
		blobs:     blobs,
		analyzer:  analyzer,
		publisher: publisher,
		processor: processor,
		jobID:     jobID,
	}
}

func (f *processorFixture) deliver(t *testing.T, index int) error {
	t.Helper()
	task := processing.NewChunkTask(f.jobID, index, 0)
	evt := events.EventEnvelope{Type: task.EventType(), Payload: task}
	var ackErr error
	acked := false
	err := f.processor.HandleChunkTask(context.Background(), evt, func(e error) {
		acked = true
		ackErr = e
	})
	require.True(t, acked, "handler must always ack or nack")
	if err == nil {
		require.NoError(t, ackErr)
	}
	return err
}

func TestChunkProcessor_CompletesChunk(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	ctx := context.Background()

	require.NoError(t, f.deliver(t, 0))

	chunk, err := f.store.GetChunk(ctx, f.jobID, 0)
	require.NoError(t, err)
	assert.Equal(t, processing.ChunkStatusDone, chunk.Status())
	assert.NotEmpty(t, chunk.OutputRef())
	require.NotNil(t, chunk.BoundaryTracks())

	// The rendered artifact must be in blob storage under the recorded ref.
	rc, err := f.blobs.Get(ctx, chunk.OutputRef())
	require.NoError(t, err)
	rc.Close()

	// One of two chunks done: no stitch yet.
	assert.Empty(t, f.publisher.byType(processing.EventTypeStitchTask))
}

func TestChunkProcessor_LastChunkTriggersStitch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	ctx := context.Background()

	require.NoError(t, f.deliver(t, 0))
	require.NoError(t, f.deliver(t, 1))

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusStitching, job.Status())
	assert.Len(t, f.publisher.byType(processing.EventTypeStitchTask), 1)
}

func TestChunkProcessor_DuplicateDeliveryShortCircuits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)

	require.NoError(t, f.deliver(t, 0))
	analyzeCalls := f.analyzer.calls

	require.NoError(t, f.deliver(t, 0))
	assert.Equal(t, analyzeCalls, f.analyzer.calls, "duplicate must not re-analyze")

	job, err := f.store.GetJob(context.Background(), f.jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.ChunksCompleted(), "duplicate must not double count")
}

func TestChunkProcessor_CorruptInputFailsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.analyzer.err = &processing.CorruptInputError{Err: errors.New("undecodable stream")}
	ctx := context.Background()

	// Acked (nil error): retrying corrupt input cannot help.
	require.NoError(t, f.deliver(t, 0))

	chunk, err := f.store.GetChunk(ctx, f.jobID, 0)
	require.NoError(t, err)
	assert.Equal(t, processing.ChunkStatusFailed, chunk.Status())

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusFailed, job.Status())
	require.NotNil(t, job.Failure())
	assert.Equal(t, processing.FailureCodeCorruptInput, job.Failure().Code)
	assert.Equal(t, 0, job.Failure().ChunkIndex)

	assert.Len(t, f.publisher.byType(processing.EventTypeJobFailed), 1)
}

func TestChunkProcessor_TransientErrorReenqueuesTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.analyzer.err = &processing.ModelInferenceError{Err: errors.New("sidecar timeout")}
	ctx := context.Background()

	// The delivery is consumed (acked clean) and the task comes back on the
	// queue with the attempt advanced; a failed attempt must never depend on
	// offset redelivery, which later commits on the partition can overtake.
	require.NoError(t, f.deliver(t, 0))

	retries := f.publisher.byType(processing.EventTypeChunkTask)
	require.Len(t, retries, 1)
	next, ok := retries[0].(processing.ChunkTask)
	require.True(t, ok)
	assert.Equal(t, f.jobID, next.JobID)
	assert.Equal(t, 0, next.ChunkIndex)
	assert.Equal(t, 1, next.AttemptCount)

	// The chunk stays claimed, ready for the re-enqueued attempt.
	chunk, err := f.store.GetChunk(ctx, f.jobID, 0)
	require.NoError(t, err)
	assert.Equal(t, processing.ChunkStatusProcessing, chunk.Status())
	assert.Equal(t, 1, chunk.AttemptCount())

	// Recovery: the next delivery succeeds.
	f.analyzer.err = nil
	require.NoError(t, f.deliver(t, 0))
	chunk, err = f.store.GetChunk(ctx, f.jobID, 0)
	require.NoError(t, err)
	assert.Equal(t, processing.ChunkStatusDone, chunk.Status())
}

func TestChunkProcessor_ReenqueuePublishFailureNacks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.analyzer.err = &processing.ModelInferenceError{Err: errors.New("sidecar timeout")}
	f.publisher.err = errors.New("brokers unreachable")

	// With the retry task unpublishable, the delivery must stay unconsumed so
	// the substrate redelivers it.
	require.Error(t, f.deliver(t, 0))
}

func TestChunkProcessor_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.analyzer.err = &processing.ModelInferenceError{Err: errors.New("sidecar oom")}
	ctx := context.Background()

	for range 3 {
		require.NoError(t, f.deliver(t, 0))
	}
	// Fourth delivery exceeds the budget and fails the chunk permanently.
	require.NoError(t, f.deliver(t, 0))

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusFailed, job.Status())
	require.NotNil(t, job.Failure())
	assert.Equal(t, processing.FailureCodeRetryExhausted, job.Failure().Code)
}

func TestChunkProcessor_TerminalJobSkipsWork(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	ctx := context.Background()

	require.NoError(t, f.store.FailJob(ctx, f.jobID, processing.NewJobFailure(processing.FailureCodeIO, "boom")))

	require.NoError(t, f.deliver(t, 0))
	assert.Zero(t, f.analyzer.calls)
}

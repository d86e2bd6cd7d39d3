package orchestration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maskwright/cloakwork/internal/domain/events"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

// IngestionConfig tunes chunk planning.
type IngestionConfig struct {
	// ChunkDuration is the nominal chunk length in seconds.
	ChunkDuration float64
	// Overlap is the seam window in seconds carried into adjacent chunks.
	Overlap float64
	// WorkDir holds temporary video files during splitting.
	WorkDir string
	// MaxAttempts bounds re-enqueues of a transiently failing ingest task
	// before the job fails with RETRY_EXHAUSTED.
	MaxAttempts int
	// RetryBackoff is the pause before a failed attempt's task is re-enqueued.
	RetryBackoff time.Duration
}

// IngestionCoordinator consumes ingest tasks on the leader controller. For each
// job it probes the input, computes chunk boundaries, cuts and uploads the chunk
// inputs, seeds chunk records, and dispatches one chunk task per chunk.
//
// Ingest tasks are delivered at least once, so every step is written to be
// re-runnable: status moves are CAS transitions, chunk uploads overwrite the
// same refs, and seeding is exactly-once in the store.
type IngestionCoordinator struct {
	cfg IngestionConfig

	jobStore   processing.JobStore
	chunkStore processing.ChunkStore
	blobStore  processing.BlobStore
	splitter   processing.VideoSplitter
	publisher  events.DomainEventPublisher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewIngestionCoordinator creates an ingestion coordinator.
func NewIngestionCoordinator(
	cfg IngestionConfig,
	jobStore processing.JobStore,
	chunkStore processing.ChunkStore,
	blobStore processing.BlobStore,
	splitter processing.VideoSplitter,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
) *IngestionCoordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &IngestionCoordinator{
		cfg:        cfg,
		jobStore:   jobStore,
		chunkStore: chunkStore,
		blobStore:  blobStore,
		splitter:   splitter,
		publisher:  publisher,
		logger:     logger.With("component", "ingestion_coordinator"),
		tracer:     tracer,
	}
}

// HandleIngestTask processes one ingest task delivery. Transient failures
// re-enqueue the task with the attempt advanced and consume the delivery, up to
// the attempt budget; unrecoverable input fails the job immediately.
func (c *IngestionCoordinator) HandleIngestTask(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	task, ok := evt.Payload.(processing.IngestTask)
	if !ok {
		err := fmt.Errorf("expected IngestTask payload, got %T", evt.Payload)
		ack(err)
		return err
	}

	ctx, span := c.tracer.Start(ctx, "ingestion_coordinator.handle_ingest_task",
		trace.WithAttributes(
			attribute.String("job_id", task.JobID.String()),
			attribute.Int("attempt_count", task.AttemptCount),
		),
	)
	defer span.End()

	err := c.ingest(ctx, task.JobID)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "job ingested")
		ack(nil)
		return nil
	case errors.Is(err, processing.ErrStaleTransition):
		// A previous delivery already advanced this job past ingestion.
		c.logger.Info(ctx, "ingest task was a duplicate", "job_id", task.JobID)
		span.AddEvent("duplicate_delivery")
		ack(nil)
		return nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingestion failed")

		var corrupt *processing.CorruptInputError
		if errors.As(err, &corrupt) {
			cause := processing.NewJobFailure(processing.FailureCodeCorruptInput, corrupt.Error())
			if failErr := c.failJob(ctx, task.JobID, cause); failErr != nil {
				ack(failErr)
				return failErr
			}
			ack(nil) // consumed: retrying corrupt input cannot help
			return nil
		}

		next := task.AttemptCount + 1
		if next >= c.cfg.MaxAttempts {
			cause := processing.NewJobFailure(processing.FailureCodeRetryExhausted,
				fmt.Sprintf("ingest attempt %d: %v", task.AttemptCount, err))
			if failErr := c.failJob(ctx, task.JobID, cause); failErr != nil {
				ack(failErr)
				return failErr
			}
			ack(nil)
			return nil
		}

		// Re-enqueue with the attempt advanced and consume this delivery.
		c.logger.Warn(ctx, "ingest attempt failed, re-enqueueing",
			"job_id", task.JobID, "attempt_count", task.AttemptCount, "error", err)
		if pubErr := c.reenqueue(ctx, task.JobID, next); pubErr != nil {
			// Leave the offset unmarked so the substrate redelivers.
			ack(pubErr)
			return pubErr
		}
		ack(nil)
		return nil
	}
}

// reenqueue publishes the ingest task again with the attempt advanced, after a
// short pause so a struggling dependency gets room to recover.
func (c *IngestionCoordinator) reenqueue(ctx context.Context, jobID uuid.UUID, attempt int) error {
	select {
	case <-time.After(c.cfg.RetryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	next := processing.NewIngestTask(jobID, attempt)
	return c.publisher.PublishDomainEvent(ctx, next, events.WithKey(jobID.String()))
}

func (c *IngestionCoordinator) failJob(ctx context.Context, jobID uuid.UUID, cause processing.Failure) error {
	if err := c.jobStore.FailJob(ctx, jobID, cause); err != nil {
		c.logger.Error(ctx, "failed to fail job", "job_id", jobID, "error", err)
		return err
	}
	c.publishFailed(ctx, jobID, cause)
	return nil
}

// ingest runs the full ingestion flow for a job.
func (c *IngestionCoordinator) ingest(ctx context.Context, jobID uuid.UUID) error {
	job, err := c.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}

	switch job.Status() {
	case processing.JobStatusQueued:
		if err := c.jobStore.TransitionJob(ctx, jobID, processing.JobStatusQueued, processing.JobStatusChunking); err != nil {
			return err
		}
	case processing.JobStatusChunking:
		// A previous delivery crashed mid-ingest. If it got as far as seeding
		// chunk rows, the cuts are already uploaded; skip straight to dispatch.
		chunks, err := c.chunkStore.ListChunks(ctx, jobID)
		if err != nil {
			return &processing.TransientIOError{Err: fmt.Errorf("listing chunks: %w", err)}
		}
		if len(chunks) > 0 {
			if err := c.jobStore.TransitionJob(ctx, jobID, processing.JobStatusChunking, processing.JobStatusProcessing); err != nil {
				return err
			}
			return c.dispatchPending(ctx, jobID)
		}
		// No rows yet: resume from the top. Every step below tolerates
		// partial prior progress.
	case processing.JobStatusProcessing:
		// Chunks are seeded; only (re)dispatch can be missing.
		return c.dispatchPending(ctx, jobID)
	default:
		return processing.ErrStaleTransition
	}

	workDir, err := os.MkdirTemp(c.cfg.WorkDir, "ingest-"+jobID.String()+"-")
	if err != nil {
		return &processing.TransientIOError{Err: fmt.Errorf("create work dir: %w", err)}
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "input")
	if err := c.download(ctx, job.InputRef(), inputPath); err != nil {
		return err
	}

	duration, err := c.splitter.Probe(ctx, inputPath)
	if err != nil {
		return fmt.Errorf("probing input: %w", err)
	}

	extents, err := processing.PlanChunks(duration, c.cfg.ChunkDuration, c.cfg.Overlap)
	if err != nil {
		return &processing.CorruptInputError{Err: err}
	}
	c.logger.Info(ctx, "planned chunks",
		"job_id", jobID, "duration", duration, "chunk_count", len(extents))

	chunks := make([]*processing.Chunk, len(extents))
	for i, extent := range extents {
		chunkPath := filepath.Join(workDir, fmt.Sprintf("chunk-%d.mp4", i))
		if err := c.splitter.Cut(ctx, inputPath, extent, chunkPath); err != nil {
			return fmt.Errorf("cutting chunk %d: %w", i, err)
		}

		ref := chunkInputRef(jobID, i)
		if err := c.upload(ctx, chunkPath, ref); err != nil {
			return fmt.Errorf("uploading chunk %d: %w", i, err)
		}
		os.Remove(chunkPath)

		chunks[i] = processing.NewChunk(jobID, i, extent, ref)
	}

	if err := c.chunkStore.CreateChunks(ctx, jobID, chunks); err != nil && !errors.Is(err, processing.ErrChunksAlreadySeeded) {
		return fmt.Errorf("seeding chunks: %w", err)
	}

	if err := c.jobStore.TransitionJob(ctx, jobID, processing.JobStatusChunking, processing.JobStatusProcessing); err != nil {
		return err
	}

	return c.dispatchPending(ctx, jobID)
}

// dispatchPending enqueues chunk tasks for every chunk not yet terminal. On a
// fresh ingest that is all of them; on a resumed delivery only the stragglers.
func (c *IngestionCoordinator) dispatchPending(ctx context.Context, jobID uuid.UUID) error {
	chunks, err := c.chunkStore.ListChunks(ctx, jobID)
	if err != nil {
		return fmt.Errorf("listing chunks: %w", err)
	}

	for _, chunk := range chunks {
		if chunk.Status().IsTerminal() {
			continue
		}
		task := processing.NewChunkTask(jobID, chunk.Index(), chunk.AttemptCount())
		if err := c.publisher.PublishDomainEvent(ctx, task, events.WithKey(task.Key())); err != nil {
			return fmt.Errorf("dispatching chunk %d: %w", chunk.Index(), err)
		}
	}
	c.logger.Info(ctx, "chunk tasks dispatched", "job_id", jobID, "chunk_count", len(chunks))
	return nil
}

func (c *IngestionCoordinator) download(ctx context.Context, ref, dst string) error {
	rc, err := c.blobStore.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", ref, err)
	}
	defer rc.Close()

	file, err := os.Create(dst)
	if err != nil {
		return &processing.TransientIOError{Err: fmt.Errorf("create %s: %w", dst, err)}
	}
	defer file.Close()

	if _, err := io.Copy(file, rc); err != nil {
		return &processing.TransientIOError{Err: fmt.Errorf("download %s: %w", ref, err)}
	}
	return nil
}

func (c *IngestionCoordinator) upload(ctx context.Context, src, ref string) error {
	file, err := os.Open(src)
	if err != nil {
		return &processing.TransientIOError{Err: fmt.Errorf("open %s: %w", src, err)}
	}
	defer file.Close()
	return c.blobStore.Put(ctx, ref, file)
}

func (c *IngestionCoordinator) publishFailed(ctx context.Context, jobID uuid.UUID, cause processing.Failure) {
	event := processing.NewJobFailedEvent(jobID, cause)
	if err := c.publisher.PublishDomainEvent(ctx, event, events.WithKey(jobID.String())); err != nil {
		c.logger.Error(ctx, "failed to publish job failed event", "job_id", jobID, "error", err)
	}
}

// chunkInputRef is the blob ref of a chunk's cut input.
func chunkInputRef(jobID uuid.UUID, index int) string {
	return fmt.Sprintf("jobs/%s/chunks/%d/input.mp4", jobID, index)
}

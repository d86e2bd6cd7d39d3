package processing

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
	"github.com/maskwright/cloakwork/internal/domain/policy"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

// ChunkProcessorConfig tunes worker-side chunk processing.
type ChunkProcessorConfig struct {
	// MaxAttempts is the per-chunk attempt budget before the chunk (and its
	// job) fails with RETRY_EXHAUSTED.
	MaxAttempts int
	// RetryBackoff is the pause before a failed attempt's task is re-enqueued.
	RetryBackoff time.Duration
	// WorkDir holds temporary video files during an attempt.
	WorkDir string
}

// ChunkProcessor consumes chunk tasks. One invocation downloads the chunk
// input, runs detection/tracking, applies the job's redaction policy, renders
// and uploads the anonymized chunk, and records completion through the atomic
// counter. Tasks arrive at least once; completed chunks short-circuit, and a
// retryable failure re-enqueues the task with the attempt advanced.
type ChunkProcessor struct {
	cfg ChunkProcessorConfig

	jobStore   processing.JobStore
	chunkStore processing.ChunkStore
	blobStore  processing.BlobStore
	analyzer   processing.ChunkAnalyzer
	redactor   processing.Redactor
	publisher  events.DomainEventPublisher
	matcher    *policy.TextMatcher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewChunkProcessor creates a chunk processor.
func NewChunkProcessor(
	cfg ChunkProcessorConfig,
	jobStore processing.JobStore,
	chunkStore processing.ChunkStore,
	blobStore processing.BlobStore,
	analyzer processing.ChunkAnalyzer,
	redactor processing.Redactor,
	publisher events.DomainEventPublisher,
	matcher *policy.TextMatcher,
	logger *logger.Logger,
	tracer trace.Tracer,
) *ChunkProcessor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &ChunkProcessor{
		cfg:        cfg,
		jobStore:   jobStore,
		chunkStore: chunkStore,
		blobStore:  blobStore,
		analyzer:   analyzer,
		redactor:   redactor,
		publisher:  publisher,
		matcher:    matcher,
		logger:     logger.With("component", "chunk_processor"),
		tracer:     tracer,
	}
}

// HandleChunkTask processes one chunk task delivery.
func (p *ChunkProcessor) HandleChunkTask(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	task, ok := evt.Payload.(processing.ChunkTask)
	if !ok {
		err := fmt.Errorf("expected ChunkTask payload, got %T", evt.Payload)
		ack(err)
		return err
	}

	ctx, span := p.tracer.Start(ctx, "chunk_processor.handle_chunk_task",
		trace.WithAttributes(
			attribute.String("job_id", task.JobID.String()),
			attribute.Int("chunk_index", task.ChunkIndex),
		),
	)
	defer span.End()

	logger := p.logger.With("job_id", task.JobID, "chunk_index", task.ChunkIndex)

	err := p.process(ctx, task.JobID, task.ChunkIndex)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "chunk processed")
		ack(nil)
		return nil

	case errors.Is(err, processing.ErrStaleTransition):
		// Someone else finished or failed this chunk, or the job is gone.
		logger.Info(ctx, "chunk task was a duplicate or superseded")
		span.AddEvent("duplicate_delivery")
		ack(nil)
		return nil

	case processing.IsRetryable(err):
		// Re-enqueue the task with the attempt advanced and consume this
		// delivery; the attempt budget is enforced on the next claim.
		logger.Warn(ctx, "chunk attempt failed, re-enqueueing",
			"error", err, "attempt_count", task.AttemptCount)
		span.RecordError(err)
		if pubErr := p.reenqueue(ctx, task); pubErr != nil {
			// Leave the offset unmarked so the substrate redelivers.
			ack(pubErr)
			return pubErr
		}
		ack(nil)
		return nil

	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "chunk failed permanently")

		var corrupt *processing.CorruptInputError
		code := processing.FailureCodeIO
		switch {
		case errors.As(err, &corrupt):
			code = processing.FailureCodeCorruptInput
		case errors.Is(err, errRetryExhausted):
			code = processing.FailureCodeRetryExhausted
		}
		cause := processing.NewFailure(code, task.ChunkIndex, err.Error())
		if failErr := p.failChunk(ctx, task.JobID, task.ChunkIndex, cause); failErr != nil {
			ack(failErr)
			return failErr
		}
		ack(nil)
		return nil
	}
}

// process runs one attempt for (jobID, index).
func (p *ChunkProcessor) process(ctx context.Context, jobID uuid.UUID, index int) error {
	job, err := p.jobStore.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, processing.ErrJobNotFound) {
			return processing.ErrStaleTransition // erased; nothing to do
		}
		return &processing.TransientIOError{Err: err}
	}
	if job.Status().IsTerminal() {
		return processing.ErrStaleTransition
	}

	chunk, err := p.chunkStore.GetChunk(ctx, jobID, index)
	if err != nil {
		if errors.Is(err, processing.ErrChunkNotFound) {
			return processing.ErrStaleTransition
		}
		return &processing.TransientIOError{Err: err}
	}

	// Idempotent short-circuit: the completion transaction already ran for
	// this chunk. If the job is waiting on a stitch, republish the stitch task
	// in case the triggering attempt crashed between the flip and the enqueue;
	// the stitch handler treats duplicates as no-ops.
	if chunk.Status() == processing.ChunkStatusDone {
		if job.Status() == processing.JobStatusStitching {
			task := processing.NewStitchTask(jobID, 0)
			if err := p.publisher.PublishDomainEvent(ctx, task, events.WithKey(jobID.String())); err != nil {
				return &processing.TransientIOError{Err: fmt.Errorf("re-enqueuing stitch task: %w", err)}
			}
		}
		return nil
	}
	if chunk.Status() == processing.ChunkStatusFailed {
		return processing.ErrStaleTransition
	}

	// Claim the chunk. PROCESSING -> PROCESSING re-claims a chunk whose
	// previous attempt went dark.
	if err := p.chunkStore.TransitionChunk(ctx, jobID, index, chunk.Status(), processing.ChunkStatusProcessing); err != nil {
		if errors.Is(err, processing.ErrStaleTransition) {
			return processing.ErrStaleTransition
		}
		return &processing.TransientIOError{Err: err}
	}

	attempt, err := p.chunkStore.IncrementAttempt(ctx, jobID, index)
	if err != nil {
		return &processing.TransientIOError{Err: err}
	}
	if attempt > p.cfg.MaxAttempts {
		return fmt.Errorf("attempt %d exceeds budget of %d: %w",
			attempt, p.cfg.MaxAttempts, errRetryExhausted)
	}

	workDir, err := os.MkdirTemp(p.cfg.WorkDir, fmt.Sprintf("chunk-%s-%d-", jobID, index))
	if err != nil {
		return &processing.TransientIOError{Err: fmt.Errorf("create work dir: %w", err)}
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "input.mp4")
	if err := p.download(ctx, chunk.InputRef(), inputPath); err != nil {
		return err
	}

	observations, err := p.analyzer.Analyze(ctx, inputPath)
	if err != nil {
		return fmt.Errorf("analyzing chunk: %w", err)
	}

	boxes := BuildRedactionBoxes(observations, job.Policy(), p.matcher)
	boundary := ComputeBoundaryTracks(observations, chunk.Extent())

	extent := chunk.Extent()
	trimStart := extent.CoreStart - extent.Start
	trimEnd := extent.CoreEnd - extent.Start

	outputPath := filepath.Join(workDir, "output.mp4")
	if err := p.redactor.Render(ctx, inputPath, boxes, trimStart, trimEnd, outputPath); err != nil {
		return fmt.Errorf("rendering redactions: %w", err)
	}

	outputRef := chunkOutputRef(jobID, index)
	if err := p.upload(ctx, outputPath, outputRef); err != nil {
		return err
	}

	result, err := p.chunkStore.CompleteChunk(ctx, jobID, index, outputRef, boundary)
	if err != nil {
		if errors.Is(err, processing.ErrStaleTransition) {
			return processing.ErrStaleTransition
		}
		return &processing.TransientIOError{Err: err}
	}

	p.logger.Info(ctx, "chunk completed",
		"job_id", jobID, "chunk_index", index, "attempt", attempt,
		"boxes", len(boxes),
		"completed", result.ChunksCompleted, "total", result.ChunkCount,
		"already_done", result.AlreadyDone)

	if result.TriggerStitch {
		task := processing.NewStitchTask(jobID, 0)
		if err := p.publisher.PublishDomainEvent(ctx, task, events.WithKey(jobID.String())); err != nil {
			// The flip to STITCHING already happened; the re-enqueued chunk
			// task lands on the short-circuit path and re-publishes the stitch.
			return &processing.TransientIOError{Err: fmt.Errorf("enqueuing stitch task: %w", err)}
		}
		p.logger.Info(ctx, "stitch task enqueued", "job_id", jobID)
	}
	return nil
}

var errRetryExhausted = errors.New("retry budget exhausted")

// reenqueue publishes the task again with the attempt advanced, after a short
// pause so a struggling dependency gets room to recover before the next attempt.
func (p *ChunkProcessor) reenqueue(ctx context.Context, task processing.ChunkTask) error {
	select {
	case <-time.After(p.cfg.RetryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	next := processing.NewChunkTask(task.JobID, task.ChunkIndex, task.AttemptCount+1)
	return p.publisher.PublishDomainEvent(ctx, next, events.WithKey(next.Key()))
}

// failChunk records a permanent chunk failure and publishes the job-level
// failure notification.
func (p *ChunkProcessor) failChunk(ctx context.Context, jobID uuid.UUID, index int, cause processing.Failure) error {
	if err := p.chunkStore.FailChunk(ctx, jobID, index, cause); err != nil {
		if errors.Is(err, processing.ErrStaleTransition) {
			return nil
		}
		p.logger.Error(ctx, "failed to record chunk failure", "job_id", jobID, "chunk_index", index, "error", err)
		return err
	}

	event := processing.NewJobFailedEvent(jobID, cause)
	if err := p.publisher.PublishDomainEvent(ctx, event, events.WithKey(jobID.String())); err != nil {
		p.logger.Error(ctx, "failed to publish job failed event", "job_id", jobID, "error", err)
	}
	return nil
}

func (p *ChunkProcessor) download(ctx context.Context, ref, dst string) error {
	rc, err := p.blobStore.Get(ctx, ref)
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

func (p *ChunkProcessor) upload(ctx context.Context, src, ref string) error {
	file, err := os.Open(src)
	if err != nil {
		return &processing.TransientIOError{Err: fmt.Errorf("open %s: %w", src, err)}
	}
	defer file.Close()
	return p.blobStore.Put(ctx, ref, file)
}

// chunkOutputRef is the blob ref of a chunk's anonymized output.
func chunkOutputRef(jobID uuid.UUID, index int) string {
	return fmt.Sprintf("jobs/%s/chunks/%d/output.mp4", jobID, index)
}

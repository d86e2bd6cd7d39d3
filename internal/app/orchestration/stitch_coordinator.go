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

	"github.com/maskwright/cloakwork/internal/domain/continuity"
	"github.com/maskwright/cloakwork/internal/domain/events"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

// StitchConfig tunes stitch finalization.
type StitchConfig struct {
	// WorkDir holds chunk outputs during assembly.
	WorkDir string
	// SimilarityThreshold is the minimum cosine similarity for cross-seam
	// identity matches. Zero uses the continuity default.
	SimilarityThreshold float64
	// MaxAttempts bounds re-enqueues of a transiently failing stitch task
	// before the job fails with RETRY_EXHAUSTED.
	MaxAttempts int
	// RetryBackoff is the pause before a failed attempt's task is re-enqueued.
	RetryBackoff time.Duration
}

// StitchCoordinator consumes stitch tasks on the leader controller. For each
// job it resolves cross-chunk track identities from the persisted boundary
// summaries, concatenates the processed chunk outputs into the final artifact,
// and completes the job.
type StitchCoordinator struct {
	cfg StitchConfig

	jobStore   processing.JobStore
	chunkStore processing.ChunkStore
	blobStore  processing.BlobStore
	assembler  processing.VideoAssembler
	publisher  events.DomainEventPublisher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewStitchCoordinator creates a stitch coordinator.
func NewStitchCoordinator(
	cfg StitchConfig,
	jobStore processing.JobStore,
	chunkStore processing.ChunkStore,
	blobStore processing.BlobStore,
	assembler processing.VideoAssembler,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
) *StitchCoordinator {
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = continuity.DefaultThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &StitchCoordinator{
		cfg:        cfg,
		jobStore:   jobStore,
		chunkStore: chunkStore,
		blobStore:  blobStore,
		assembler:  assembler,
		publisher:  publisher,
		logger:     logger.With("component", "stitch_coordinator"),
		tracer:     tracer,
	}
}

// HandleStitchTask processes one stitch task delivery. Duplicates ack cleanly;
// transient failures re-enqueue the task with the attempt advanced, up to the
// attempt budget; assembly failures fail the job.
func (c *StitchCoordinator) HandleStitchTask(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	task, ok := evt.Payload.(processing.StitchTask)
	if !ok {
		err := fmt.Errorf("expected StitchTask payload, got %T", evt.Payload)
		ack(err)
		return err
	}

	ctx, span := c.tracer.Start(ctx, "stitch_coordinator.handle_stitch_task",
		trace.WithAttributes(
			attribute.String("job_id", task.JobID.String()),
			attribute.Int("attempt_count", task.AttemptCount),
		),
	)
	defer span.End()

	err := c.stitch(ctx, task.JobID)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "job stitched")
		ack(nil)
		return nil
	case errors.Is(err, processing.ErrStaleTransition):
		c.logger.Info(ctx, "stitch task was a duplicate", "job_id", task.JobID)
		span.AddEvent("duplicate_delivery")
		ack(nil)
		return nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "stitch failed")

		var tio *processing.TransientIOError
		if errors.As(err, &tio) {
			next := task.AttemptCount + 1
			if next >= c.cfg.MaxAttempts {
				cause := processing.NewJobFailure(processing.FailureCodeRetryExhausted,
					fmt.Sprintf("stitch attempt %d: %v", task.AttemptCount, err))
				if failErr := c.failJob(ctx, task.JobID, cause); failErr != nil {
					ack(failErr)
					return failErr
				}
				ack(nil)
				return nil
			}

			// Re-enqueue with the attempt advanced and consume this delivery.
			c.logger.Warn(ctx, "stitch attempt failed, re-enqueueing",
				"job_id", task.JobID, "attempt_count", task.AttemptCount, "error", err)
			if pubErr := c.reenqueue(ctx, task.JobID, next); pubErr != nil {
				// Leave the offset unmarked so the substrate redelivers.
				ack(pubErr)
				return pubErr
			}
			ack(nil)
			return nil
		}

		// Assembly itself failed; retrying the same inputs will not converge.
		cause := processing.NewJobFailure(processing.FailureCodeStitch, err.Error())
		if failErr := c.failJob(ctx, task.JobID, cause); failErr != nil {
			ack(failErr)
			return failErr
		}
		ack(nil)
		return nil
	}
}

// reenqueue publishes the stitch task again with the attempt advanced, after a
// short pause so a struggling dependency gets room to recover.
func (c *StitchCoordinator) reenqueue(ctx context.Context, jobID uuid.UUID, attempt int) error {
	select {
	case <-time.After(c.cfg.RetryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	next := processing.NewStitchTask(jobID, attempt)
	return c.publisher.PublishDomainEvent(ctx, next, events.WithKey(jobID.String()))
}

func (c *StitchCoordinator) failJob(ctx context.Context, jobID uuid.UUID, cause processing.Failure) error {
	if err := c.jobStore.FailJob(ctx, jobID, cause); err != nil {
		c.logger.Error(ctx, "failed to fail job after stitch error", "job_id", jobID, "error", err)
		return err
	}
	event := processing.NewJobFailedEvent(jobID, cause)
	if pubErr := c.publisher.PublishDomainEvent(ctx, event, events.WithKey(jobID.String())); pubErr != nil {
		c.logger.Error(ctx, "failed to publish job failed event", "job_id", jobID, "error", pubErr)
	}
	return nil
}

// stitch runs the full finalization flow for a job.
func (c *StitchCoordinator) stitch(ctx context.Context, jobID uuid.UUID) error {
	job, err := c.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	if job.Status() != processing.JobStatusStitching {
		// COMPLETED means a duplicate delivery after a successful stitch;
		// anything else means the job moved on without us.
		return processing.ErrStaleTransition
	}

	chunks, err := c.chunkStore.ListChunks(ctx, jobID)
	if err != nil {
		return fmt.Errorf("listing chunks: %w", err)
	}
	if len(chunks) != job.ChunkCount() {
		return fmt.Errorf("expected %d chunks, found %d", job.ChunkCount(), len(chunks))
	}
	for _, chunk := range chunks {
		if chunk.Status() != processing.ChunkStatusDone {
			return fmt.Errorf("chunk %d is %s, not DONE", chunk.Index(), chunk.Status())
		}
	}

	identities := c.resolveIdentities(ctx, jobID, chunks)
	c.logger.Info(ctx, "continuity resolved",
		"job_id", jobID, "local_tracks", len(identities), "global_tracks", countGlobal(identities))

	workDir, err := os.MkdirTemp(c.cfg.WorkDir, "stitch-"+jobID.String()+"-")
	if err != nil {
		return &processing.TransientIOError{Err: fmt.Errorf("create work dir: %w", err)}
	}
	defer os.RemoveAll(workDir)

	parts := make([]string, len(chunks))
	for i, chunk := range chunks {
		partPath := filepath.Join(workDir, fmt.Sprintf("part-%d.mp4", chunk.Index()))
		if err := c.download(ctx, chunk.OutputRef(), partPath); err != nil {
			return err
		}
		parts[i] = partPath
	}

	finalPath := filepath.Join(workDir, "final.mp4")
	if err := c.assembler.Concat(ctx, parts, finalPath); err != nil {
		return fmt.Errorf("concatenating %d parts: %w", len(parts), err)
	}

	outputRef := finalOutputRef(jobID)
	if err := c.upload(ctx, finalPath, outputRef); err != nil {
		return err
	}

	if err := c.jobStore.SetJobOutput(ctx, jobID, outputRef); err != nil {
		return fmt.Errorf("recording output ref: %w", err)
	}
	if err := c.jobStore.TransitionJob(ctx, jobID, processing.JobStatusStitching, processing.JobStatusCompleted); err != nil {
		return err
	}

	event := processing.NewJobCompletedEvent(jobID, outputRef)
	if err := c.publisher.PublishDomainEvent(ctx, event, events.WithKey(jobID.String())); err != nil {
		// The job is COMPLETED either way; notification is best effort.
		c.logger.Error(ctx, "failed to publish job completed event", "job_id", jobID, "error", err)
	}

	c.logger.Info(ctx, "job completed", "job_id", jobID, "output_ref", outputRef)
	return nil
}

// resolveIdentities reconciles tracker-local identities across chunk seams from
// the persisted boundary summaries. The result is advisory overlay metadata; it
// never gates completion.
func (c *StitchCoordinator) resolveIdentities(ctx context.Context, jobID uuid.UUID, chunks []*processing.Chunk) continuity.GlobalIdentityMap {
	boundaries := make(map[int]continuity.BoundaryTracks, len(chunks))
	for _, chunk := range chunks {
		if bt := chunk.BoundaryTracks(); bt != nil {
			boundaries[chunk.Index()] = *bt
		}
	}
	if len(boundaries) == 0 {
		c.logger.Debug(ctx, "no boundary summaries to resolve", "job_id", jobID)
		return nil
	}
	return continuity.Resolve(boundaries, c.cfg.SimilarityThreshold)
}

func countGlobal(m continuity.GlobalIdentityMap) int {
	seen := make(map[int]struct{}, len(m))
	for _, id := range m {
		seen[id] = struct{}{}
	}
	return len(seen)
}

func (c *StitchCoordinator) download(ctx context.Context, ref, dst string) error {
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

func (c *StitchCoordinator) upload(ctx context.Context, src, ref string) error {
	file, err := os.Open(src)
	if err != nil {
		return &processing.TransientIOError{Err: fmt.Errorf("open %s: %w", src, err)}
	}
	defer file.Close()
	return c.blobStore.Put(ctx, ref, file)
}

// finalOutputRef is the blob ref of a job's final anonymized artifact.
func finalOutputRef(jobID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/output.mp4", jobID)
}

// Package orchestration contains the controller-side application services: job
// intake, ingestion (probe, split, seed, dispatch), and stitch finalization.
package orchestration

import (
	"context"
	"fmt"
	"io"
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

// CreateJobRequest carries a validated job submission.
type CreateJobRequest struct {
	// InputRef is the blob ref of an already-stored source video. Ignored when
	// Upload is set.
	InputRef string
	// Upload streams the source video into the job's own blob prefix, so a
	// later erasure request removes it along with everything else.
	Upload io.Reader
	// Profile optionally names a compliance profile to start from.
	Profile string
	// Rules are per-target additions layered over the profile. With no profile
	// they form the whole policy.
	Rules map[policy.Target]policy.Rule
	// WebhookURL optionally receives terminal lifecycle notifications.
	WebhookURL string
}

// JobService is the job intake and query surface used by the API gateway. It
// owns policy resolution, the durable ingest enqueue, cancellation, and
// right-to-erasure deletion.
type JobService struct {
	jobStore  processing.JobStore
	blobStore processing.BlobStore
	publisher events.DomainEventPublisher
	profiles  *policy.Registry

	logger *logger.Logger
	tracer trace.Tracer
}

// NewJobService creates a job service.
func NewJobService(
	jobStore processing.JobStore,
	blobStore processing.BlobStore,
	publisher events.DomainEventPublisher,
	profiles *policy.Registry,
	logger *logger.Logger,
	tracer trace.Tracer,
) *JobService {
	return &JobService{
		jobStore:  jobStore,
		blobStore: blobStore,
		publisher: publisher,
		profiles:  profiles,
		logger:    logger.With("component", "job_service"),
		tracer:    tracer,
	}
}

// CreateJob resolves the request's policy, persists a QUEUED job, and durably
// enqueues its ingest task. The job id is returned only after the enqueue is
// acknowledged, so an accepted job is guaranteed to make progress.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (uuid.UUID, error) {
	ctx, span := s.tracer.Start(ctx, "job_service.create_job",
		trace.WithAttributes(attribute.String("profile", req.Profile)),
	)
	defer span.End()

	pol, err := s.resolvePolicy(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "policy resolution failed")
		return uuid.Nil, err
	}

	jobID := uuid.New()
	span.SetAttributes(attribute.String("job_id", jobID.String()))

	inputRef := req.InputRef
	if req.Upload != nil {
		inputRef = jobInputRef(jobID)
		if err := s.blobStore.Put(ctx, inputRef, req.Upload); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to store upload")
			return uuid.Nil, fmt.Errorf("storing upload: %w", err)
		}
	}
	if inputRef == "" {
		return uuid.Nil, fmt.Errorf("an input ref or an upload is required")
	}

	job := processing.NewJob(jobID, inputRef, pol, req.WebhookURL)
	if err := s.jobStore.CreateJob(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist job")
		return uuid.Nil, fmt.Errorf("persisting job: %w", err)
	}

	task := processing.NewIngestTask(jobID, 0)
	if err := s.publisher.PublishDomainEvent(ctx, task, events.WithKey(jobID.String())); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to enqueue ingest task")
		// The job would sit QUEUED forever without its task; surface that as a
		// failed job rather than an orphan.
		cause := processing.NewJobFailure(processing.FailureCodeIO, "ingest enqueue failed")
		if failErr := s.jobStore.FailJob(ctx, jobID, cause); failErr != nil {
			s.logger.Error(ctx, "failed to mark orphaned job failed", "job_id", jobID, "error", failErr)
		}
		return uuid.Nil, fmt.Errorf("enqueuing ingest task: %w", err)
	}

	s.logger.Info(ctx, "job accepted", "job_id", jobID, "profile", pol.Profile)
	return jobID, nil
}

// resolvePolicy builds the job's policy snapshot: profile lookup (if named),
// then a tightening-only merge of the request's rule additions.
func (s *JobService) resolvePolicy(req CreateJobRequest) (policy.Policy, error) {
	if req.Profile == "" {
		if len(req.Rules) == 0 {
			return policy.Policy{}, fmt.Errorf("a profile or at least one rule is required")
		}
		return policy.Policy{Rules: req.Rules}, nil
	}

	base, err := s.profiles.Lookup(req.Profile)
	if err != nil {
		return policy.Policy{}, err
	}
	return policy.Merge(base, req.Rules), nil
}

// GetJob returns the job's current state.
func (s *JobService) GetJob(ctx context.Context, jobID uuid.UUID) (*processing.Job, error) {
	ctx, span := s.tracer.Start(ctx, "job_service.get_job",
		trace.WithAttributes(attribute.String("job_id", jobID.String())),
	)
	defer span.End()

	return s.jobStore.GetJob(ctx, jobID)
}

// PresignOutput returns a time-limited download URL for a COMPLETED job's artifact.
func (s *JobService) PresignOutput(ctx context.Context, job *processing.Job, expiry time.Duration) (string, error) {
	if job.Status() != processing.JobStatusCompleted || job.OutputRef() == "" {
		return "", nil
	}
	return s.blobStore.PresignGet(ctx, job.OutputRef(), expiry)
}

// DeleteJob cancels a job if still running and erases its data: all blobs under
// the job's prefix and all chunk records, leaving a tombstone job row. This is
// the right-to-erasure path, so blob deletion failures fail the request rather
// than leaving artifacts behind silently.
func (s *JobService) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "job_service.delete_job",
		trace.WithAttributes(attribute.String("job_id", jobID.String())),
	)
	defer span.End()

	job, err := s.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if !job.Status().IsTerminal() {
		err := s.jobStore.TransitionJob(ctx, jobID, job.Status(), processing.JobStatusCancelled)
		if err != nil && err != processing.ErrStaleTransition {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancel transition failed")
			return fmt.Errorf("cancelling job: %w", err)
		}
		// In-flight chunk attempts will observe CANCELLED on their next
		// completion and stop; the blob purge below wins either way.
		if err == nil {
			event := processing.NewJobCancelledEvent(jobID)
			if pubErr := s.publisher.PublishDomainEvent(ctx, event, events.WithKey(jobID.String())); pubErr != nil {
				s.logger.Error(ctx, "failed to publish cancellation event", "job_id", jobID, "error", pubErr)
			}
		}
	}

	if err := s.blobStore.DeletePrefix(ctx, jobBlobPrefix(jobID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "blob purge failed")
		return fmt.Errorf("purging job blobs: %w", err)
	}

	if err := s.jobStore.PurgeJob(ctx, jobID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record purge failed")
		return fmt.Errorf("purging job records: %w", err)
	}

	s.logger.Info(ctx, "job erased", "job_id", jobID)
	return nil
}

// jobBlobPrefix is the blob namespace that holds every artifact of one job.
func jobBlobPrefix(jobID uuid.UUID) string { return fmt.Sprintf("jobs/%s/", jobID) }

// jobInputRef is the blob ref of an uploaded source video.
func jobInputRef(jobID uuid.UUID) string { return fmt.Sprintf("jobs/%s/input.mp4", jobID) }

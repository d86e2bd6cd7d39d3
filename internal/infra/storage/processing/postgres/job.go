// Package postgres provides the PostgreSQL-backed implementations of the
// processing stores. All multi-row invariants (chunk seeding, completion
// counting, the stitch trigger) are enforced inside single transactions so the
// stores stay correct under concurrent, at-least-once task delivery.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maskwright/cloakwork/internal/domain/policy"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/internal/infra/storage"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

var _ processing.JobStore = (*JobStore)(nil)

// JobStore persists job aggregates in PostgreSQL.
type JobStore struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
	tracer trace.Tracer
}

// NewJobStore creates a PostgreSQL-backed job store.
func NewJobStore(pool *pgxpool.Pool, logger *logger.Logger, tracer trace.Tracer) *JobStore {
	return &JobStore{
		pool:   pool,
		logger: logger.With("component", "job_store"),
		tracer: tracer,
	}
}

// defaultDBAttributes are the base attributes attached to every store span.
var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// CreateJob inserts a new QUEUED job row with its policy snapshot.
func (s *JobStore) CreateJob(ctx context.Context, job *processing.Job) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", string(job.Status())),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		policyJSON, err := json.Marshal(job.Policy())
		if err != nil {
			return fmt.Errorf("marshal policy: %w", err)
		}

		_, err = s.pool.Exec(ctx, `
			INSERT INTO jobs (job_id, status, input_ref, chunk_count, chunks_completed, policy, webhook_url, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
			job.JobID(),
			string(job.Status()),
			job.InputRef(),
			job.ChunkCount(),
			job.ChunksCompleted(),
			policyJSON,
			job.WebhookURL(),
			job.CreatedAt().UTC(),
			job.UpdatedAt().UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

// jobRow mirrors the jobs table for scanning.
type jobRow struct {
	jobID           uuid.UUID
	status          string
	inputRef        string
	outputRef       *string
	chunkCount      int
	chunksCompleted int
	policyJSON      []byte
	webhookURL      *string
	failureJSON     []byte
	createdAt       time.Time
	updatedAt       time.Time
	completedAt     *time.Time
}

func (r jobRow) toDomain() (*processing.Job, error) {
	status := processing.ParseJobStatus(r.status)
	if status == "" {
		return nil, fmt.Errorf("unknown job status %q", r.status)
	}

	var pol policy.Policy
	if err := json.Unmarshal(r.policyJSON, &pol); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}

	var failure *processing.Failure
	if len(r.failureJSON) > 0 {
		failure = new(processing.Failure)
		if err := json.Unmarshal(r.failureJSON, failure); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
	}

	var outputRef, webhookURL string
	if r.outputRef != nil {
		outputRef = *r.outputRef
	}
	if r.webhookURL != nil {
		webhookURL = *r.webhookURL
	}
	var completedAt time.Time
	if r.completedAt != nil {
		completedAt = *r.completedAt
	}

	return processing.ReconstructJob(
		r.jobID,
		status,
		r.inputRef,
		outputRef,
		r.chunkCount,
		r.chunksCompleted,
		pol,
		webhookURL,
		failure,
		processing.ReconstructTimeline(r.createdAt, completedAt, r.updatedAt),
	), nil
}

// GetJob loads a job, or ErrJobNotFound.
func (s *JobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*processing.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))
	var job *processing.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		var row jobRow
		err := s.pool.QueryRow(ctx, `
			SELECT job_id, status, input_ref, output_ref, chunk_count, chunks_completed,
			       policy, webhook_url, failure, created_at, updated_at, completed_at
			FROM jobs WHERE job_id = $1`, jobID).Scan(
			&row.jobID, &row.status, &row.inputRef, &row.outputRef,
			&row.chunkCount, &row.chunksCompleted, &row.policyJSON,
			&row.webhookURL, &row.failureJSON,
			&row.createdAt, &row.updatedAt, &row.completedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return processing.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("query job: %w", err)
		}
		job, err = row.toDomain()
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// TransitionJob performs a compare-and-set status update. A terminal target
// stamps completed_at in the same statement.
func (s *JobStore) TransitionJob(ctx context.Context, jobID uuid.UUID, expected, next processing.JobStatus) error {
	if err := expected.ValidateTransition(next); err != nil {
		return err
	}

	dbAttrs := append(defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.String("expected", string(expected)),
		attribute.String("next", string(next)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.transition_job", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE jobs
			SET status = $3,
			    updated_at = NOW(),
			    completed_at = CASE WHEN $4 THEN NOW() ELSE completed_at END
			WHERE job_id = $1 AND status = $2`,
			jobID, string(expected), string(next), next.IsTerminal(),
		)
		if err != nil {
			return fmt.Errorf("transition job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return processing.ErrStaleTransition
		}
		return nil
	})
}

// SetJobOutput records the final artifact ref.
func (s *JobStore) SetJobOutput(ctx context.Context, jobID uuid.UUID, outputRef string) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_job_output", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE jobs SET output_ref = $2, updated_at = NOW() WHERE job_id = $1`,
			jobID, outputRef,
		)
		if err != nil {
			return fmt.Errorf("set job output: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return processing.ErrJobNotFound
		}
		return nil
	})
}

// FailJob transitions a job to FAILED with a structured cause. The first cause
// wins; a job already in a terminal state is left untouched.
func (s *JobStore) FailJob(ctx context.Context, jobID uuid.UUID, cause processing.Failure) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.String("failure_code", string(cause.Code)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.fail_job", dbAttrs, func(ctx context.Context) error {
		failureJSON, err := json.Marshal(cause)
		if err != nil {
			return fmt.Errorf("marshal failure: %w", err)
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE jobs
			SET status = 'FAILED',
			    failure = COALESCE(failure, $2),
			    updated_at = NOW(),
			    completed_at = NOW()
			WHERE job_id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`,
			jobID, failureJSON,
		)
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			s.logger.Debug(ctx, "fail_job was a no-op; job already terminal", "job_id", jobID)
		}
		return nil
	})
}

// PurgeJob deletes chunk rows and nulls blob refs, leaving a tombstone job row
// so the id cannot be silently reused.
func (s *JobStore) PurgeJob(ctx context.Context, jobID uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.purge_job", dbAttrs, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin purge tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE jobs
			SET input_ref = '', output_ref = NULL, webhook_url = NULL, updated_at = NOW()
			WHERE job_id = $1`, jobID)
		if err != nil {
			return fmt.Errorf("tombstone job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return processing.ErrJobNotFound
		}

		return tx.Commit(ctx)
	})
}

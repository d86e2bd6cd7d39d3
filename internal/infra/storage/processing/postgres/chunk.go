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

	"github.com/maskwright/cloakwork/internal/domain/continuity"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/internal/infra/storage"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

var _ processing.ChunkStore = (*ChunkStore)(nil)

// ChunkStore persists chunk records and owns the atomic completion counter.
type ChunkStore struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
	tracer trace.Tracer
}

// NewChunkStore creates a PostgreSQL-backed chunk store.
func NewChunkStore(pool *pgxpool.Pool, logger *logger.Logger, tracer trace.Tracer) *ChunkStore {
	return &ChunkStore{
		pool:   pool,
		logger: logger.With("component", "chunk_store"),
		tracer: tracer,
	}
}

// CreateChunks bulk-inserts PENDING chunk rows and sets the job's chunk_count
// in the same transaction. A job whose chunk_count is already set was seeded by
// an earlier delivery; nothing is modified and ErrChunksAlreadySeeded returns.
func (s *ChunkStore) CreateChunks(ctx context.Context, jobID uuid.UUID, chunks []*processing.Chunk) error {
	if len(chunks) == 0 {
		return processing.ErrNoChunks
	}

	dbAttrs := append(defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.Int("chunk_count", len(chunks)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_chunks", dbAttrs, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin seed tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Seeding is exactly-once per job: only the delivery that flips
		// chunk_count from 0 gets to insert rows.
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET chunk_count = $2, updated_at = NOW()
			WHERE job_id = $1 AND chunk_count = 0`,
			jobID, len(chunks),
		)
		if err != nil {
			return fmt.Errorf("set chunk_count: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, jobID).Scan(&exists); err != nil {
				return fmt.Errorf("check job exists: %w", err)
			}
			if !exists {
				return processing.ErrJobNotFound
			}
			return processing.ErrChunksAlreadySeeded
		}

		rows := make([][]any, 0, len(chunks))
		for _, c := range chunks {
			extentJSON, err := json.Marshal(c.Extent())
			if err != nil {
				return fmt.Errorf("marshal extent: %w", err)
			}
			rows = append(rows, []any{
				jobID, c.Index(), string(c.Status()), extentJSON, c.InputRef(),
			})
		}

		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"chunks"},
			[]string{"job_id", "chunk_index", "status", "extent", "input_ref"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}

		return tx.Commit(ctx)
	})
}

type chunkRow struct {
	jobID        uuid.UUID
	index        int
	status       string
	extentJSON   []byte
	inputRef     string
	outputRef    *string
	attemptCount int
	boundaryJSON []byte
	createdAt    time.Time
	updatedAt    time.Time
	completedAt  *time.Time
}

func (r chunkRow) toDomain() (*processing.Chunk, error) {
	status := processing.ParseChunkStatus(r.status)
	if status == "" {
		return nil, fmt.Errorf("unknown chunk status %q", r.status)
	}

	var extent processing.Extent
	if err := json.Unmarshal(r.extentJSON, &extent); err != nil {
		return nil, fmt.Errorf("unmarshal extent: %w", err)
	}

	var boundary *continuity.BoundaryTracks
	if len(r.boundaryJSON) > 0 {
		boundary = new(continuity.BoundaryTracks)
		if err := json.Unmarshal(r.boundaryJSON, boundary); err != nil {
			return nil, fmt.Errorf("unmarshal boundary tracks: %w", err)
		}
	}

	var outputRef string
	if r.outputRef != nil {
		outputRef = *r.outputRef
	}
	var completedAt time.Time
	if r.completedAt != nil {
		completedAt = *r.completedAt
	}

	return processing.ReconstructChunk(
		r.jobID,
		r.index,
		status,
		extent,
		r.inputRef,
		outputRef,
		r.attemptCount,
		boundary,
		processing.ReconstructTimeline(r.createdAt, completedAt, r.updatedAt),
	), nil
}

const chunkColumns = `job_id, chunk_index, status, extent, input_ref, output_ref,
	attempt_count, boundary_tracks, created_at, updated_at, completed_at`

func scanChunk(row pgx.Row) (*processing.Chunk, error) {
	var r chunkRow
	err := row.Scan(
		&r.jobID, &r.index, &r.status, &r.extentJSON, &r.inputRef, &r.outputRef,
		&r.attemptCount, &r.boundaryJSON, &r.createdAt, &r.updatedAt, &r.completedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, processing.ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	return r.toDomain()
}

// GetChunk loads one chunk, or ErrChunkNotFound.
func (s *ChunkStore) GetChunk(ctx context.Context, jobID uuid.UUID, index int) (*processing.Chunk, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.Int("chunk_index", index),
	)
	var chunk *processing.Chunk
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_chunk", dbAttrs, func(ctx context.Context) error {
		var err error
		chunk, err = scanChunk(s.pool.QueryRow(ctx, `
			SELECT `+chunkColumns+` FROM chunks WHERE job_id = $1 AND chunk_index = $2`,
			jobID, index))
		return err
	})
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

// ListChunks returns all chunks for a job in index order.
func (s *ChunkStore) ListChunks(ctx context.Context, jobID uuid.UUID) ([]*processing.Chunk, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))
	var chunks []*processing.Chunk
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_chunks", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+chunkColumns+` FROM chunks WHERE job_id = $1 ORDER BY chunk_index`,
			jobID)
		if err != nil {
			return fmt.Errorf("query chunks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			chunk, err := scanChunk(rows)
			if err != nil {
				return err
			}
			chunks = append(chunks, chunk)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// TransitionChunk performs a compare-and-set status update.
func (s *ChunkStore) TransitionChunk(ctx context.Context, jobID uuid.UUID, index int, expected, next processing.ChunkStatus) error {
	if err := expected.ValidateTransition(next); err != nil {
		return err
	}

	dbAttrs := append(defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.Int("chunk_index", index),
		attribute.String("expected", string(expected)),
		attribute.String("next", string(next)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.transition_chunk", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE chunks
			SET status = $4,
			    updated_at = NOW(),
			    completed_at = CASE WHEN $5 THEN NOW() ELSE completed_at END
			WHERE job_id = $1 AND chunk_index = $2 AND status = $3`,
			jobID, index, string(expected), string(next), next.IsTerminal(),
		)
		if err != nil {
			return fmt.Errorf("transition chunk: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return processing.ErrStaleTransition
		}
		return nil
	})
}

// IncrementAttempt bumps and returns the chunk's attempt counter.
func (s *ChunkStore) IncrementAttempt(ctx context.Context, jobID uuid.UUID, index int) (int, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.Int("chunk_index", index),
	)
	var attempt int
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.increment_attempt", dbAttrs, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, `
			UPDATE chunks SET attempt_count = attempt_count + 1, updated_at = NOW()
			WHERE job_id = $1 AND chunk_index = $2
			RETURNING attempt_count`,
			jobID, index).Scan(&attempt)
		if errors.Is(err, pgx.ErrNoRows) {
			return processing.ErrChunkNotFound
		}
		if err != nil {
			return fmt.Errorf("increment attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return attempt, nil
}

// CompleteChunk atomically records a chunk's completion and advances the job.
// The transaction serializes per job via a row lock on the parent, so the
// completed counter is exact under concurrent worker completions and the flip
// to STITCHING is observed by exactly one caller. Duplicate deliveries find
// the chunk already DONE and return AlreadyDone without touching the counter.
func (s *ChunkStore) CompleteChunk(
	ctx context.Context,
	jobID uuid.UUID,
	index int,
	outputRef string,
	boundary *continuity.BoundaryTracks,
) (processing.CompletionResult, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.Int("chunk_index", index),
	)
	var result processing.CompletionResult
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.complete_chunk", dbAttrs, func(ctx context.Context) error {
		boundaryJSON, err := json.Marshal(boundary)
		if err != nil {
			return fmt.Errorf("marshal boundary tracks: %w", err)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin completion tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Lock the parent row first so concurrent completions for the same job
		// queue behind each other.
		var jobStatus string
		err = tx.QueryRow(ctx, `
			SELECT status FROM jobs WHERE job_id = $1 FOR UPDATE`, jobID).Scan(&jobStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return processing.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job row: %w", err)
		}
		if st := processing.ParseJobStatus(jobStatus); st.IsTerminal() {
			return processing.ErrStaleTransition
		}

		tag, err := tx.Exec(ctx, `
			UPDATE chunks
			SET status = 'DONE', output_ref = $3, boundary_tracks = $4,
			    updated_at = NOW(), completed_at = NOW()
			WHERE job_id = $1 AND chunk_index = $2 AND status <> 'DONE'`,
			jobID, index, outputRef, boundaryJSON,
		)
		if err != nil {
			return fmt.Errorf("mark chunk done: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Duplicate completion: report the counters without advancing them.
			err = tx.QueryRow(ctx, `
				SELECT chunks_completed, chunk_count FROM jobs WHERE job_id = $1`,
				jobID).Scan(&result.ChunksCompleted, &result.ChunkCount)
			if err != nil {
				return fmt.Errorf("read counters: %w", err)
			}
			result.AlreadyDone = true
			return tx.Commit(ctx)
		}

		err = tx.QueryRow(ctx, `
			UPDATE jobs SET chunks_completed = chunks_completed + 1, updated_at = NOW()
			WHERE job_id = $1
			RETURNING chunks_completed, chunk_count, status`,
			jobID).Scan(&result.ChunksCompleted, &result.ChunkCount, &jobStatus)
		if err != nil {
			return fmt.Errorf("increment chunks_completed: %w", err)
		}

		if result.ChunksCompleted == result.ChunkCount && jobStatus == string(processing.JobStatusProcessing) {
			flip, err := tx.Exec(ctx, `
				UPDATE jobs SET status = 'STITCHING', updated_at = NOW()
				WHERE job_id = $1 AND status = 'PROCESSING'`, jobID)
			if err != nil {
				return fmt.Errorf("flip to stitching: %w", err)
			}
			result.TriggerStitch = flip.RowsAffected() == 1
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return processing.CompletionResult{}, err
	}
	return result, nil
}

// FailChunk marks the chunk FAILED and propagates the cause to the job in one
// transaction. An already-terminal chunk is left untouched.
func (s *ChunkStore) FailChunk(ctx context.Context, jobID uuid.UUID, index int, cause processing.Failure) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.Int("chunk_index", index),
		attribute.String("failure_code", string(cause.Code)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.fail_chunk", dbAttrs, func(ctx context.Context) error {
		failureJSON, err := json.Marshal(cause)
		if err != nil {
			return fmt.Errorf("marshal failure: %w", err)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx, `
			UPDATE chunks
			SET status = 'FAILED', updated_at = NOW(), completed_at = NOW()
			WHERE job_id = $1 AND chunk_index = $2 AND status NOT IN ('DONE', 'FAILED')`,
			jobID, index,
		)
		if err != nil {
			return fmt.Errorf("fail chunk: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return processing.ErrStaleTransition
		}

		if _, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'FAILED',
			    failure = COALESCE(failure, $2),
			    updated_at = NOW(),
			    completed_at = NOW()
			WHERE job_id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`,
			jobID, failureJSON,
		); err != nil {
			return fmt.Errorf("propagate failure to job: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// Package memory provides in-memory implementations of the processing stores
// with the same linearizable CAS and completion-counter semantics as the
// PostgreSQL stores. Intended for unit tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/maskwright/cloakwork/internal/domain/continuity"
	"github.com/maskwright/cloakwork/internal/domain/processing"
)

var (
	_ processing.JobStore   = (*Store)(nil)
	_ processing.ChunkStore = (*Store)(nil)
)

type chunkKey struct {
	jobID uuid.UUID
	index int
}

// Store is an in-memory JobStore and ChunkStore. A single mutex stands in for
// the per-job row lock the PostgreSQL implementation takes, which is enough to
// keep the completion counter exact under concurrent callers.
type Store struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*processing.Job
	chunks map[chunkKey]*processing.Chunk
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:   make(map[uuid.UUID]*processing.Job),
		chunks: make(map[chunkKey]*processing.Chunk),
	}
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(_ context.Context, job *processing.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID()] = job
	return nil
}

// GetJob loads a job, or ErrJobNotFound.
func (s *Store) GetJob(_ context.Context, jobID uuid.UUID) (*processing.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, processing.ErrJobNotFound
	}
	return job, nil
}

// TransitionJob performs a compare-and-set status update.
func (s *Store) TransitionJob(_ context.Context, jobID uuid.UUID, expected, next processing.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return processing.ErrJobNotFound
	}
	if job.Status() != expected {
		return processing.ErrStaleTransition
	}
	return job.UpdateStatus(next)
}

// SetJobOutput records the final artifact ref.
func (s *Store) SetJobOutput(_ context.Context, jobID uuid.UUID, outputRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return processing.ErrJobNotFound
	}
	job.SetOutputRef(outputRef)
	return nil
}

// FailJob transitions a job to FAILED; no-op when already terminal.
func (s *Store) FailJob(_ context.Context, jobID uuid.UUID, cause processing.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return processing.ErrJobNotFound
	}
	if job.Status().IsTerminal() {
		return nil
	}
	return job.Fail(cause)
}

// PurgeJob drops chunk records and blanks blob refs, keeping the job row as a
// tombstone.
func (s *Store) PurgeJob(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return processing.ErrJobNotFound
	}
	for key := range s.chunks {
		if key.jobID == jobID {
			delete(s.chunks, key)
		}
	}
	s.jobs[jobID] = processing.ReconstructJob(
		jobID, job.Status(), "", "",
		job.ChunkCount(), job.ChunksCompleted(),
		job.Policy(), "", job.Failure(), job.GetTimeline(),
	)
	return nil
}

// CreateChunks seeds chunk rows and the job's chunk_count exactly once.
func (s *Store) CreateChunks(_ context.Context, jobID uuid.UUID, chunks []*processing.Chunk) error {
	if len(chunks) == 0 {
		return processing.ErrNoChunks
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return processing.ErrJobNotFound
	}
	if err := job.SeedChunks(len(chunks)); err != nil {
		return err
	}
	for _, c := range chunks {
		s.chunks[chunkKey{jobID: jobID, index: c.Index()}] = c
	}
	return nil
}

// GetChunk loads one chunk, or ErrChunkNotFound.
func (s *Store) GetChunk(_ context.Context, jobID uuid.UUID, index int) (*processing.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk, ok := s.chunks[chunkKey{jobID: jobID, index: index}]
	if !ok {
		return nil, processing.ErrChunkNotFound
	}
	return chunk, nil
}

// ListChunks returns all chunks for a job in index order.
func (s *Store) ListChunks(_ context.Context, jobID uuid.UUID) ([]*processing.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*processing.Chunk
	for key, c := range s.chunks {
		if key.jobID == jobID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out, nil
}

// TransitionChunk performs a compare-and-set status update.
func (s *Store) TransitionChunk(_ context.Context, jobID uuid.UUID, index int, expected, next processing.ChunkStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk, ok := s.chunks[chunkKey{jobID: jobID, index: index}]
	if !ok {
		return processing.ErrChunkNotFound
	}
	if chunk.Status() != expected {
		return processing.ErrStaleTransition
	}
	return chunk.UpdateStatus(next)
}

// IncrementAttempt bumps and returns the chunk's attempt counter.
func (s *Store) IncrementAttempt(_ context.Context, jobID uuid.UUID, index int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk, ok := s.chunks[chunkKey{jobID: jobID, index: index}]
	if !ok {
		return 0, processing.ErrChunkNotFound
	}
	chunk.IncrementAttempt()
	return chunk.AttemptCount(), nil
}

// CompleteChunk mirrors the PostgreSQL completion transaction: idempotent per
// chunk, exact counting, and exactly one TriggerStitch per job.
func (s *Store) CompleteChunk(
	_ context.Context,
	jobID uuid.UUID,
	index int,
	outputRef string,
	boundary *continuity.BoundaryTracks,
) (processing.CompletionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return processing.CompletionResult{}, processing.ErrJobNotFound
	}
	if job.Status().IsTerminal() {
		return processing.CompletionResult{}, processing.ErrStaleTransition
	}
	chunk, ok := s.chunks[chunkKey{jobID: jobID, index: index}]
	if !ok {
		return processing.CompletionResult{}, processing.ErrChunkNotFound
	}

	if chunk.Status() == processing.ChunkStatusDone {
		return processing.CompletionResult{
			AlreadyDone:     true,
			ChunksCompleted: job.ChunksCompleted(),
			ChunkCount:      job.ChunkCount(),
		}, nil
	}

	if err := chunk.Complete(outputRef, boundary); err != nil {
		return processing.CompletionResult{}, err
	}
	if err := job.RecordCompletion(); err != nil {
		return processing.CompletionResult{}, err
	}

	result := processing.CompletionResult{
		ChunksCompleted: job.ChunksCompleted(),
		ChunkCount:      job.ChunkCount(),
	}
	if job.ChunksCompleted() == job.ChunkCount() && job.Status() == processing.JobStatusProcessing {
		if err := job.UpdateStatus(processing.JobStatusStitching); err != nil {
			return processing.CompletionResult{}, err
		}
		result.TriggerStitch = true
	}
	return result, nil
}

// FailChunk marks the chunk FAILED and propagates the cause to the job.
func (s *Store) FailChunk(_ context.Context, jobID uuid.UUID, index int, cause processing.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk, ok := s.chunks[chunkKey{jobID: jobID, index: index}]
	if !ok {
		return processing.ErrChunkNotFound
	}
	if chunk.Status().IsTerminal() {
		return processing.ErrStaleTransition
	}
	if err := chunk.UpdateStatus(processing.ChunkStatusFailed); err != nil {
		return err
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return processing.ErrJobNotFound
	}
	if job.Status().IsTerminal() {
		return nil
	}
	return job.Fail(cause)
}

package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maskwright/cloakwork/internal/domain/policy"
	"github.com/maskwright/cloakwork/internal/domain/processing"
)

func seedJob(t *testing.T, store *Store, chunkCount int) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	jobID := uuid.New()
	pol := policy.Policy{Rules: map[policy.Target]policy.Rule{
		policy.TargetFace: {Mode: policy.ModeBlur, MinConfidence: 0.6},
	}}
	require.NoError(t, store.CreateJob(ctx, processing.NewJob(jobID, "raw/in.mp4", pol, "")))

	extents, err := processing.PlanChunks(float64(chunkCount)*60, 60, 5)
	require.NoError(t, err)
	planned := make([]*processing.Chunk, len(extents))
	for i, e := range extents {
		planned[i] = processing.NewChunk(jobID, i, e, "chunks/in")
	}
	require.NoError(t, store.CreateChunks(ctx, jobID, planned))

	require.NoError(t, store.TransitionJob(ctx, jobID, processing.JobStatusQueued, processing.JobStatusChunking))
	require.NoError(t, store.TransitionJob(ctx, jobID, processing.JobStatusChunking, processing.JobStatusProcessing))
	return jobID
}

func TestStore_SeedOnce(t *testing.T) {
	store := New()
	jobID := seedJob(t, store, 3)
	ctx := context.Background()

	dup := []*processing.Chunk{processing.NewChunk(jobID, 0, processing.Extent{End: 60, CoreEnd: 60}, "x")}
	err := store.CreateChunks(ctx, jobID, dup)
	assert.ErrorIs(t, err, processing.ErrChunksAlreadySeeded)

	listed, err := store.ListChunks(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, listed, 3)
}

func TestStore_TransitionCAS(t *testing.T) {
	store := New()
	jobID := seedJob(t, store, 2)
	ctx := context.Background()

	require.NoError(t, store.TransitionChunk(ctx, jobID, 0, processing.ChunkStatusPending, processing.ChunkStatusProcessing))
	err := store.TransitionChunk(ctx, jobID, 0, processing.ChunkStatusPending, processing.ChunkStatusProcessing)
	assert.ErrorIs(t, err, processing.ErrStaleTransition)
}

func TestStore_CompleteChunkExactlyOnceTrigger(t *testing.T) {
	store := New()
	const chunkCount = 8
	jobID := seedJob(t, store, chunkCount)
	ctx := context.Background()

	var wg sync.WaitGroup
	triggers := make(chan bool, chunkCount*2)
	for i := range chunkCount {
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := store.CompleteChunk(ctx, jobID, i, "out", nil)
				if err == nil && res.TriggerStitch {
					triggers <- true
				}
			}()
		}
	}
	wg.Wait()
	close(triggers)

	assert.Len(t, triggers, 1)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusStitching, job.Status())
	assert.Equal(t, chunkCount, job.ChunksCompleted())
}

func TestStore_FailChunkPropagates(t *testing.T) {
	store := New()
	jobID := seedJob(t, store, 2)
	ctx := context.Background()

	cause := processing.NewFailure(processing.FailureCodeCorruptInput, 0, "bad input")
	require.NoError(t, store.FailChunk(ctx, jobID, 0, cause))

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, processing.JobStatusFailed, job.Status())
	require.NotNil(t, job.Failure())
	assert.Equal(t, cause, *job.Failure())
}

func TestStore_PurgeLeavesTombstone(t *testing.T) {
	store := New()
	jobID := seedJob(t, store, 2)
	ctx := context.Background()

	require.NoError(t, store.PurgeJob(ctx, jobID))

	listed, err := store.ListChunks(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, listed)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, job.InputRef())
}

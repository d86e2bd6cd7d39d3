package continuity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summary(localID int, class string, embedding []float32) TrackSummary {
	return TrackSummary{LocalTrackID: localID, ClassLabel: class, Embedding: embedding}
}

func TestResolve_ChainsIdentityAcrossChunks(t *testing.T) {
	t.Parallel()

	// One face walks through all three chunks; its embedding drifts slightly
	// at each seam but stays well above the threshold.
	boundaries := map[int]BoundaryTracks{
		0: {
			Tail: []TrackSummary{summary(1, "FACE", []float32{1, 0, 0})},
		},
		1: {
			Head: []TrackSummary{summary(4, "FACE", []float32{0.98, 0.1, 0})},
			Tail: []TrackSummary{summary(4, "FACE", []float32{0.95, 0.2, 0})},
		},
		2: {
			Head: []TrackSummary{summary(2, "FACE", []float32{0.94, 0.22, 0})},
		},
	}

	got := Resolve(boundaries, DefaultThreshold)

	first := got[TrackKey{ChunkIndex: 0, LocalTrackID: 1}]
	assert.Equal(t, first, got[TrackKey{ChunkIndex: 1, LocalTrackID: 4}])
	assert.Equal(t, first, got[TrackKey{ChunkIndex: 2, LocalTrackID: 2}])
}

func TestResolve_OrthogonalEmbeddingsStayDistinct(t *testing.T) {
	t.Parallel()

	boundaries := map[int]BoundaryTracks{
		0: {Tail: []TrackSummary{summary(1, "FACE", []float32{1, 0, 0})}},
		1: {Head: []TrackSummary{summary(1, "FACE", []float32{0, 1, 0})}},
	}

	got := Resolve(boundaries, DefaultThreshold)

	assert.NotEqual(t,
		got[TrackKey{ChunkIndex: 0, LocalTrackID: 1}],
		got[TrackKey{ChunkIndex: 1, LocalTrackID: 1}])
}

func TestResolve_ClassLabelRestrictsMatching(t *testing.T) {
	t.Parallel()

	// Identical embeddings but different classes: a plate never merges with a face.
	boundaries := map[int]BoundaryTracks{
		0: {Tail: []TrackSummary{summary(1, "FACE", []float32{1, 0, 0})}},
		1: {Head: []TrackSummary{summary(1, "LICENSE_PLATE", []float32{1, 0, 0})}},
	}

	got := Resolve(boundaries, DefaultThreshold)

	assert.NotEqual(t,
		got[TrackKey{ChunkIndex: 0, LocalTrackID: 1}],
		got[TrackKey{ChunkIndex: 1, LocalTrackID: 1}])
}

func TestResolve_BelowThresholdNoMatch(t *testing.T) {
	t.Parallel()

	boundaries := map[int]BoundaryTracks{
		0: {Tail: []TrackSummary{summary(1, "FACE", []float32{1, 0, 0})}},
		1: {Head: []TrackSummary{summary(1, "FACE", []float32{0.7, 0.714, 0})}},
	}

	got := Resolve(boundaries, 0.99)

	assert.NotEqual(t,
		got[TrackKey{ChunkIndex: 0, LocalTrackID: 1}],
		got[TrackKey{ChunkIndex: 1, LocalTrackID: 1}])
}

func TestResolve_GreedyOneToOne(t *testing.T) {
	t.Parallel()

	// Two tail faces compete for the same two head faces. Greedy matching must
	// take the best pair first, then settle the remainder one-to-one rather
	// than letting one head absorb both tails.
	boundaries := map[int]BoundaryTracks{
		0: {Tail: []TrackSummary{
			summary(1, "FACE", []float32{1, 0, 0}),
			summary(2, "FACE", []float32{0.9, 0.4, 0}),
		}},
		1: {Head: []TrackSummary{
			summary(1, "FACE", []float32{0.99, 0.05, 0}),
			summary(2, "FACE", []float32{0.88, 0.42, 0}),
		}},
	}

	got := Resolve(boundaries, DefaultThreshold)

	assert.Equal(t,
		got[TrackKey{ChunkIndex: 0, LocalTrackID: 1}],
		got[TrackKey{ChunkIndex: 1, LocalTrackID: 1}])
	assert.Equal(t,
		got[TrackKey{ChunkIndex: 0, LocalTrackID: 2}],
		got[TrackKey{ChunkIndex: 1, LocalTrackID: 2}])
	assert.NotEqual(t,
		got[TrackKey{ChunkIndex: 0, LocalTrackID: 1}],
		got[TrackKey{ChunkIndex: 0, LocalTrackID: 2}])
}

func TestResolve_GlobalIDsAreFirstAppearanceOrdered(t *testing.T) {
	t.Parallel()

	boundaries := map[int]BoundaryTracks{
		0: {Tail: []TrackSummary{
			summary(3, "FACE", []float32{1, 0, 0}),
			summary(7, "VEHICLE", []float32{0, 1, 0}),
		}},
		1: {Head: []TrackSummary{
			summary(2, "FACE", []float32{1, 0, 0}),
		}},
	}

	got := Resolve(boundaries, DefaultThreshold)

	require.Len(t, got, 3)
	assert.Equal(t, 0, got[TrackKey{ChunkIndex: 0, LocalTrackID: 3}])
	assert.Equal(t, 1, got[TrackKey{ChunkIndex: 0, LocalTrackID: 7}])
	assert.Equal(t, 0, got[TrackKey{ChunkIndex: 1, LocalTrackID: 2}])
}

func TestResolve_EmptyInput(t *testing.T) {
	t.Parallel()

	got := Resolve(map[int]BoundaryTracks{}, DefaultThreshold)
	assert.Empty(t, got)
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, CosineSimilarity([]float32{0.5, 0.5}, []float32{1, 1}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}

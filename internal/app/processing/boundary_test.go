package processing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maskwright/cloakwork/internal/domain/continuity"
	"github.com/maskwright/cloakwork/internal/domain/processing"
)

// middleExtent is chunk 1 of a 60s/5s plan over a long video: padded span
// [55, 125), core [60, 120). Chunk-local duration is 70s. The span shared with
// chunk 0 is the 10s head window [0, 10); the span shared with chunk 2 is the
// 10s tail window [60, 70).
var middleExtent = processing.Extent{Start: 55, End: 125, CoreStart: 60, CoreEnd: 120}

func TestComputeBoundaryTracks_Windows(t *testing.T) {
	t.Parallel()

	observations := []processing.Observation{
		// In the head window [0, 10); the sighting at 8.0 falls past the seam
		// padding but still inside the span shared with the previous chunk.
		obs(1, 2.0, "FACE", 0.9, continuity.Rect{X: 10, W: 40, H: 40}),
		obs(1, 8.0, "FACE", 0.9, continuity.Rect{X: 14, W: 40, H: 40}),
		// Mid-chunk only: must not appear in either summary.
		obs(2, 30.0, "FACE", 0.9, continuity.Rect{X: 200, W: 40, H: 40}),
		// In the tail window [60, 70); 61.0 is in the first half of the span
		// shared with the next chunk.
		obs(3, 61.0, "PERSON", 0.8, continuity.Rect{X: 300, W: 60, H: 180}),
	}
	observations[1].Embedding = []float32{0.5, 0.5}
	observations[3].Embedding = []float32{1, 0}

	boundary := ComputeBoundaryTracks(observations, middleExtent)
	require.NotNil(t, boundary)

	require.Len(t, boundary.Head, 1)
	assert.Equal(t, 1, boundary.Head[0].LocalTrackID)
	assert.Equal(t, "FACE", boundary.Head[0].ClassLabel)
	// Last sighting in the window wins.
	assert.Equal(t, 14.0, boundary.Head[0].LastBBox.X)
	assert.Equal(t, []float32{0.5, 0.5}, boundary.Head[0].Embedding)

	require.Len(t, boundary.Tail, 1)
	assert.Equal(t, 3, boundary.Tail[0].LocalTrackID)
}

// A track seen only in the first half of the shared overlap is still part of
// the seam: the neighbor observes the same span, so both summaries must carry
// it or the resolver has nothing to match.
func TestComputeBoundaryTracks_CoversFullSharedOverlap(t *testing.T) {
	t.Parallel()

	observations := []processing.Observation{
		// Absolute [115, 120): inside chunk 2's padded extent but before this
		// chunk's own seam padding begins.
		obs(5, 62.0, "FACE", 0.9, continuity.Rect{X: 50, W: 40, H: 40}),
	}

	boundary := ComputeBoundaryTracks(observations, middleExtent)
	require.NotNil(t, boundary)
	require.Len(t, boundary.Tail, 1)
	assert.Equal(t, 5, boundary.Tail[0].LocalTrackID)
}

func TestComputeBoundaryTracks_FirstChunkHasNoHead(t *testing.T) {
	t.Parallel()

	first := processing.Extent{Start: 0, End: 65, CoreStart: 0, CoreEnd: 60}
	observations := []processing.Observation{
		obs(1, 1.0, "FACE", 0.9, continuity.Rect{W: 40, H: 40}),
		obs(1, 63.0, "FACE", 0.9, continuity.Rect{W: 40, H: 40}),
	}

	boundary := ComputeBoundaryTracks(observations, first)
	require.NotNil(t, boundary)
	assert.Empty(t, boundary.Head)
	require.Len(t, boundary.Tail, 1)
}

func TestComputeBoundaryTracks_LastChunkHasNoTail(t *testing.T) {
	t.Parallel()

	last := processing.Extent{Start: 115, End: 125, CoreStart: 120, CoreEnd: 125}
	observations := []processing.Observation{
		obs(1, 1.0, "FACE", 0.9, continuity.Rect{W: 40, H: 40}),
	}

	boundary := ComputeBoundaryTracks(observations, last)
	require.NotNil(t, boundary)
	require.Len(t, boundary.Head, 1)
	assert.Empty(t, boundary.Tail)
}

func TestComputeBoundaryTracks_EmptyWindows(t *testing.T) {
	t.Parallel()

	boundary := ComputeBoundaryTracks(nil, middleExtent)
	require.NotNil(t, boundary)
	assert.Empty(t, boundary.Head)
	assert.Empty(t, boundary.Tail)
}

// An entity crossing a seam is observed once in each adjacent chunk, at the
// same absolute time. Both chunks must summarize it, and the resolver must
// unify the two local tracks into one global identity.
func TestComputeBoundaryTracks_SeamContinuity(t *testing.T) {
	t.Parallel()

	embedding := []float32{1, 0}

	// Absolute t=117s: chunk 1 sees it at local 62s, chunk 2 at local 2s.
	prevExtent := processing.Extent{Start: 55, End: 125, CoreStart: 60, CoreEnd: 120}
	prevObs := obs(9, 62.0, "FACE", 0.9, continuity.Rect{X: 100, W: 40, H: 40})
	prevObs.Embedding = embedding

	nextExtent := processing.Extent{Start: 115, End: 125, CoreStart: 120, CoreEnd: 125}
	nextObs := obs(4, 2.0, "FACE", 0.9, continuity.Rect{X: 100, W: 40, H: 40})
	nextObs.Embedding = embedding

	prevBoundary := ComputeBoundaryTracks([]processing.Observation{prevObs}, prevExtent)
	nextBoundary := ComputeBoundaryTracks([]processing.Observation{nextObs}, nextExtent)

	require.Len(t, prevBoundary.Tail, 1, "chunk 1 must summarize the shared overlap")
	require.Len(t, nextBoundary.Head, 1, "chunk 2 must summarize the shared overlap")

	identities := continuity.Resolve(map[int]continuity.BoundaryTracks{
		1: {Tail: prevBoundary.Tail},
		2: {Head: nextBoundary.Head},
	}, continuity.DefaultThreshold)

	assert.Equal(t,
		identities[continuity.TrackKey{ChunkIndex: 1, LocalTrackID: 9}],
		identities[continuity.TrackKey{ChunkIndex: 2, LocalTrackID: 4}],
		"the same entity on both sides of a seam must share one global identity")
}

// Package continuity resolves tracked-entity identity across chunk boundaries.
// Chunks are processed in parallel by workers with no shared memory, so each
// chunk assigns its own local track ids. The resolver reconciles those ids into
// global identities using only the persisted boundary summaries, which makes the
// result independent of chunk completion order.
package continuity

import "math"

// Rect is an axis-aligned bounding box in pixel coordinates.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// TrackSummary condenses one local track's presence inside a boundary overlap
// window: its class, a fixed-length appearance embedding, and where it was last
// seen. Summaries are produced independently per chunk and persisted on DONE;
// they are the only tracking state that ever crosses a chunk boundary.
type TrackSummary struct {
	LocalTrackID            int       `json:"local_track_id"`
	ClassLabel              string    `json:"class_label"`
	Embedding               []float32 `json:"embedding"`
	LastBBox                Rect      `json:"last_bbox"`
	LastFrameOffsetInWindow int       `json:"last_frame_offset_in_window"`
}

// BoundaryTracks holds both boundary summary sets for one chunk. The head set
// covers the overlap shared with the previous chunk (empty for chunk 0); the
// tail set covers the overlap shared with the next chunk (empty for the last).
// Adjacent head/tail sets describe the same physical timespan.
type BoundaryTracks struct {
	Head []TrackSummary `json:"head"`
	Tail []TrackSummary `json:"tail"`
}

// CosineSimilarity returns the cosine of the angle between two embeddings.
// Mismatched lengths or a zero-norm vector yield 0, which can never clear a
// positive match threshold.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

package processing

import (
	"sort"

	"github.com/maskwright/cloakwork/internal/domain/continuity"
	"github.com/maskwright/cloakwork/internal/domain/processing"
)

// ComputeBoundaryTracks condenses a chunk's observations into the head and tail
// track summaries persisted on completion. Each window covers the full span the
// chunk physically shares with its neighbor: adjacent padded extents overlap by
// twice the seam padding, so both sides of a seam summarize the same timespan
// and the resolver compares like with like. Windows are expressed in
// chunk-local seconds; a chunk with no neighbor on a side (the first and last
// chunks) gets an empty set for that side.
func ComputeBoundaryTracks(observations []processing.Observation, extent processing.Extent) *continuity.BoundaryTracks {
	duration := extent.End - extent.Start
	headWindow := 2 * (extent.CoreStart - extent.Start)
	tailWindow := 2 * (extent.End - extent.CoreEnd)
	if headWindow > duration {
		headWindow = duration
	}
	if tailWindow > duration {
		tailWindow = duration
	}

	head := summarizeWindow(observations, 0, headWindow)
	tail := summarizeWindow(observations, duration-tailWindow, duration)
	if headWindow <= 0 {
		head = nil
	}
	if tailWindow <= 0 {
		tail = nil
	}
	return &continuity.BoundaryTracks{Head: head, Tail: tail}
}

// summarizeWindow produces one TrackSummary per local track observed inside
// [from, to), keyed on the track's last observation in the window. Summaries
// come out in ascending local id order so persisted JSON is stable.
func summarizeWindow(observations []processing.Observation, from, to float64) []continuity.TrackSummary {
	if to <= from {
		return nil
	}

	last := make(map[int]processing.Observation)
	embedding := make(map[int][]float32)
	for _, obs := range observations {
		if obs.TimeOffset < from || obs.TimeOffset >= to {
			continue
		}
		prev, seen := last[obs.LocalTrackID]
		if !seen || obs.TimeOffset > prev.TimeOffset ||
			(obs.TimeOffset == prev.TimeOffset && obs.FrameIndex > prev.FrameIndex) {
			last[obs.LocalTrackID] = obs
		}
		// Keep the freshest non-empty embedding; detectors may omit embeddings
		// on some frames.
		if len(obs.Embedding) > 0 {
			embedding[obs.LocalTrackID] = obs.Embedding
		}
	}
	if len(last) == 0 {
		return nil
	}

	ids := make([]int, 0, len(last))
	for id := range last {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	summaries := make([]continuity.TrackSummary, 0, len(ids))
	for _, id := range ids {
		obs := last[id]
		summaries = append(summaries, continuity.TrackSummary{
			LocalTrackID:            id,
			ClassLabel:              obs.ClassLabel,
			Embedding:               embedding[id],
			LastBBox:                obs.BBox,
			LastFrameOffsetInWindow: obs.FrameIndex,
		})
	}
	return summaries
}

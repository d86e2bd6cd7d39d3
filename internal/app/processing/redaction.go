// Package processing contains the worker-side application service: the chunk
// processor and the pure helpers that turn detector observations into
// redaction boxes and boundary summaries.
package processing

import (
	"sort"

	"github.com/maskwright/cloakwork/internal/domain/continuity"
	"github.com/maskwright/cloakwork/internal/domain/policy"
	"github.com/maskwright/cloakwork/internal/domain/processing"
)

const (
	// smoothingWindow is the moving-average window (in observations) applied to
	// box geometry before rendering, suppressing per-frame detector jitter.
	smoothingWindow = 5

	// maxTrackGap is the largest gap in seconds between consecutive observations
	// of one track that still counts as continuous presence.
	maxTrackGap = 0.5

	// segmentDuration bounds how long one rendered box may span. Long runs are
	// split so a moving entity is covered by a sequence of tight boxes instead
	// of one huge union.
	segmentDuration = 0.5

	// headRegionFraction is the top portion of a PERSON box treated as the head
	// when the policy covers FACE but the detector only localized the person.
	headRegionFraction = 0.20

	// plateRegionFraction is the bottom portion of a VEHICLE box treated as the
	// plate area when the policy covers LICENSE_PLATE.
	plateRegionFraction = 0.25
)

// trackObservations groups one local track's accepted observations, already
// mapped to the rect that must be covered and the mode to cover it with.
type trackObservations struct {
	localTrackID int
	mode         policy.Mode
	obs          []processing.Observation
	rects        []continuity.Rect
}

// BuildRedactionBoxes converts raw observations into rendering instructions
// under the given policy. The output is deterministic for a given input:
// tracks are processed in ascending local id order and every list is sorted
// before use, so a retried attempt renders the identical artifact.
func BuildRedactionBoxes(observations []processing.Observation, pol policy.Policy, matcher *policy.TextMatcher) []processing.RedactionBox {
	tracks := selectTracks(observations, pol, matcher)

	ids := make([]int, 0, len(tracks))
	for id := range tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var boxes []processing.RedactionBox
	for _, id := range ids {
		track := tracks[id]
		smoothed := smoothRects(track.rects)
		boxes = append(boxes, segmentTrack(track.obs, smoothed, track.mode)...)
	}
	return boxes
}

// selectTracks filters observations through the policy and groups survivors by
// local track id. Unknown class labels are skipped; derived-region heuristics
// map container classes onto the sub-region the policy actually covers.
func selectTracks(observations []processing.Observation, pol policy.Policy, matcher *policy.TextMatcher) map[int]*trackObservations {
	tracks := make(map[int]*trackObservations)

	for _, obs := range observations {
		target, err := policy.ParseTarget(obs.ClassLabel)
		if err != nil {
			continue
		}

		rect := obs.BBox
		mode, accepted := decideTreatment(target, obs, pol, &rect)

		// Visible PII or credentials force the hardest treatment regardless of
		// confidence or class coverage.
		if matcher != nil && obs.OCRText != "" && matcher.Match(obs.OCRText) {
			mode, accepted = policy.ModeBlackBox, true
			rect = obs.BBox
		}
		if !accepted {
			continue
		}

		track, ok := tracks[obs.LocalTrackID]
		if !ok {
			track = &trackObservations{localTrackID: obs.LocalTrackID, mode: mode}
			tracks[obs.LocalTrackID] = track
		}
		// BLACK_BOX dominates when any observation of the track demands it.
		if mode == policy.ModeBlackBox {
			track.mode = mode
		}
		track.obs = append(track.obs, obs)
		track.rects = append(track.rects, rect)
	}

	for _, track := range tracks {
		sortTrack(track)
	}
	return tracks
}

// decideTreatment resolves the mode for one observation, applying confidence
// thresholds and derived-region heuristics. It may shrink rect in place.
func decideTreatment(target policy.Target, obs processing.Observation, pol policy.Policy, rect *continuity.Rect) (policy.Mode, bool) {
	if rule, ok := pol.RuleFor(target); ok {
		if obs.Confidence >= policy.EffectiveThreshold(target, rule) {
			return rule.Mode, true
		}
		return "", false
	}

	// The policy does not cover the detected class directly; a contained
	// target may still be derivable from the container geometry.
	switch target {
	case policy.TargetPerson:
		if rule, ok := pol.RuleFor(policy.TargetFace); ok && obs.Confidence >= rule.MinConfidence {
			rect.H *= headRegionFraction
			return rule.Mode, true
		}
	case policy.TargetVehicle:
		if rule, ok := pol.RuleFor(policy.TargetLicensePlate); ok && obs.Confidence >= rule.MinConfidence {
			offset := rect.H * (1 - plateRegionFraction)
			rect.Y += offset
			rect.H *= plateRegionFraction
			return rule.Mode, true
		}
	}
	return "", false
}

func sortTrack(track *trackObservations) {
	idx := make([]int, len(track.obs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return track.obs[idx[a]].TimeOffset < track.obs[idx[b]].TimeOffset
	})

	obs := make([]processing.Observation, len(idx))
	rects := make([]continuity.Rect, len(idx))
	for i, j := range idx {
		obs[i] = track.obs[j]
		rects[i] = track.rects[j]
	}
	track.obs = obs
	track.rects = rects
}

// smoothRects applies a centered moving average to box geometry.
func smoothRects(rects []continuity.Rect) []continuity.Rect {
	if len(rects) <= 2 {
		return rects
	}
	half := smoothingWindow / 2
	out := make([]continuity.Rect, len(rects))
	for i := range rects {
		lo := max(0, i-half)
		hi := min(len(rects)-1, i+half)
		var acc continuity.Rect
		for j := lo; j <= hi; j++ {
			acc.X += rects[j].X
			acc.Y += rects[j].Y
			acc.W += rects[j].W
			acc.H += rects[j].H
		}
		n := float64(hi - lo + 1)
		out[i] = continuity.Rect{X: acc.X / n, Y: acc.Y / n, W: acc.W / n, H: acc.H / n}
	}
	return out
}

// segmentTrack slices one track's presence into rendered boxes: continuous runs
// (gaps <= maxTrackGap) are cut into segments of at most segmentDuration, each
// covered by the union of its smoothed rects.
func segmentTrack(obs []processing.Observation, rects []continuity.Rect, mode policy.Mode) []processing.RedactionBox {
	var boxes []processing.RedactionBox

	i := 0
	for i < len(obs) {
		segStart := obs[i].TimeOffset
		union := rects[i]
		j := i + 1
		for j < len(obs) &&
			obs[j].TimeOffset-obs[j-1].TimeOffset <= maxTrackGap &&
			obs[j].TimeOffset-segStart < segmentDuration {
			union = unionRect(union, rects[j])
			j++
		}

		end := obs[j-1].TimeOffset
		if j < len(obs) && obs[j].TimeOffset-obs[j-1].TimeOffset <= maxTrackGap {
			// The run continues; cover up to the next segment's first frame.
			end = obs[j].TimeOffset
		} else {
			// Run ends here; hold the box one gap beyond the last sighting.
			end += maxTrackGap
		}

		boxes = append(boxes, processing.RedactionBox{
			Start: segStart,
			End:   end,
			Rect:  union,
			Mode:  mode,
		})
		i = j
	}
	return boxes
}

func unionRect(a, b continuity.Rect) continuity.Rect {
	x1 := min(a.X, b.X)
	y1 := min(a.Y, b.Y)
	x2 := max(a.X+a.W, b.X+b.W)
	y2 := max(a.Y+a.H, b.Y+b.H)
	return continuity.Rect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

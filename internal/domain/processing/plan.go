package processing

import (
	"fmt"
	"math"
)

// Extent is a chunk's time span within the source video, in seconds. Start/End
// include the overlap padding shared with neighbors; CoreStart/CoreEnd is the
// span the chunk contributes to the final concatenation, so stitching reproduces
// the original timeline without duplicated overlap.
type Extent struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	CoreStart float64 `json:"core_start"`
	CoreEnd   float64 `json:"core_end"`
}

// Duration returns the padded length of the extent.
func (e Extent) Duration() float64 { return e.End - e.Start }

// PlanChunks computes chunk extents for a video of the given duration. Chunk i
// covers [i*D - W, (i+1)*D + W) clamped to [0, duration), where D is the nominal
// chunk duration and W the overlap window carried into adjacent chunks so that
// the same physical timespan is observed from both sides of every seam.
func PlanChunks(duration, chunkDuration, overlap float64) ([]Extent, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("video duration must be positive, got %v", duration)
	}
	if chunkDuration <= 0 {
		return nil, fmt.Errorf("chunk duration must be positive, got %v", chunkDuration)
	}
	if overlap < 0 || overlap >= chunkDuration {
		return nil, fmt.Errorf("overlap must be in [0, chunk duration), got %v", overlap)
	}

	count := int(math.Ceil(duration / chunkDuration))
	extents := make([]Extent, count)
	for i := range count {
		coreStart := float64(i) * chunkDuration
		coreEnd := math.Min(duration, float64(i+1)*chunkDuration)
		extents[i] = Extent{
			Start:     math.Max(0, coreStart-overlap),
			End:       math.Min(duration, coreEnd+overlap),
			CoreStart: coreStart,
			CoreEnd:   coreEnd,
		}
	}
	return extents, nil
}

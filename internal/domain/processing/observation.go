package processing

import (
	"github.com/maskwright/cloakwork/internal/domain/continuity"
	"github.com/maskwright/cloakwork/internal/domain/policy"
)

// Observation is one detection emitted by the tracking capability for one frame:
// a bounding box with class, confidence, the tracker's local identity, an
// appearance embedding, and OCR text when the detector reads screen text.
type Observation struct {
	FrameIndex   int             `json:"frame_index"`
	TimeOffset   float64         `json:"time_offset"`
	BBox         continuity.Rect `json:"bbox"`
	ClassLabel   string          `json:"class_label"`
	Confidence   float64         `json:"confidence"`
	LocalTrackID int             `json:"local_track_id"`
	Embedding    []float32       `json:"embedding"`
	OCRText      string          `json:"ocr_text,omitempty"`
}

// RedactionBox is one rendering instruction: cover the region with the given
// mode for the half-open time interval [Start, End), in seconds from chunk start.
type RedactionBox struct {
	Start float64         `json:"start"`
	End   float64         `json:"end"`
	Rect  continuity.Rect `json:"rect"`
	Mode  policy.Mode     `json:"mode"`
}

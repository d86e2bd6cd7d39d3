package media

import (
	"fmt"
	"sort"
	"strings"

	"github.com/maskwright/cloakwork/internal/domain/policy"
	"github.com/maskwright/cloakwork/internal/domain/processing"
)

// BuildFiltergraph renders redaction boxes as an ffmpeg filtergraph. The graph
// is deterministic for a given box set: boxes are sorted before emission so a
// retried attempt produces a byte-identical filter string. Returns "" for an
// empty box set.
//
// BLUR and PIXELATE composite a filtered copy of the region back over the
// original via crop+overlay, enabled only inside the box's time interval.
// BLACK_BOX is a plain drawbox fill.
func BuildFiltergraph(boxes []processing.RedactionBox) string {
	if len(boxes) == 0 {
		return ""
	}

	sorted := make([]processing.RedactionBox, len(boxes))
	copy(sorted, boxes)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Rect.X != b.Rect.X {
			return a.Rect.X < b.Rect.X
		}
		if a.Rect.Y != b.Rect.Y {
			return a.Rect.Y < b.Rect.Y
		}
		return a.Mode < b.Mode
	})

	var sb strings.Builder
	prev := "[0:v]"
	for i, box := range sorted {
		if i > 0 {
			sb.WriteString(";")
		}
		out := fmt.Sprintf("[v%d]", i)
		if i == len(sorted)-1 {
			out = "" // last stage is the graph output
		}

		enable := fmt.Sprintf("between(t\\,%s\\,%s)", formatSeconds(box.Start), formatSeconds(box.End))
		x, y := formatPx(box.Rect.X), formatPx(box.Rect.Y)
		w, h := formatPx(box.Rect.W), formatPx(box.Rect.H)

		switch box.Mode {
		case policy.ModeBlackBox:
			fmt.Fprintf(&sb, "%sdrawbox=x=%s:y=%s:w=%s:h=%s:color=black:t=fill:enable='%s'%s",
				prev, x, y, w, h, enable, out)
		case policy.ModePixelate:
			fmt.Fprintf(&sb,
				"%ssplit=2[p%da][p%db];[p%db]crop=%s:%s:%s:%s,scale=iw/16:ih/16,scale=%s:%s:flags=neighbor[p%dr];[p%da][p%dr]overlay=%s:%s:enable='%s'%s",
				prev, i, i, i, w, h, x, y, w, h, i, i, i, x, y, enable, out)
		default: // BLUR
			fmt.Fprintf(&sb,
				"%ssplit=2[b%da][b%db];[b%db]crop=%s:%s:%s:%s,boxblur=luma_radius=20:luma_power=2[b%dr];[b%da][b%dr]overlay=%s:%s:enable='%s'%s",
				prev, i, i, i, w, h, x, y, i, i, i, x, y, enable, out)
		}
		prev = fmt.Sprintf("[v%d]", i)
	}
	return sb.String()
}

// formatPx renders a pixel coordinate rounded to an even integer, as required
// by yuv420p chroma subsampling.
func formatPx(v float64) string {
	px := int(v)
	if px < 0 {
		px = 0
	}
	px -= px % 2
	return fmt.Sprintf("%d", px)
}

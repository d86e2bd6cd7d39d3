package media

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maskwright/cloakwork/internal/domain/continuity"
	"github.com/maskwright/cloakwork/internal/domain/policy"
	"github.com/maskwright/cloakwork/internal/domain/processing"
)

func sampleBoxes() []processing.RedactionBox {
	return []processing.RedactionBox{
		{Start: 0, End: 1.5, Rect: continuity.Rect{X: 100, Y: 50, W: 64, H: 64}, Mode: policy.ModeBlur},
		{Start: 0.5, End: 2, Rect: continuity.Rect{X: 320, Y: 200, W: 128, H: 40}, Mode: policy.ModeBlackBox},
		{Start: 1, End: 3, Rect: continuity.Rect{X: 10, Y: 10, W: 32, H: 32}, Mode: policy.ModePixelate},
	}
}

func TestBuildFiltergraph_Empty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, BuildFiltergraph(nil))
}

func TestBuildFiltergraph_Deterministic(t *testing.T) {
	t.Parallel()

	boxes := sampleBoxes()
	want := BuildFiltergraph(boxes)

	// Any input ordering must yield the same graph; retried attempts rely on it.
	rng := rand.New(rand.NewSource(42))
	for range 10 {
		shuffled := make([]processing.RedactionBox, len(boxes))
		copy(shuffled, boxes)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, want, BuildFiltergraph(shuffled))
	}
}

func TestBuildFiltergraph_Modes(t *testing.T) {
	t.Parallel()

	graph := BuildFiltergraph(sampleBoxes())
	assert.Contains(t, graph, "boxblur=")
	assert.Contains(t, graph, "drawbox=")
	assert.Contains(t, graph, "flags=neighbor")
	assert.Contains(t, graph, "enable='between(t\\,0.000\\,1.500)'")
}

func TestBuildFiltergraph_EvenPixelCoordinates(t *testing.T) {
	t.Parallel()

	boxes := []processing.RedactionBox{
		{Start: 0, End: 1, Rect: continuity.Rect{X: 101.7, Y: 53.2, W: 65, H: 33}, Mode: policy.ModeBlackBox},
	}
	graph := BuildFiltergraph(boxes)
	assert.Contains(t, graph, "x=100:y=52:w=64:h=32")
}

func TestBuildFiltergraph_SingleBoxTerminates(t *testing.T) {
	t.Parallel()

	boxes := sampleBoxes()[:1]
	graph := BuildFiltergraph(boxes)
	assert.False(t, strings.HasSuffix(graph, "]"), "last stage must be the unnamed graph output: %s", graph)
}

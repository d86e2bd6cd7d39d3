package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_AddsNewTarget(t *testing.T) {
	t.Parallel()

	base := Policy{
		Profile: ProfileCCPA,
		Rules: map[Target]Rule{
			TargetFace: {Mode: ModeBlur, MinConfidence: 0.55},
		},
	}

	merged := Merge(base, map[Target]Rule{
		TargetLogo: {Mode: ModePixelate, MinConfidence: 0.80},
	})

	assert.Equal(t, ProfileCCPA, merged.Profile)
	assert.Equal(t, Rule{Mode: ModePixelate, MinConfidence: 0.80}, merged.Rules[TargetLogo])
	assert.Equal(t, Rule{Mode: ModeBlur, MinConfidence: 0.55}, merged.Rules[TargetFace])
}

func TestMerge_MandateKeepsItsMode(t *testing.T) {
	t.Parallel()

	base := Policy{
		Rules: map[Target]Rule{
			TargetFace: {Mode: ModeBlackBox, MinConfidence: 0.70},
		},
	}

	// The request tries to soften BLACK_BOX to BLUR; the mode must not budge.
	merged := Merge(base, map[Target]Rule{
		TargetFace: {Mode: ModeBlur, MinConfidence: 0.70},
	})

	assert.Equal(t, ModeBlackBox, merged.Rules[TargetFace].Mode)
}

func TestMerge_ThresholdOnlyTightens(t *testing.T) {
	t.Parallel()

	base := Policy{
		Rules: map[Target]Rule{
			TargetFace: {Mode: ModeBlur, MinConfidence: 0.60},
		},
	}

	raised := Merge(base, map[Target]Rule{TargetFace: {Mode: ModeBlur, MinConfidence: 0.90}})
	assert.Equal(t, 0.90, raised.Rules[TargetFace].MinConfidence)

	lowered := Merge(base, map[Target]Rule{TargetFace: {Mode: ModeBlur, MinConfidence: 0.30}})
	assert.Equal(t, 0.60, lowered.Rules[TargetFace].MinConfidence)
}

func TestMerge_DoesNotMutateBase(t *testing.T) {
	t.Parallel()

	base := Policy{
		Rules: map[Target]Rule{
			TargetFace: {Mode: ModeBlur, MinConfidence: 0.60},
		},
	}

	_ = Merge(base, map[Target]Rule{TargetFace: {Mode: ModeBlur, MinConfidence: 0.95}})

	assert.Equal(t, 0.60, base.Rules[TargetFace].MinConfidence)
}

func TestEffectiveThreshold_LicensePlateFloor(t *testing.T) {
	t.Parallel()

	// Plate detectors score low; a policy threshold above the floor is clamped
	// down to it.
	got := EffectiveThreshold(TargetLicensePlate, Rule{Mode: ModeBlur, MinConfidence: 0.60})
	assert.Equal(t, LicensePlateFloor, got)

	// A threshold already below the floor is honored as-is.
	got = EffectiveThreshold(TargetLicensePlate, Rule{Mode: ModeBlur, MinConfidence: 0.10})
	assert.Equal(t, 0.10, got)

	// Other targets keep their configured threshold.
	got = EffectiveThreshold(TargetFace, Rule{Mode: ModeBlur, MinConfidence: 0.60})
	assert.Equal(t, 0.60, got)
}

func TestPolicy_CoversAndRuleFor(t *testing.T) {
	t.Parallel()

	p := Policy{
		Rules: map[Target]Rule{
			TargetScreenText: {Mode: ModePixelate, MinConfidence: 0.60},
		},
	}

	assert.True(t, p.Covers(TargetScreenText))
	assert.False(t, p.Covers(TargetVehicle))

	r, ok := p.RuleFor(TargetScreenText)
	require.True(t, ok)
	assert.Equal(t, ModePixelate, r.Mode)

	_, ok = p.RuleFor(TargetVehicle)
	assert.False(t, ok)
}

func TestPolicy_TargetsSorted(t *testing.T) {
	t.Parallel()

	p := Policy{
		Rules: map[Target]Rule{
			TargetVehicle:      {Mode: ModeBlur, MinConfidence: 0.5},
			TargetFace:         {Mode: ModeBlur, MinConfidence: 0.5},
			TargetLicensePlate: {Mode: ModeBlur, MinConfidence: 0.5},
		},
	}

	assert.Equal(t, []Target{TargetFace, TargetLicensePlate, TargetVehicle}, p.Targets())
}

func TestParseTarget(t *testing.T) {
	t.Parallel()

	target, err := ParseTarget("LICENSE_PLATE")
	require.NoError(t, err)
	assert.Equal(t, TargetLicensePlate, target)

	_, err = ParseTarget("BICYCLE")
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	mode, err := ParseMode("BLACK_BOX")
	require.NoError(t, err)
	assert.Equal(t, ModeBlackBox, mode)

	_, err = ParseMode("SEPIA")
	assert.Error(t, err)
}

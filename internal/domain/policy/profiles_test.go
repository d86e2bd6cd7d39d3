package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LookupBuiltins(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	gdpr, err := reg.Lookup(ProfileGDPR)
	require.NoError(t, err)
	assert.Equal(t, Rule{Mode: ModeBlur, MinConfidence: 0.60}, gdpr.Rules[TargetFace])
	assert.Equal(t, Rule{Mode: ModePixelate, MinConfidence: 0.60}, gdpr.Rules[TargetScreenText])
	assert.False(t, gdpr.Covers(TargetPerson))

	ccpa, err := reg.Lookup(ProfileCCPA)
	require.NoError(t, err)
	assert.Equal(t, Rule{Mode: ModeBlur, MinConfidence: 0.55}, ccpa.Rules[TargetLicensePlate])
	assert.Len(t, ccpa.Rules, 2)

	hipaa, err := reg.Lookup(ProfileHIPAASafeHarbor)
	require.NoError(t, err)
	assert.Len(t, hipaa.Rules, 6)
	for _, target := range hipaa.Targets() {
		rule, _ := hipaa.RuleFor(target)
		assert.Equal(t, ModeBlackBox, rule.Mode)
		assert.Equal(t, 0.70, rule.MinConfidence)
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	_, err := reg.Lookup("SOX")
	assert.ErrorContains(t, err, "unknown compliance profile")
}

func TestRegistry_LoadProfiles(t *testing.T) {
	t.Parallel()

	path := writeRulesFile(t, `
profiles:
  GDPR:
    rules:
      FACE:
        mode: BLACK_BOX
        min_confidence: 0.5
  INTERNAL_REVIEW:
    rules:
      SCREEN_TEXT:
        mode: PIXELATE
        min_confidence: 0.4
`)

	reg := NewRegistry()
	require.NoError(t, reg.LoadProfiles(path))

	// A file entry replaces the builtin of the same name wholesale.
	gdpr, err := reg.Lookup(ProfileGDPR)
	require.NoError(t, err)
	assert.Equal(t, Rule{Mode: ModeBlackBox, MinConfidence: 0.5}, gdpr.Rules[TargetFace])
	assert.Len(t, gdpr.Rules, 1)

	custom, err := reg.Lookup("INTERNAL_REVIEW")
	require.NoError(t, err)
	assert.Equal(t, "INTERNAL_REVIEW", custom.Profile)
	assert.Equal(t, Rule{Mode: ModePixelate, MinConfidence: 0.4}, custom.Rules[TargetScreenText])

	// Untouched builtins survive the merge.
	_, err = reg.Lookup(ProfileCCPA)
	assert.NoError(t, err)
}

func TestRegistry_LoadProfilesRejectsUnknownTarget(t *testing.T) {
	t.Parallel()

	path := writeRulesFile(t, `
profiles:
  CUSTOM:
    rules:
      BICYCLE:
        mode: BLUR
        min_confidence: 0.5
`)

	reg := NewRegistry()
	assert.ErrorContains(t, reg.LoadProfiles(path), "unknown redaction target")
}

func TestRegistry_LoadProfilesRejectsUnknownMode(t *testing.T) {
	t.Parallel()

	path := writeRulesFile(t, `
profiles:
  CUSTOM:
    rules:
      FACE:
        mode: SEPIA
        min_confidence: 0.5
`)

	reg := NewRegistry()
	assert.ErrorContains(t, reg.LoadProfiles(path), "unknown redaction mode")
}

func TestRegistry_LoadProfilesMissingFile(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	assert.Error(t, reg.LoadProfiles(filepath.Join(t.TempDir(), "absent.yaml")))
}

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// Package policy defines what gets redacted and how: detection targets,
// redaction modes, per-class confidence thresholds, compliance profiles, and
// the text rules that force redaction of visible PII or credentials.
package policy

import (
	"fmt"
	"sort"
)

// Target is a detectable entity class subject to redaction.
type Target string

const (
	TargetFace         Target = "FACE"
	TargetLicensePlate Target = "LICENSE_PLATE"
	TargetPerson       Target = "PERSON"
	TargetVehicle      Target = "VEHICLE"
	TargetScreenText   Target = "SCREEN_TEXT"
	TargetLogo         Target = "LOGO"
)

// ParseTarget converts a string to a Target.
func ParseTarget(s string) (Target, error) {
	switch Target(s) {
	case TargetFace, TargetLicensePlate, TargetPerson, TargetVehicle, TargetScreenText, TargetLogo:
		return Target(s), nil
	default:
		return "", fmt.Errorf("unknown redaction target %q", s)
	}
}

// Mode is the visual treatment applied to a redacted region.
type Mode string

const (
	ModeBlur     Mode = "BLUR"
	ModePixelate Mode = "PIXELATE"
	ModeBlackBox Mode = "BLACK_BOX"
)

// ParseMode converts a string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBlur, ModePixelate, ModeBlackBox:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown redaction mode %q", s)
	}
}

// Rule is the redaction decision for one target class.
type Rule struct {
	Mode          Mode    `json:"mode" yaml:"mode"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
}

// Policy is the full redaction contract snapshotted onto a job at creation.
// Once snapshotted it never changes, so retried chunk attempts render the same
// class of output.
type Policy struct {
	// Profile names the compliance profile the policy was derived from, empty
	// for fully custom policies.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// Rules maps each redacted target to its treatment.
	Rules map[Target]Rule `json:"rules" yaml:"rules"`
}

// Covers reports whether the policy redacts the given target.
func (p Policy) Covers(t Target) bool {
	_, ok := p.Rules[t]
	return ok
}

// RuleFor returns the rule for a target and whether one exists.
func (p Policy) RuleFor(t Target) (Rule, bool) {
	r, ok := p.Rules[t]
	return r, ok
}

// Targets returns the redacted targets in stable order.
func (p Policy) Targets() []Target {
	out := make([]Target, 0, len(p.Rules))
	for t := range p.Rules {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Merge layers a request's additions over a profile. Requests may add targets
// and raise thresholds but can never remove a profile mandate, lower a profile
// threshold, or soften a forced mode.
func Merge(base Policy, additions map[Target]Rule) Policy {
	merged := Policy{Profile: base.Profile, Rules: make(map[Target]Rule, len(base.Rules)+len(additions))}
	for t, r := range base.Rules {
		merged.Rules[t] = r
	}
	for t, add := range additions {
		existing, mandated := merged.Rules[t]
		if !mandated {
			merged.Rules[t] = add
			continue
		}
		// A mandate keeps its mode; only a stricter threshold passes through.
		if add.MinConfidence > existing.MinConfidence {
			existing.MinConfidence = add.MinConfidence
		}
		merged.Rules[t] = existing
	}
	return merged
}

// LicensePlateFloor is the confidence floor applied to LICENSE_PLATE detections
// regardless of the policy threshold. Plate detectors run conservative, so the
// policy threshold alone would drop most true positives.
const LicensePlateFloor = 0.15

// EffectiveThreshold returns the confidence a detection of the given target must
// clear to be redacted under the rule.
func EffectiveThreshold(t Target, r Rule) float64 {
	if t == TargetLicensePlate && r.MinConfidence > LicensePlateFloor {
		return LicensePlateFloor
	}
	return r.MinConfidence
}

package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Built-in compliance profile names.
const (
	ProfileGDPR            = "GDPR"
	ProfileCCPA            = "CCPA"
	ProfileHIPAASafeHarbor = "HIPAA_SAFE_HARBOR"
)

// builtinProfiles are the compiled-in defaults. A rules file (LoadProfiles) can
// extend or override them per deployment.
var builtinProfiles = map[string]Policy{
	ProfileGDPR: {
		Profile: ProfileGDPR,
		Rules: map[Target]Rule{
			TargetFace:         {Mode: ModeBlur, MinConfidence: 0.60},
			TargetLicensePlate: {Mode: ModeBlur, MinConfidence: 0.60},
			TargetScreenText:   {Mode: ModePixelate, MinConfidence: 0.60},
		},
	},
	ProfileCCPA: {
		Profile: ProfileCCPA,
		Rules: map[Target]Rule{
			TargetFace:         {Mode: ModeBlur, MinConfidence: 0.55},
			TargetLicensePlate: {Mode: ModeBlur, MinConfidence: 0.55},
		},
	},
	// Safe harbor requires full de-identification; every target is masked hard.
	ProfileHIPAASafeHarbor: {
		Profile: ProfileHIPAASafeHarbor,
		Rules: map[Target]Rule{
			TargetFace:         {Mode: ModeBlackBox, MinConfidence: 0.70},
			TargetLicensePlate: {Mode: ModeBlackBox, MinConfidence: 0.70},
			TargetPerson:       {Mode: ModeBlackBox, MinConfidence: 0.70},
			TargetVehicle:      {Mode: ModeBlackBox, MinConfidence: 0.70},
			TargetScreenText:   {Mode: ModeBlackBox, MinConfidence: 0.70},
			TargetLogo:         {Mode: ModeBlackBox, MinConfidence: 0.70},
		},
	},
}

// Registry resolves profile names to policies.
type Registry struct {
	profiles map[string]Policy
}

// NewRegistry returns a registry seeded with the built-in profiles.
func NewRegistry() *Registry {
	profiles := make(map[string]Policy, len(builtinProfiles))
	for name, p := range builtinProfiles {
		profiles[name] = p
	}
	return &Registry{profiles: profiles}
}

// Lookup returns the named profile.
func (r *Registry) Lookup(name string) (Policy, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Policy{}, fmt.Errorf("unknown compliance profile %q", name)
	}
	return p, nil
}

// profilesFile is the YAML shape of an external rules file.
type profilesFile struct {
	Profiles map[string]struct {
		Rules map[string]Rule `yaml:"rules"`
	} `yaml:"profiles"`
}

// LoadProfiles merges profiles from a YAML rules file over the built-ins.
// Unknown targets in the file are rejected rather than silently dropped.
func (r *Registry) LoadProfiles(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading profile rules file: %w", err)
	}

	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing profile rules file: %w", err)
	}

	for name, spec := range file.Profiles {
		p := Policy{Profile: name, Rules: make(map[Target]Rule, len(spec.Rules))}
		for rawTarget, rule := range spec.Rules {
			target, err := ParseTarget(rawTarget)
			if err != nil {
				return fmt.Errorf("profile %q: %w", name, err)
			}
			if _, err := ParseMode(string(rule.Mode)); err != nil {
				return fmt.Errorf("profile %q target %q: %w", name, target, err)
			}
			p.Rules[target] = rule
		}
		r.profiles[name] = p
	}
	return nil
}

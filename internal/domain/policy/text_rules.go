package policy

import (
	"fmt"

	regexp "github.com/wasilibs/go-re2"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// TextMatcher scans OCR'd screen text for PII shapes and visible credentials.
// Any hit forces BLACK_BOX redaction of the region at any confidence, since a
// readable secret or identifier leaks regardless of detector certainty.
type TextMatcher struct {
	patterns []*regexp.Regexp
	detector *detect.Detector
}

// piiPatterns cover the identifier shapes that commonly appear in screen
// recordings: emails, phone numbers, and national id number shapes.
var piiPatterns = []string{
	`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`,
	`\+?\d{1,3}[ .\-]?\(?\d{2,4}\)?[ .\-]?\d{3,4}[ .\-]?\d{3,4}`,
	`\b\d{3}-\d{2}-\d{4}\b`,
	`\b[A-Z]{2}\d{6}[A-Z]?\b`,
}

// NewTextMatcher compiles the PII patterns and builds a secret detector with
// the default gitleaks ruleset.
func NewTextMatcher() (*TextMatcher, error) {
	patterns := make([]*regexp.Regexp, 0, len(piiPatterns))
	for _, p := range piiPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling pii pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("building secret detector: %w", err)
	}

	return &TextMatcher{patterns: patterns, detector: detector}, nil
}

// Match reports whether the text contains PII or a detectable credential.
func (m *TextMatcher) Match(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range m.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return len(m.detector.DetectString(text)) > 0
}

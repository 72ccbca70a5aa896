package security

import "log/slog"

// ObfuscationPrefix distinguishes obfuscation matches from direct overrides.
const ObfuscationPrefix = "obfuscation:"

// Detector classifies text as an injection attempt or not.
type Detector struct {
	allow       []Pattern
	override    []Pattern
	obfuscation []Pattern
}

// NewDetector returns a detector using the built-in pattern tables.
func NewDetector() *Detector {
	return &Detector{
		allow:       disagreementPatterns,
		override:    overridePatterns,
		obfuscation: obfuscationPatterns,
	}
}

// Detect reports whether text looks like a manipulation attempt and which
// pattern tag matched. Disagreement with the coach is never suspicious, even
// when the same message also contains a danger phrase.
func (d *Detector) Detect(text string) (bool, string) {
	normalized := Normalize(text)

	if p, ok := firstMatch(d.allow, normalized); ok {
		slog.Debug("Detector.Detect: disagreement pattern matched, not suspicious", "pattern", p.Tag)
		return false, ""
	}

	if p, ok := firstMatch(d.override, normalized); ok {
		slog.Info("Detector.Detect: override pattern matched", "pattern", p.Tag)
		return true, p.Tag
	}

	if p, ok := firstMatch(d.obfuscation, normalized); ok {
		slog.Info("Detector.Detect: obfuscation pattern matched", "pattern", p.Tag)
		return true, ObfuscationPrefix + p.Tag
	}

	return false, ""
}

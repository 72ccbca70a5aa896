package security

import "slices"

// Redactor replaces secret-shaped substrings with typed placeholders.
type Redactor struct {
	patterns []Pattern
}

// NewRedactor returns a redactor using the built-in sensitive-data table.
func NewRedactor() *Redactor {
	return &Redactor{patterns: sensitivePatterns}
}

// Placeholder returns the token that replaces a secret of the given kind.
func Placeholder(kind string) string {
	return "[REDACTED_" + kind + "]"
}

// Redact scans the original (non-normalized) text. Patterns run in table
// order, each over the output of the previous one, and every kind is listed
// once no matter how many instances were replaced.
func (r *Redactor) Redact(text string) (string, []string) {
	var kinds []string
	redacted := text
	for _, p := range r.patterns {
		if !p.Regex.MatchString(redacted) {
			continue
		}
		redacted = p.Regex.ReplaceAllLiteralString(redacted, Placeholder(p.Tag))
		if !slices.Contains(kinds, p.Tag) {
			kinds = append(kinds, p.Tag)
		}
	}
	return redacted, kinds
}

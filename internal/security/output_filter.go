package security

import (
	"log/slog"

	"github.com/BTreeMap/GateCoach/internal/metrics"
)

// SafeRefusal replaces any agent reply that looks like a leak.
const SafeRefusal = "That's not how this works."

// OutputFilter blocks agent replies that reveal instructions or redaction markers.
type OutputFilter struct {
	patterns    []Pattern
	replacement string
}

// NewOutputFilter returns a filter using the built-in leak table.
func NewOutputFilter() *OutputFilter {
	return &OutputFilter{patterns: leakPatterns, replacement: SafeRefusal}
}

// Filter returns the reply unchanged, or the fixed refusal when any leak
// pattern matches. Leaky replies are replaced whole, never partially.
func (f *OutputFilter) Filter(text string) (string, bool) {
	if p, ok := firstMatch(f.patterns, text); ok {
		slog.Warn("OutputFilter.Filter: leak pattern matched, replacing reply", "pattern", p.Tag, "length", len(text))
		metrics.OutputFiltered.Inc()
		return f.replacement, true
	}
	return text, false
}

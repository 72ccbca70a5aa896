package flow

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// IsCompletion reports whether the user's message says the current step is done.
func (p *Policy) IsCompletion(message string) bool {
	msg := strings.ToLower(strings.TrimSpace(message))
	for _, signal := range p.CompletionSignals {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}

func (p *Policy) containsHandoff(s string) bool {
	lower := strings.ToLower(s)
	for _, phrase := range p.HandoffPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// DetectStepAssignment looks for a hand-off phrase in the coach's reply. When
// one is present the step is the sentence before it, or the first sentence
// when the hand-off opens the reply. Sentences are split on '.' only.
func (p *Policy) DetectStepAssignment(reply string) (string, bool) {
	if !p.containsHandoff(reply) {
		return "", false
	}

	sentences := strings.Split(reply, ".")
	step := strings.TrimSpace(sentences[0])
	for i, sentence := range sentences {
		if p.containsHandoff(sentence) {
			if i > 0 {
				step = strings.TrimSpace(sentences[i-1])
			}
			break
		}
	}
	if step == "" {
		return "", false
	}
	return step, true
}

// ExtractName scans the user's message for a self-introduction. Patterns are
// tried in order; a denylisted or single-letter capture moves on to the next
// pattern.
func (p *Policy) ExtractName(message string) (string, bool) {
	msg := strings.ToLower(strings.TrimSpace(message))
	for _, re := range p.namePatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		name := m[1]
		if _, denied := p.denylist[name]; denied || utf8.RuneCountInString(name) <= 1 {
			continue
		}
		first, size := utf8.DecodeRuneInString(name)
		return string(unicode.ToUpper(first)) + name[size:], true
	}
	return "", false
}

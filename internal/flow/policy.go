// Package flow implements the per-turn coaching state machine.
package flow

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy holds the English-colloquial tables the state machine matches
// against. Every table can be replaced from a YAML file; omitted tables keep
// their defaults.
type Policy struct {
	CompletionSignals []string `yaml:"completion_signals"`
	HandoffPhrases    []string `yaml:"handoff_phrases"`
	NamePatterns      []string `yaml:"name_patterns"`
	NameDenylist      []string `yaml:"name_denylist"`

	namePatterns []*regexp.Regexp
	denylist     map[string]struct{}
}

// DefaultPolicy returns the built-in tables.
func DefaultPolicy() *Policy {
	p := &Policy{
		CompletionSignals: []string{
			"done", "did it", "finished", "completed", "i did",
			"just did", "got it done", "it's done", "okay done",
			"alright done", "yes done", "yep done", "did that",
			"okay i did", "alright i did", "yes i did", "yep i did",
			"i did it", "i've done", "ive done", "just finished",
			"okay i did it", "alright i did it", "done it",
		},
		HandoffPhrases: []string{
			"when you've done this, tell me",
			"when done, tell me",
			"tell me when done",
			"tell me when you've done",
			"let me know when",
			"when you're done",
		},
		NamePatterns: []string{
			`(?:i'm|im|i am)\s+([a-z]+)`,
			`(?:my name is|name's|names)\s+([a-z]+)`,
			`(?:call me|they call me)\s+([a-z]+)`,
			`(?:it's|its)\s+([a-z]+)`,
			`^([a-z]+)\s+here$`,
			`^([a-z]+)$`,
		},
		NameDenylist: []string{
			"me", "i", "my", "the", "a", "an", "ok", "okay", "yes", "no",
			"hey", "hi", "hello", "good", "fine", "great", "done", "did",
			"just", "yep", "yeah",
		},
	}
	if err := p.compile(); err != nil {
		panic(fmt.Sprintf("default policy does not compile: %v", err))
	}
	return p
}

// LoadPolicy reads a YAML policy file on top of the defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var override Policy
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	p := DefaultPolicy()
	if override.CompletionSignals != nil {
		p.CompletionSignals = override.CompletionSignals
	}
	if override.HandoffPhrases != nil {
		p.HandoffPhrases = override.HandoffPhrases
	}
	if override.NamePatterns != nil {
		p.NamePatterns = override.NamePatterns
	}
	if override.NameDenylist != nil {
		p.NameDenylist = override.NameDenylist
	}
	if err := p.compile(); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	slog.Info("Policy.LoadPolicy: policy loaded", "path", path,
		"completionSignals", len(p.CompletionSignals), "handoffPhrases", len(p.HandoffPhrases),
		"namePatterns", len(p.NamePatterns))
	return p, nil
}

func (p *Policy) compile() error {
	p.namePatterns = p.namePatterns[:0]
	for _, expr := range p.NamePatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("name pattern %q: %w", expr, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("name pattern %q has no capture group", expr)
		}
		p.namePatterns = append(p.namePatterns, re)
	}
	p.denylist = make(map[string]struct{}, len(p.NameDenylist))
	for _, w := range p.NameDenylist {
		p.denylist[strings.ToLower(w)] = struct{}{}
	}
	for i, s := range p.CompletionSignals {
		p.CompletionSignals[i] = strings.ToLower(s)
	}
	for i, s := range p.HandoffPhrases {
		p.HandoffPhrases[i] = strings.ToLower(s)
	}
	return nil
}

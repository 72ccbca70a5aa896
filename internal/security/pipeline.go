package security

import (
	"log/slog"
	"unicode/utf8"

	"github.com/BTreeMap/GateCoach/internal/metrics"
	"github.com/BTreeMap/GateCoach/internal/models"
)

// SanitizeResult describes one pass of the sanitizer over a message.
// Truncated and Suspicious are never both true.
type SanitizeResult struct {
	Text           string   `json:"text"`
	Truncated      bool     `json:"truncated"`
	Suspicious     bool     `json:"suspicious"`
	MatchedPattern string   `json:"matched_pattern,omitempty"`
	Redactions     []string `json:"redactions"`
	Blocked        bool     `json:"blocked"`
	BlockReason    string   `json:"block_reason,omitempty"`
}

// Sanitizer runs the per-message checks: length guard, detection and redaction.
type Sanitizer struct {
	detector  *Detector
	redactor  *Redactor
	maxLength int
}

// NewSanitizer creates a sanitizer that truncates input longer than maxLength runes.
func NewSanitizer(detector *Detector, redactor *Redactor, maxLength int) *Sanitizer {
	return &Sanitizer{detector: detector, redactor: redactor, maxLength: maxLength}
}

// Sanitize inspects text. Overlong input is cut to maxLength and not analyzed
// further, though its prefix is still redacted.
func (s *Sanitizer) Sanitize(text string) SanitizeResult {
	if s.maxLength > 0 && utf8.RuneCountInString(text) > s.maxLength {
		prefix := truncateRunes(text, s.maxLength)
		redacted, kinds := s.redactor.Redact(prefix)
		return SanitizeResult{Text: redacted, Truncated: true, Redactions: kinds}
	}

	suspicious, pattern := s.detector.Detect(text)
	redacted, kinds := s.redactor.Redact(text)
	return SanitizeResult{
		Text:           redacted,
		Suspicious:     suspicious,
		MatchedPattern: pattern,
		Redactions:     kinds,
	}
}

func truncateRunes(text string, n int) string {
	count := 0
	for i := range text {
		if count == n {
			return text[:i]
		}
		count++
	}
	return text
}

// PipelineResult is the outcome of ProcessInput. When Allowed is false only
// Reason is meaningful and Text is empty.
type PipelineResult struct {
	SanitizeResult
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	Warning    bool   `json:"warning"`
	Escalating bool   `json:"escalating"`
	FlagCount  int    `json:"flag_count"`
}

// Pipeline composes the limiter, sanitizer, monitor and output filter.
type Pipeline struct {
	limiter   *RateLimiter
	sanitizer *Sanitizer
	monitor   *Monitor
	filter    *OutputFilter
}

// NewPipeline wires the built-in security layers around a shared RateStore.
func NewPipeline(store *RateStore, opts ...Option) *Pipeline {
	o := buildOpts(opts)
	detector := NewDetector()
	return &Pipeline{
		limiter:   &RateLimiter{store: store, opts: o},
		sanitizer: NewSanitizer(detector, NewRedactor(), o.MaxMessageLength),
		monitor:   NewMonitor(detector),
		filter:    NewOutputFilter(),
	}
}

// Limiter exposes the rate limiter for operator tooling.
func (p *Pipeline) Limiter() *RateLimiter {
	return p.limiter
}

// ProcessInput runs every inbound check for one message. recent is the
// user's prior history, oldest first; the current message is appended to it
// for the escalation check.
func (p *Pipeline) ProcessInput(userID, text string, recent []models.ChatTurn) PipelineResult {
	if ok, reason := p.limiter.CheckAndRecord(userID); !ok {
		metrics.SecurityDecisions.WithLabelValues(metrics.OutcomeRateLimited).Inc()
		return PipelineResult{
			SanitizeResult: SanitizeResult{Blocked: true, BlockReason: reason},
			Reason:         reason,
		}
	}

	res := PipelineResult{SanitizeResult: p.sanitizer.Sanitize(text)}
	if len(res.Redactions) > 0 {
		metrics.SecurityDecisions.WithLabelValues(metrics.OutcomeRedacted).Inc()
		slog.Info("Pipeline.ProcessInput: sensitive data redacted", "userID", userID, "kinds", res.Redactions)
	}

	if res.Truncated {
		slog.Info("Pipeline.ProcessInput: input truncated", "userID", userID, "length", utf8.RuneCountInString(text))
		metrics.SecurityDecisions.WithLabelValues(metrics.OutcomeTruncated).Inc()
		res.Allowed = true
		return res
	}

	if res.Suspicious {
		metrics.SecurityDecisions.WithLabelValues(metrics.OutcomeSuspicious).Inc()
		if p.limiter.RecordSuspicious(userID) {
			metrics.SecurityDecisions.WithLabelValues(metrics.OutcomeBlocked).Inc()
			return PipelineResult{
				SanitizeResult: SanitizeResult{
					Suspicious:     true,
					MatchedPattern: res.MatchedPattern,
					Blocked:        true,
					BlockReason:    ReasonViolations,
				},
				Reason: ReasonViolations,
			}
		}
		res.Warning = true
	}

	window := make([]models.ChatTurn, 0, len(recent)+1)
	window = append(window, recent...)
	window = append(window, models.ChatTurn{Role: models.RoleUser, Content: text})
	if escalating, count := p.monitor.CheckEscalation(window); escalating {
		metrics.SecurityDecisions.WithLabelValues(metrics.OutcomeEscalation).Inc()
		slog.Warn("Pipeline.ProcessInput: escalation detected", "userID", userID, "flags", count)
		res.Escalating = true
		res.FlagCount = count
	}

	metrics.SecurityDecisions.WithLabelValues(metrics.OutcomeAllowed).Inc()
	res.Allowed = true
	return res
}

// ProcessOutput applies the leak filter to an agent reply.
func (p *Pipeline) ProcessOutput(text string) string {
	filtered, _ := p.filter.Filter(text)
	return filtered
}

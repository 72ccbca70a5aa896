// Package genai provides the coaching agent backed by the OpenAI chat completions API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/GateCoach/internal/metrics"
	"github.com/BTreeMap/GateCoach/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"
	// DefaultMaxTokens caps the length of a coaching reply.
	DefaultMaxTokens = 300
	// FallbackVoicePrompt is used when the voice prompt file cannot be read.
	FallbackVoicePrompt = "you are gate. direct, short responses. help people execute."

	sectionSeparator = "\n\n---\n\n"
	frameworksHeader = "## FRAMEWORKS (Your Operating Logic)\n\n"
	contextHeader    = "## What you know about this person\n\n"
	firstContactNote = "first conversation - ask what they're trying to do"
)

var (
	// ErrGeneration wraps any upstream failure of the completion call.
	ErrGeneration = errors.New("generation failed")
	// ErrNoChoicesReturned is returned when the API answers without choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyResponse is returned when the reply is empty after cleanup.
	ErrEmptyResponse = errors.New("empty response")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the SDK's completion service to chatService.
type completionsService struct {
	svc *openai.ChatCompletionService
}

func (c completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey           string
	BaseURL          string
	Model            string
	MaxTokens        int64
	SystemPromptFile string
	KnowledgeDir     string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey overrides the API key used by the GenAI client.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithMaxTokens caps reply length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithSystemPromptFile sets the voice prompt file.
func WithSystemPromptFile(path string) Option {
	return func(o *Opts) { o.SystemPromptFile = path }
}

// WithKnowledgeDir sets the directory of framework documents (*.md).
func WithKnowledgeDir(dir string) Option {
	return func(o *Opts) { o.KnowledgeDir = dir }
}

// Client is the coaching agent. It is safe for concurrent use.
type Client struct {
	chat         chatService
	model        string
	maxTokens    int64
	systemPrompt string
	knowledge    string
}

// NewClient initializes a new GenAI client. The API key comes from options or
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		slog.Error("GenAI.NewClient: API key not set")
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	c := &Client{
		chat:         completionsService{svc: &cli.Chat.Completions},
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: loadVoicePrompt(cfg.SystemPromptFile),
		knowledge:    loadKnowledge(cfg.KnowledgeDir),
	}
	slog.Info("GenAI.NewClient: client ready", "model", c.model,
		"promptChars", len(c.systemPrompt), "knowledgeChars", len(c.knowledge))
	return c, nil
}

func loadVoicePrompt(path string) string {
	if path == "" {
		return FallbackVoicePrompt
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("GenAI.loadVoicePrompt: voice prompt unreadable, using fallback", "path", path, "error", err)
		return FallbackVoicePrompt
	}
	return string(data)
}

func loadKnowledge(dir string) string {
	if dir == "" {
		return ""
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil || len(files) == 0 {
		slog.Warn("GenAI.loadKnowledge: no knowledge documents found", "dir", dir)
		return ""
	}
	sort.Strings(files)

	var parts []string
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			slog.Error("GenAI.loadKnowledge: failed to read document", "file", f, "error", err)
			continue
		}
		stem := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		parts = append(parts, "### "+stem+"\n\n"+string(data))
		slog.Debug("GenAI.loadKnowledge: loaded document", "file", filepath.Base(f), "chars", len(data))
	}
	if len(parts) == 0 {
		return ""
	}
	return frameworksHeader + strings.Join(parts, sectionSeparator)
}

// contextNotes renders what the agent knows about the user.
func contextNotes(ac models.AgentContext) string {
	var lines []string
	if ac.Name != "" {
		lines = append(lines, "their name is "+ac.Name)
	}
	if ac.Commitment != "" {
		lines = append(lines, "what they committed to: "+ac.Commitment)
	}
	if ac.Deadline != "" {
		lines = append(lines, "their deadline: "+ac.Deadline)
	}
	c := ac.Coaching
	if c.CurrentStep != nil && *c.CurrentStep != "" {
		lines = append(lines, "current step they're working on: "+*c.CurrentStep)
	}
	if c.AwaitingCompletion {
		lines = append(lines, "you are waiting for them to complete the step before giving the next one")
	}
	if len(c.CompletedSteps) > 0 {
		lines = append(lines, fmt.Sprintf("steps they've completed: %d", len(c.CompletedSteps)))
	}
	if c.TrueConstraint != nil && *c.TrueConstraint != "" {
		lines = append(lines, "the true constraint you identified: "+*c.TrueConstraint)
	}
	if len(lines) == 0 {
		return firstContactNote
	}
	return strings.Join(lines, "\n")
}

// SystemPrompt assembles the full system message for one turn.
func (c *Client) SystemPrompt(ac models.AgentContext) string {
	parts := []string{c.systemPrompt}
	if c.knowledge != "" {
		parts = append(parts, c.knowledge)
	}
	parts = append(parts, contextHeader+contextNotes(ac))
	return strings.Join(parts, sectionSeparator)
}

// Generate produces the coach's reply to history, oldest turn first.
func (c *Client) Generate(ctx context.Context, history []models.ChatTurn, ac models.AgentContext) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, openai.SystemMessage(c.SystemPrompt(ac)))
	for _, turn := range history {
		switch turn.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	metrics.AgentLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Error("GenAI.Generate: completion failed", "error", err, "turns", len(history))
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI.Generate: no choices returned")
		return "", ErrNoChoicesReturned
	}

	reply := EnforceVoice(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyResponse
	}
	slog.Debug("GenAI.Generate: reply generated", "chars", len(reply), "elapsed", time.Since(start))
	return reply, nil
}

// roleContinuation matches a line where the model starts writing the next
// speaker's turn.
var roleContinuation = regexp.MustCompile(`(?i)\n(?:user|gate|human|assistant):`)

// EnforceVoice trims quotes and any invented continuation of the dialogue,
// then lowercases the first letter unless the first word is "I" or looks
// like a name.
func EnforceVoice(text string) string {
	text = strings.Trim(strings.TrimSpace(text), `"'`)

	if loc := roleContinuation.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	first, size := utf8.DecodeRuneInString(text)
	if !unicode.IsUpper(first) || first == 'I' {
		return text
	}
	word := strings.Fields(text)[0]
	switch strings.ToLower(word) {
	case "i", "i'm", "i'll", "i've":
		return text
	}
	for _, r := range word[size:] {
		if unicode.IsUpper(r) {
			return text
		}
	}
	return string(unicode.ToLower(first)) + text[size:]
}

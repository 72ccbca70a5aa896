package genai

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/BTreeMap/GateCoach/internal/models"
	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
	calls  int
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.calls++
	m.params = params
	return m.resp, m.err
}

func replyWith(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func testClient(chat chatService) *Client {
	return &Client{chat: chat, model: DefaultModel, maxTokens: DefaultMaxTokens, systemPrompt: FallbackVoicePrompt}
}

func TestGenerate_Success(t *testing.T) {
	mock := &mockChatService{resp: replyWith("What's the one thing blocking you?")}
	client := testClient(mock)

	history := []models.ChatTurn{
		{Role: models.RoleUser, Content: "hey"},
		{Role: models.RoleAssistant, Content: "what are you working on?"},
		{Role: models.RoleUser, Content: "a course"},
	}
	out, err := client.Generate(context.Background(), history, models.AgentContext{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "what's the one thing blocking you?" {
		t.Errorf("unexpected reply %q", out)
	}
	if got := len(mock.params.Messages); got != 4 {
		t.Errorf("sent %d messages, want system + 3", got)
	}
}

func TestGenerate_ServiceError(t *testing.T) {
	client := testClient(&mockChatService{err: errors.New("service failure")})
	_, err := client.Generate(context.Background(), nil, models.AgentContext{})
	if !errors.Is(err, ErrGeneration) || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected wrapped service failure, got %v", err)
	}
}

func TestGenerate_NoChoices(t *testing.T) {
	client := testClient(&mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}})
	_, err := client.Generate(context.Background(), nil, models.AgentContext{})
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerate_EmptyAfterCleanup(t *testing.T) {
	client := testClient(&mockChatService{resp: replyWith(`  ""  `)})
	_, err := client.Generate(context.Background(), nil, models.AgentContext{})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected empty response error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-4o" {
		t.Errorf("model = %q", cli.model)
	}
	if cli.systemPrompt != FallbackVoicePrompt {
		t.Error("expected fallback voice prompt without a prompt file")
	}
}

func TestNewClient_LoadsPromptAndKnowledge(t *testing.T) {
	dir := t.TempDir()
	voice := filepath.Join(dir, "voice.md")
	knowledge := filepath.Join(dir, "knowledge")
	if err := os.Mkdir(knowledge, 0o755); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, voice, "you are gate.")
	mustWrite(t, filepath.Join(knowledge, "b_constraints.md"), "find the constraint")
	mustWrite(t, filepath.Join(knowledge, "a_steps.md"), "one step at a time")
	mustWrite(t, filepath.Join(knowledge, "notes.txt"), "ignored")

	cli, err := NewClient(WithAPIKey("k"), WithSystemPromptFile(voice), WithKnowledgeDir(knowledge))
	if err != nil {
		t.Fatal(err)
	}

	prompt := cli.SystemPrompt(models.AgentContext{})
	if !strings.HasPrefix(prompt, "you are gate.") {
		t.Errorf("prompt does not start with voice: %q", prompt)
	}
	a := strings.Index(prompt, "### a_steps")
	b := strings.Index(prompt, "### b_constraints")
	if a < 0 || b < 0 || a > b {
		t.Errorf("knowledge missing or unsorted: %q", prompt)
	}
	if strings.Contains(prompt, "ignored") {
		t.Error("non-markdown file loaded")
	}
	if !strings.HasSuffix(prompt, firstContactNote) {
		t.Errorf("missing first-contact note: %q", prompt)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestContextNotes(t *testing.T) {
	step := "email three clients"
	ac := models.AgentContext{
		Name: "Sam",
		Coaching: models.CoachingState{
			CurrentStep:        &step,
			AwaitingCompletion: true,
			CompletedSteps:     []string{"a", "b"},
		},
	}
	notes := contextNotes(ac)
	for _, want := range []string{
		"their name is Sam",
		"current step they're working on: email three clients",
		"you are waiting for them to complete the step",
		"steps they've completed: 2",
	} {
		if !strings.Contains(notes, want) {
			t.Errorf("notes missing %q:\n%s", want, notes)
		}
	}
}

func TestEnforceVoice(t *testing.T) {
	cases := map[string]string{
		`"Good. What's next?"`:                     "good. What's next?",
		"I think you should ship it.":              "I think you should ship it.",
		"I'm not sure that's it.":                  "I'm not sure that's it.",
		"McKinsey would say otherwise.":            "McKinsey would say otherwise.",
		"ok go.\nUser: done\nGate: nice":           "ok go.",
		"Send it.\nassistant: and then":            "send it.",
		"   ":                                      "",
		// Lowercasing changes the byte length of these runes.
		"ȺȺȺȺȺȺȺȺ\nuser:":      "ȺȺȺȺȺȺȺȺ",
		"İİİİİİİ\nuser: hi":    "İİİİİİİ",
		"Ship İt.\nGATE: sure": "ship İt.",
	}
	for in, want := range cases {
		got := EnforceVoice(in)
		if got != want {
			t.Errorf("EnforceVoice(%q) = %q, want %q", in, got, want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("EnforceVoice(%q) returned invalid UTF-8 %q", in, got)
		}
	}
}

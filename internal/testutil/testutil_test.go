package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/GateCoach/internal/models"
)

// mockTestingT records failures instead of failing the real test.
type mockTestingT struct {
	failed   bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...any) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...any) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func TestScriptedAgent(t *testing.T) {
	a := NewScriptedAgent("first", "second")
	ctx := context.Background()
	for i, want := range []string{"first", "second", "second"} {
		got, err := a.Generate(ctx, []models.ChatTurn{{Role: models.RoleUser, Content: fmt.Sprint(i)}}, models.AgentContext{})
		if err != nil || got != want {
			t.Errorf("call %d = (%q, %v), want %q", i, got, err, want)
		}
	}
	if a.Calls() != 3 || a.LastHistory()[0].Content != "2" {
		t.Errorf("calls = %d, last = %+v", a.Calls(), a.LastHistory())
	}

	a.Err = errors.New("boom")
	if _, err := a.Generate(ctx, nil, models.AgentContext{}); err == nil {
		t.Error("expected configured error")
	}
}

func TestNewCoachFlow_EndToEnd(t *testing.T) {
	agent := NewScriptedAgent("Write the first paragraph. Tell me when done.", "nice. what's next?")
	f, st := NewCoachFlow(agent)
	ctx := context.Background()

	f.ProcessMessage(ctx, "u1", "i want to finish my essay", "")
	f.ProcessMessage(ctx, "u1", "done", "")

	state, err := st.LoadUserState(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Coaching.CompletedSteps) != 1 || state.Coaching.CompletedSteps[0] != "Write the first paragraph" {
		t.Errorf("completed = %v", state.Coaching.CompletedSteps)
	}
	if n, _ := st.CountMessages(ctx, "u1"); n != 4 {
		t.Errorf("messages = %d", n)
	}
}

func TestSeedAwaitingStep(t *testing.T) {
	_, st := NewCoachFlow(NewScriptedAgent())
	SeedAwaitingStep(t, st, "u1", "call the client")
	state, err := st.LoadUserState(context.Background(), "u1")
	if err != nil || state.Coaching.CurrentStep == nil || !state.Coaching.AwaitingCompletion {
		t.Errorf("seeded state = %+v, %v", state, err)
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	m := &mockTestingT{}
	AssertHTTPStatus(m, 200, 200, "match")
	if m.failed {
		t.Error("matching status reported as failure")
	}
	AssertHTTPStatus(m, 200, 404, "mismatch")
	if !m.failed {
		t.Error("mismatched status not reported")
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteString(`{"status":"ok","result":{"reply":"hi","phase":"coaching"}}`)
	m := &mockTestingT{}
	resp := AssertJSONResponse(m, rr, "ok")
	if m.failed {
		t.Fatalf("unexpected failure: %s", m.errorMsg)
	}
	var turn models.TurnResult
	ResultAs(t, resp, &turn)
	if turn.Reply != "hi" || turn.Phase != models.PhaseCoaching {
		t.Errorf("turn = %+v", turn)
	}

	bad := httptest.NewRecorder()
	bad.WriteString(`{"status":"error"}`)
	AssertJSONResponse(m, bad, "ok")
	if !m.failed {
		t.Error("status mismatch not reported")
	}

	m = &mockTestingT{}
	garbage := httptest.NewRecorder()
	garbage.WriteString(`not json`)
	AssertJSONResponse(m, garbage, "ok")
	if !m.failed {
		t.Error("invalid JSON not reported")
	}
}

func TestCreateJSONRequest(t *testing.T) {
	req := CreateJSONRequest(t, http.MethodPost, "/messages", map[string]string{"user_id": "42"})
	if req.Method != http.MethodPost || req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("request = %s %v", req.Method, req.Header)
	}
	if req.ContentLength == 0 {
		t.Error("empty body")
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/GateCoach/internal/models"
	"github.com/BTreeMap/GateCoach/internal/security"
	"github.com/BTreeMap/GateCoach/internal/store"
)

type fakeCoach struct {
	lastUser  string
	lastText  string
	lastName  string
	lastCount int
	cleared   []string
	states    map[string]*models.UserState
	history   []models.Message
	err       error
}

func (f *fakeCoach) ProcessMessage(ctx context.Context, userID, text, name string) models.TurnResult {
	f.lastUser, f.lastText, f.lastName = userID, text, name
	return models.TurnResult{Reply: "what's the next step?", Phase: models.PhaseCoaching}
}

func (f *fakeCoach) ClearUser(ctx context.Context, userID string) error {
	if f.err != nil {
		return f.err
	}
	f.cleared = append(f.cleared, userID)
	return nil
}

func (f *fakeCoach) State(ctx context.Context, userID string) (*models.UserState, error) {
	if f.err != nil {
		return nil, f.err
	}
	st, ok := f.states[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st, nil
}

func (f *fakeCoach) History(ctx context.Context, userID string, count int) ([]models.Message, error) {
	f.lastCount = count
	return f.history, f.err
}

func newTestServer(opts ...Option) (*Server, *fakeCoach, *security.RateLimiter) {
	coach := &fakeCoach{states: map[string]*models.UserState{"42": models.NewUserState("42")}}
	limiter := security.NewRateLimiter(security.NewRateStore())
	return NewServer(coach, limiter, opts...), coach, limiter
}

func do(t *testing.T, s *Server, method, path, body string, header ...string) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, r)

	var resp models.APIResponse
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid JSON body %q: %v", rr.Body.String(), err)
		}
	}
	return rr, resp
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(WithAdminToken("secret"))
	rr, resp := do(t, s, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || resp.Status != "ok" {
		t.Errorf("health = %d %+v", rr.Code, resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(WithAdminToken("secret"))
	rr, _ := do(t, s, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rr.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	s, _, _ := newTestServer(WithAdminToken("secret"))

	rr, resp := do(t, s, http.MethodGet, "/limits", "")
	if rr.Code != http.StatusUnauthorized || resp.Status != "error" {
		t.Errorf("no token = %d %+v", rr.Code, resp)
	}
	rr, _ = do(t, s, http.MethodGet, "/limits", "", "Authorization", "Bearer wrong")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d", rr.Code)
	}
	rr, _ = do(t, s, http.MethodGet, "/limits", "", "Authorization", "Bearer secret")
	if rr.Code != http.StatusOK {
		t.Errorf("right token = %d", rr.Code)
	}
}

func TestMessageHandler(t *testing.T) {
	s, coach, _ := newTestServer()

	rr, resp := do(t, s, http.MethodPost, "/messages", `{"user_id":"42","text":"i'm sam","name":"sam_k"}`)
	if rr.Code != http.StatusOK || resp.Status != "ok" {
		t.Fatalf("status = %d %+v", rr.Code, resp)
	}
	result, _ := resp.Result.(map[string]any)
	if result["reply"] != "what's the next step?" || result["phase"] != "coaching" {
		t.Errorf("result = %v", resp.Result)
	}
	if coach.lastUser != "42" || coach.lastText != "i'm sam" || coach.lastName != "sam_k" {
		t.Errorf("coach got %q %q %q", coach.lastUser, coach.lastText, coach.lastName)
	}
}

func TestMessageHandler_BadRequests(t *testing.T) {
	s, _, _ := newTestServer()
	for name, body := range map[string]string{
		"invalid json": `{`,
		"missing user": `{"text":"hi"}`,
		"missing text": `{"user_id":"42","text":"  "}`,
	} {
		rr, resp := do(t, s, http.MethodPost, "/messages", body)
		if rr.Code != http.StatusBadRequest || resp.Status != "error" {
			t.Errorf("%s: %d %+v", name, rr.Code, resp)
		}
	}
}

func TestLimitsLifecycle(t *testing.T) {
	s, _, limiter := newTestServer()

	rr, resp := do(t, s, http.MethodGet, "/limits/42", "")
	view, _ := resp.Result.(map[string]any)
	if rr.Code != http.StatusOK || view["per_minute"] != float64(10) || view["custom"] != false {
		t.Fatalf("default view = %d %v", rr.Code, resp.Result)
	}

	rr, _ = do(t, s, http.MethodPut, "/limits/42", `{"per_minute":3}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("put status = %d", rr.Code)
	}
	if got := limiter.GetLimits("42"); got.PerMinute != 3 || got.PerHour != 100 || !got.Custom {
		t.Errorf("limits after put = %+v", got)
	}

	rr, resp = do(t, s, http.MethodGet, "/limits", "")
	overrides, _ := resp.Result.(map[string]any)
	if rr.Code != http.StatusOK || len(overrides) != 1 {
		t.Errorf("list = %v", resp.Result)
	}

	rr, _ = do(t, s, http.MethodDelete, "/limits/42", "")
	if rr.Code != http.StatusOK || limiter.GetLimits("42").Custom {
		t.Errorf("delete = %d, custom still set", rr.Code)
	}
}

func TestSetLimits_Invalid(t *testing.T) {
	s, _, _ := newTestServer()
	for name, body := range map[string]string{
		"negative": `{"per_minute":-1}`,
		"empty":    `{}`,
		"bad json": `nope`,
	} {
		rr, _ := do(t, s, http.MethodPut, "/limits/42", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", name, rr.Code)
		}
	}
}

func TestStateHandler(t *testing.T) {
	s, coach, _ := newTestServer()

	rr, resp := do(t, s, http.MethodGet, "/users/42/state", "")
	state, _ := resp.Result.(map[string]any)
	if rr.Code != http.StatusOK || state["user_id"] != "42" {
		t.Errorf("state = %d %v", rr.Code, resp.Result)
	}

	rr, _ = do(t, s, http.MethodGet, "/users/nobody/state", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d", rr.Code)
	}

	coach.err = errors.New("db down")
	rr, _ = do(t, s, http.MethodGet, "/users/42/state", "")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("error status = %d", rr.Code)
	}
}

func TestHistoryHandler(t *testing.T) {
	s, coach, _ := newTestServer()
	coach.history = []models.Message{{ID: 1, Role: models.RoleUser, Content: "hey"}}

	rr, resp := do(t, s, http.MethodGet, "/users/42/history", "")
	msgs, _ := resp.Result.([]any)
	if rr.Code != http.StatusOK || len(msgs) != 1 || coach.lastCount != DefaultHistoryCount {
		t.Errorf("history = %d %v count=%d", rr.Code, resp.Result, coach.lastCount)
	}

	do(t, s, http.MethodGet, "/users/42/history?count=100000", "")
	if coach.lastCount != MaxHistoryCount {
		t.Errorf("count not capped: %d", coach.lastCount)
	}

	rr, _ = do(t, s, http.MethodGet, "/users/42/history?count=0", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("count=0 status = %d", rr.Code)
	}
}

func TestClearUserHandler(t *testing.T) {
	s, coach, _ := newTestServer()
	rr, _ := do(t, s, http.MethodDelete, "/users/42", "")
	if rr.Code != http.StatusOK || len(coach.cleared) != 1 || coach.cleared[0] != "42" {
		t.Errorf("clear = %d %v", rr.Code, coach.cleared)
	}

	coach.err = errors.New("db down")
	rr, _ = do(t, s, http.MethodDelete, "/users/42", "")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("clear error status = %d", rr.Code)
	}
}

func TestTwilioWebhookMountedWithoutAuth(t *testing.T) {
	called := false
	hook := func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}
	s, _, _ := newTestServer(WithAdminToken("secret"), WithTwilioWebhook(hook))

	rr, _ := do(t, s, http.MethodPost, "/webhooks/twilio", "From=x&Body=y", "Content-Type", "application/x-www-form-urlencoded")
	if rr.Code != http.StatusOK || !called {
		t.Errorf("webhook = %d called=%v", rr.Code, called)
	}
}

func TestTwilioWebhookNotMounted(t *testing.T) {
	s, _, _ := newTestServer()
	rr, _ := do(t, s, http.MethodPost, "/webhooks/twilio", "")
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestWriteJSONResponse_MarshalFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, models.Success(make(chan int)))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rr.Code)
	}
}

package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/GateCoach/internal/models"
	"github.com/BTreeMap/GateCoach/internal/twiliowhatsapp"
	"github.com/BTreeMap/GateCoach/internal/whatsapp"
)

func TestServicesImplementService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
	var _ Service = (*TwilioService)(nil)
}

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "15551234567", false},
		{"15551234567", "15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"+123", "", true},
	}
	for _, tt := range tests {
		got, err := canonicalPhone(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("canonicalPhone(%q) = (%q, %v), want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestWhatsAppService_SendMessage(t *testing.T) {
	client := whatsapp.NewMockClient()
	svc := NewWhatsAppService(client)

	if err := svc.SendMessage(context.Background(), "+1 555 123 4567", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent := client.Sent()
	if len(sent) != 1 || sent[0].To != "15551234567" || sent[0].Body != "hello" {
		t.Errorf("sent = %+v", sent)
	}

	client.Err = errors.New("offline")
	if err := svc.SendMessage(context.Background(), "15551234567", "again"); err == nil {
		t.Error("expected client error to propagate")
	}
}

type fakeWhatsAppClient struct {
	*whatsapp.MockClient
	handler      func(models.InboundMessage)
	disconnected bool
}

func (f *fakeWhatsAppClient) OnText(fn func(models.InboundMessage)) { f.handler = fn }
func (f *fakeWhatsAppClient) Disconnect()                          { f.disconnected = true }

func TestWhatsAppService_InboundAndStop(t *testing.T) {
	client := &fakeWhatsAppClient{MockClient: whatsapp.NewMockClient()}
	svc := NewWhatsAppService(client)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.handler == nil {
		t.Fatal("Start did not subscribe to inbound messages")
	}

	client.handler(models.InboundMessage{ID: "m1", From: "+15551234567", Body: "hey"})
	got := <-svc.Responses()
	if got.ID != "m1" || got.Body != "hey" {
		t.Errorf("got %+v", got)
	}

	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatal("second Stop should be a no-op")
	}
	if !client.disconnected {
		t.Error("client not disconnected")
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("responses channel not closed")
	}
	if err := svc.SendMessage(context.Background(), "15551234567", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("SendMessage after Stop = %v", err)
	}
	client.handler(models.InboundMessage{From: "+15551234567", Body: "late"})
}

func TestTwilioService_SendMessage(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(client)

	if err := svc.SendMessage(context.Background(), "whatsapp:+15551234567", "hi"); err != nil {
		t.Fatal(err)
	}
	sent := client.Sent()
	if len(sent) != 1 || sent[0].To != "+15551234567" {
		t.Errorf("sent = %+v", sent)
	}

	_ = svc.Stop()
	if err := svc.SendMessage(context.Background(), "+15551234567", "hi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("SendMessage after Stop = %v", err)
	}
}

func postWebhook(t *testing.T, svc *TwilioService, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	return rec
}

func TestTwilioWebhook(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	form := url.Values{
		"From":        {"whatsapp:+15551234567"},
		"Body":        {"hey coach"},
		"MessageSid":  {"SM123"},
		"ProfileName": {"Sam"},
	}

	rec := postWebhook(t, svc, form, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("content type = %q", ct)
	}

	got := <-svc.Responses()
	if got.From != "+15551234567" || got.Body != "hey coach" || got.ID != "SM123" || got.Name != "Sam" {
		t.Errorf("queued %+v", got)
	}
}

func TestTwilioWebhook_MissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postWebhook(t, svc, url.Values{"From": {"whatsapp:+15551234567"}}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

type stubValidator struct {
	want string
	url  string
}

func (v *stubValidator) Validate(u string, params map[string]string, signature string) bool {
	v.url = u
	return signature == v.want && params["Body"] != ""
}

func TestTwilioWebhook_Signature(t *testing.T) {
	v := &stubValidator{want: "good"}
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(),
		WithSignatureValidation(v, "https://coach.example.com/webhooks/twilio"))
	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hey"}}

	if rec := postWebhook(t, svc, form, "bad"); rec.Code != http.StatusForbidden {
		t.Errorf("bad signature status = %d", rec.Code)
	}
	if rec := postWebhook(t, svc, form, "good"); rec.Code != http.StatusOK {
		t.Errorf("good signature status = %d", rec.Code)
	}
	if v.url != "https://coach.example.com/webhooks/twilio" {
		t.Errorf("validated against %q", v.url)
	}
}

func TestTwilioWebhook_AfterStop(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	_ = svc.Stop()
	rec := postWebhook(t, svc, url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hey"}}, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

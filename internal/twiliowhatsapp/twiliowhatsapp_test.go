package twiliowhatsapp

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type mockCreator struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (m *mockCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestClient_Send(t *testing.T) {
	mock := &mockCreator{}
	c := &Client{api: mock, from: "whatsapp:+15550000000"}

	sid, err := c.Send(context.Background(), "+33 6 12 34 56 78", "Bonjour")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid != "SM123" {
		t.Errorf("expected sid SM123, got %q", sid)
	}
	if len(mock.params) != 1 {
		t.Fatalf("expected 1 call, got %d", len(mock.params))
	}
	p := mock.params[0]
	if *p.To != "whatsapp:+33612345678" || *p.From != "whatsapp:+15550000000" || *p.Body != "Bonjour" {
		t.Errorf("unexpected params to=%s from=%s body=%s", *p.To, *p.From, *p.Body)
	}
}

func TestClient_Send_RecipientNotAllowed(t *testing.T) {
	mock := &mockCreator{err: &twilioclient.TwilioRestError{Code: 63015, Message: "sandbox"}}
	c := &Client{api: mock, from: "whatsapp:+15550000000"}

	_, err := c.Send(context.Background(), "+33612345678", "x")
	if !errors.Is(err, messaging.ErrRecipientNotAllowed) {
		t.Fatalf("expected ErrRecipientNotAllowed, got %v", err)
	}
}

func TestClient_Send_OtherError(t *testing.T) {
	mock := &mockCreator{err: &twilioclient.TwilioRestError{Code: 20003, Message: "auth"}}
	c := &Client{api: mock, from: "whatsapp:+15550000000"}

	_, err := c.Send(context.Background(), "+33612345678", "x")
	if err == nil || errors.Is(err, messaging.ErrRecipientNotAllowed) {
		t.Fatalf("expected a plain send error, got %v", err)
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(WithAccountSID("AC1"))
	if err == nil || !strings.Contains(err.Error(), "auth token, sender number") {
		t.Fatalf("expected the missing fields to be named, got %v", err)
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+15550000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.from != "whatsapp:+15550000000" {
		t.Errorf("expected whatsapp prefix, got %q", c.from)
	}
}

func TestParseWebhook_Message(t *testing.T) {
	form := url.Values{}
	form.Set("MessageSid", "SM1")
	form.Set("From", "whatsapp:+33612345678")
	form.Set("Body", "Bonjour")
	now := time.Now()

	events, statuses := ParseWebhook(form, now)
	if len(statuses) != 0 || len(events) != 1 {
		t.Fatalf("expected 1 event, got %d events %d statuses", len(events), len(statuses))
	}
	ev := events[0]
	if ev.MessageID != "SM1" || ev.Phone != "+33612345678" || ev.Body != "Bonjour" || ev.Type != models.EventTypeText {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestParseWebhook_Button(t *testing.T) {
	form := url.Values{}
	form.Set("MessageSid", "SM2")
	form.Set("From", "whatsapp:+33612345678")
	form.Set("Body", "Oui")
	form.Set("ButtonText", "Oui")
	form.Set("ButtonPayload", "invite_accept")

	events, _ := ParseWebhook(form, time.Now())
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != models.EventTypeButton || ev.InteractiveID != "invite_accept" || ev.Text() != "Oui" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestParseWebhook_Status(t *testing.T) {
	form := url.Values{}
	form.Set("MessageSid", "SM3")
	form.Set("MessageStatus", "Delivered")
	form.Set("To", "whatsapp:+33612345678")

	events, statuses := ParseWebhook(form, time.Now())
	if len(events) != 0 || len(statuses) != 1 {
		t.Fatalf("expected 1 status, got %d events %d statuses", len(events), len(statuses))
	}
	if statuses[0].Status != "delivered" || statuses[0].Recipient != "+33612345678" {
		t.Errorf("unexpected status %+v", statuses[0])
	}
}

func TestWebhookValidator_RejectsUnsigned(t *testing.T) {
	v := NewWebhookValidator("token", "https://coach.example/webhooks/twilio")
	req := httptest.NewRequest("POST", "/webhooks/twilio", strings.NewReader("Body=hi&From=whatsapp%3A%2B33612345678"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := req.ParseForm(); err != nil {
		t.Fatal(err)
	}
	if v.Validate(req) {
		t.Fatal("expected unsigned request to be rejected")
	}
}

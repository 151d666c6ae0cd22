package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/cloudapi"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/twiliowhatsapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	appSecret   = "cloud-app-secret"
	verifyToken = "verify-me"
	twilioToken = "twilio-auth-token"
	twilioURL   = "https://coach.example.com/webhooks/twilio"
)

type recordingProcessor struct {
	mu       sync.Mutex
	events   []models.InboundEvent
	statuses []models.DeliveryStatus
	ctxErr   error
}

func (p *recordingProcessor) Process(ctx context.Context, events []models.InboundEvent, statuses []models.DeliveryStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	p.statuses = append(p.statuses, statuses...)
	p.ctxErr = ctx.Err()
}

func newTestServer(t *testing.T, opts Opts) (*Server, *store.Store, *recordingProcessor) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "coachpipe_api_test_")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })
	db, err := store.Open(context.Background(), store.WithDSN(filepath.Join(tempDir, "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	proc := &recordingProcessor{}
	return NewServer(db, proc, opts), db, proc
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp
}

const envelope = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "123",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "messages": [
          {"from": "33612345678", "id": "wamid.A", "timestamp": "1760000000", "type": "text", "text": {"body": "Bonjour"}},
          {"from": "33612345678", "id": "wamid.B", "timestamp": "1760000001", "type": "interactive",
           "interactive": {"type": "button_reply", "button_reply": {"id": "plan_done", "title": "C'est fait"}}}
        ],
        "statuses": [{"id": "wamid.OUT", "status": "DELIVERED", "timestamp": "1760000002", "recipient_id": "33612345678"}]
      }
    }]
  }]
}`

func TestCloudAPIVerify(t *testing.T) {
	s, _, _ := newTestServer(t, Opts{VerifyToken: verifyToken})

	req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token="+verifyToken+"&hub.challenge=42", nil)
	rr := serve(s, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "42", rr.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", nil)
	assert.Equal(t, http.StatusForbidden, serve(s, req).Code)
}

func TestCloudAPIWebhook(t *testing.T) {
	s, _, proc := newTestServer(t, Opts{AppSecret: appSecret})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(envelope))
	req.Header.Set("X-Hub-Signature-256", cloudapi.Sign(appSecret, []byte(envelope)))
	rr := serve(s, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.APIStatusOK, decodeResponse(t, rr).Status)

	require.Len(t, proc.events, 2)
	assert.Equal(t, "+33612345678", proc.events[0].Phone)
	assert.Equal(t, "Bonjour", proc.events[0].Body)
	assert.Equal(t, "plan_done", proc.events[1].InteractiveID)
	require.Len(t, proc.statuses, 1)
	assert.Equal(t, "delivered", proc.statuses[0].Status)
	assert.NoError(t, proc.ctxErr)
}

func TestCloudAPIWebhook_Rejections(t *testing.T) {
	s, _, proc := newTestServer(t, Opts{AppSecret: appSecret})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(envelope))
	req.Header.Set("X-Hub-Signature-256", cloudapi.Sign("another-secret", []byte(envelope)))
	assert.Equal(t, http.StatusUnauthorized, serve(s, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(envelope))
	assert.Equal(t, http.StatusUnauthorized, serve(s, req).Code, "missing signature")

	bad := `{"entry": [`
	req = httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(bad))
	req.Header.Set("X-Hub-Signature-256", cloudapi.Sign(appSecret, []byte(bad)))
	rr := serve(s, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, models.APIStatusError, decodeResponse(t, rr).Status)

	assert.Empty(t, proc.events)
}

// twilioSignature computes X-Twilio-Signature: base64(HMAC-SHA1(url + sorted key/value pairs)).
func twilioSignature(token, target string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(target)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioWebhook(t *testing.T) {
	s, _, proc := newTestServer(t, Opts{Twilio: twiliowhatsapp.NewWebhookValidator(twilioToken, twilioURL)})
	form := url.Values{
		"MessageSid": {"SM123"},
		"From":       {"whatsapp:+33612345678"},
		"To":         {"whatsapp:+33700000000"},
		"Body":       {"dans 2h30"},
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", twilioSignature(twilioToken, twilioURL, form))
	rr := serve(s, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "<Response></Response>", rr.Body.String())
	require.Len(t, proc.events, 1)
	assert.Equal(t, "SM123", proc.events[0].MessageID)
	assert.Equal(t, "+33612345678", proc.events[0].Phone)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "forged")
	assert.Equal(t, http.StatusForbidden, serve(s, req).Code)
	assert.Len(t, proc.events, 1)
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, Opts{})
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.APIStatusOK, decodeResponse(t, rr).Status)

	rr = serve(s, httptest.NewRequest(http.MethodPost, "/v1/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestUnlinkedInbound(t *testing.T) {
	s, db, _ := newTestServer(t, Opts{})
	_, err := db.RecordInbound(context.Background(), models.InboundEvent{
		MessageID: "wamid.stray", Phone: "+33798765432", Type: models.EventTypeText, Body: "Bonjour", Timestamp: time.Now(),
	})
	require.NoError(t, err)

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/v1/support/unlinked?limit=10", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Status string                `json:"status"`
		Result []models.InboundEvent `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Result, 1)
	assert.Equal(t, "wamid.stray", resp.Result[0].MessageID)

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/v1/support/unlinked?limit=-3", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestResetLinkRequest(t *testing.T) {
	s, db, _ := newTestServer(t, Opts{})
	ctx := context.Background()
	phone := "+33798765432"
	_, err := db.EnsureLinkRequest(ctx, phone, time.Now())
	require.NoError(t, err)
	ok, err := db.TransitionLinkRequest(ctx, store.LinkTransition{
		Phone: phone, FromStatus: models.LinkStatusPending, FromAttempts: 0,
		ToStatus: models.LinkStatusSupportRequired, ToAttempts: 2,
	})
	require.NoError(t, err)
	require.True(t, ok)

	rr := serve(s, httptest.NewRequest(http.MethodPost, "/v1/support/link-requests/"+url.PathEscape(phone)+"/reset", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	lr, err := db.GetLinkRequest(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, models.LinkStatusPending, lr.Status)
	assert.Equal(t, 0, lr.Attempts)

	rr = serve(s, httptest.NewRequest(http.MethodPost, "/v1/support/link-requests/"+url.PathEscape(phone)+"/reset", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code, "a pending row is not resettable")

	rr = serve(s, httptest.NewRequest(http.MethodPost, "/v1/support/link-requests/abc/reset", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAccountSync(t *testing.T) {
	s, db, _ := newTestServer(t, Opts{})
	ctx := context.Background()

	body := `{"id":"acc-9","email":"Marie@Example.com","display_name":"Marie","phone":"06 12 34 56 78"}`
	rr := serve(s, httptest.NewRequest(http.MethodPost, "/v1/accounts", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	acct, err := db.GetAccount(ctx, "acc-9")
	require.NoError(t, err)
	assert.Equal(t, "marie@example.com", acct.Email)
	assert.False(t, acct.PhoneVerified, "a synced phone is only a claim")

	rr = serve(s, httptest.NewRequest(http.MethodPost, "/v1/accounts", strings.NewReader(`{"id":"acc-10","email":"nope"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(s, httptest.NewRequest(http.MethodPost, "/v1/accounts/acc-9/plans", strings.NewReader(`{"plan_id":"p1","status":"ACTIVE"}`)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	active, err := db.HasActivePlan(ctx, "acc-9")
	require.NoError(t, err)
	assert.True(t, active)

	rr = serve(s, httptest.NewRequest(http.MethodPost, "/v1/accounts/acc-9/plans", strings.NewReader(`{"plan_id":"p1"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/cloudapi"
	"github.com/BTreeMap/CoachPipe/internal/identity"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/twiliowhatsapp"
)

const (
	defaultUnlinkedLimit = 50
	maxUnlinkedLimit     = 500
)

// cloudAPIVerifyHandler answers the subscription challenge (GET /webhooks/whatsapp).
func (s *Server) cloudAPIVerifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, err := cloudapi.VerifyChallenge(s.opts.VerifyToken, q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if err != nil {
		slog.Warn("Server.cloudAPIVerifyHandler: verification refused", "mode", q.Get("hub.mode"))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// cloudAPIWebhookHandler receives Cloud API envelopes (POST /webhooks/whatsapp).
func (s *Server) cloudAPIWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		slog.Warn("Server.cloudAPIWebhookHandler: failed to read body", "error", err)
		writeJSON(w, http.StatusBadRequest, models.Error("Invalid request body"))
		return
	}
	if err := cloudapi.VerifySignature(s.opts.AppSecret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		slog.Warn("Server.cloudAPIWebhookHandler: signature rejected")
		writeJSON(w, http.StatusUnauthorized, models.Error("Invalid signature"))
		return
	}
	events, statuses, err := cloudapi.ParseEnvelope(body, s.now())
	if err != nil {
		slog.Warn("Server.cloudAPIWebhookHandler: unparsable envelope", "error", err)
		writeJSON(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	slog.Debug("Server.cloudAPIWebhookHandler: envelope parsed", "events", len(events), "statuses", len(statuses))
	s.process(r.Context(), events, statuses)
	writeJSON(w, http.StatusOK, models.Success(nil))
}

// twilioWebhookHandler receives Twilio form webhooks (POST /webhooks/twilio).
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if s.opts.Twilio != nil && !s.opts.Twilio.Validate(r) {
		slog.Warn("Server.twilioWebhookHandler: signature rejected")
		w.WriteHeader(http.StatusForbidden)
		return
	}
	events, statuses := twiliowhatsapp.ParseWebhook(r.PostForm, s.now())
	s.process(r.Context(), events, statuses)

	// empty TwiML: replies are sent through the API, not the webhook response
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "<Response></Response>")
}

// process runs the batch detached from the request so a dropped connection
// does not abort a turn halfway. Redeliveries are deduplicated downstream.
func (s *Server) process(ctx context.Context, events []models.InboundEvent, statuses []models.DeliveryStatus) {
	if len(events) == 0 && len(statuses) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.WebhookTimeout)
	defer cancel()
	s.processor.Process(ctx, events, statuses)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		slog.Error("Server.healthHandler: store unreachable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, models.Error("Store unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(map[string]string{"store": "ok"}))
}

// unlinkedHandler lists inbound messages from phones with no account (GET /v1/support/unlinked).
func (s *Server) unlinkedHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultUnlinkedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = min(n, maxUnlinkedLimit)
	}
	events, err := s.repo.ListUnlinkedInbound(r.Context(), limit)
	if err != nil {
		slog.Error("Server.unlinkedHandler: failed to list unlinked inbound", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("Failed to list unlinked messages"))
		return
	}
	if events == nil {
		events = []models.InboundEvent{}
	}
	slog.Debug("Server.unlinkedHandler: listed", "count", len(events))
	writeJSON(w, http.StatusOK, models.Success(events))
}

// resetLinkRequestHandler reopens a phone stuck in support_required
// (POST /v1/support/link-requests/{phone}/reset).
func (s *Server) resetLinkRequestHandler(w http.ResponseWriter, r *http.Request) {
	phone, err := messaging.CanonicalizePhone(r.PathValue("phone"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("Invalid phone number"))
		return
	}
	err = s.repo.ResetLinkRequest(r.Context(), phone)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, models.Error("No resettable link request for this phone"))
		return
	case err != nil:
		slog.Error("Server.resetLinkRequestHandler: reset failed", "phone", phone, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("Failed to reset link request"))
		return
	}
	slog.Info("Server.resetLinkRequestHandler: link request reset by operator", "phone", phone)
	writeJSON(w, http.StatusOK, models.Success(map[string]string{"phone": phone, "status": string(models.LinkStatusPending)}))
}

type accountRequest struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone"`
	BilanOptIn  bool   `json:"bilan_opt_in"`
}

// upsertAccountHandler syncs an account from the web application (POST /v1/accounts).
// A phone given here is an unverified claim until the owner writes from it.
func (s *Server) upsertAccountHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.upsertAccountHandler: failed to decode JSON", "error", err)
		writeJSON(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("Missing required field: id"))
		return
	}
	email, ok := identity.ExtractEmail(req.Email)
	if !ok {
		writeJSON(w, http.StatusBadRequest, models.Error("Invalid email"))
		return
	}
	acct := models.Account{ID: req.ID, Email: email, DisplayName: strings.TrimSpace(req.DisplayName), BilanOptIn: req.BilanOptIn}
	if strings.TrimSpace(req.Phone) != "" {
		phone, err := messaging.CanonicalizePhone(req.Phone)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, models.Error("Invalid phone number"))
			return
		}
		acct.Phone = &phone
	}

	err := s.repo.UpsertAccount(r.Context(), acct)
	switch {
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, models.Error("Email already used by another account"))
		return
	case err != nil:
		slog.Error("Server.upsertAccountHandler: upsert failed", "account_id", acct.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("Failed to save account"))
		return
	}
	slog.Info("Server.upsertAccountHandler: account synced", "account_id", acct.ID)
	writeJSON(w, http.StatusOK, models.Success(map[string]string{"id": acct.ID}))
}

type planRequest struct {
	PlanID string `json:"plan_id"`
	Status string `json:"status"`
}

// upsertPlanHandler records a plan status change (POST /v1/accounts/{id}/plans).
func (s *Server) upsertPlanHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	accountID := strings.TrimSpace(r.PathValue("id"))
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.PlanID == "" || req.Status == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("Missing required field: plan_id or status"))
		return
	}
	if err := s.repo.UpsertPlan(r.Context(), req.PlanID, accountID, strings.ToLower(req.Status)); err != nil {
		slog.Error("Server.upsertPlanHandler: upsert failed", "account_id", accountID, "plan_id", req.PlanID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("Failed to save plan"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(map[string]string{"plan_id": req.PlanID}))
}

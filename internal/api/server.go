// Package api exposes the HTTP surface of CoachPipe: the WhatsApp Cloud API
// and Twilio webhooks, the support endpoints and the account sync endpoints
// used by the web application.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/twiliowhatsapp"
)

const (
	// DefaultWebhookTimeout bounds the processing of one webhook batch.
	DefaultWebhookTimeout = 60 * time.Second
	// MaxWebhookBodyBytes caps webhook payloads.
	MaxWebhookBodyBytes = 1 << 20
	// DefaultShutdownTimeout is how long Run waits for in-flight requests.
	DefaultShutdownTimeout = 15 * time.Second
)

// Processor consumes normalized webhook batches.
type Processor interface {
	Process(ctx context.Context, events []models.InboundEvent, statuses []models.DeliveryStatus)
}

// Repo is the persistence behind the support and sync endpoints.
type Repo interface {
	Ping(ctx context.Context) error
	ListUnlinkedInbound(ctx context.Context, limit int) ([]models.InboundEvent, error)
	ResetLinkRequest(ctx context.Context, phone string) error
	UpsertAccount(ctx context.Context, a models.Account) error
	UpsertPlan(ctx context.Context, planID, accountID, status string) error
}

// Opts configures webhook verification.
type Opts struct {
	// VerifyToken answers the Cloud API subscription challenge.
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 checks when set.
	AppSecret string
	// Twilio enables X-Twilio-Signature checks when set.
	Twilio         *twiliowhatsapp.WebhookValidator
	WebhookTimeout time.Duration
}

// Server holds the HTTP handlers' dependencies.
type Server struct {
	repo      Repo
	processor Processor
	opts      Opts
	now       func() time.Time
}

// NewServer returns a Server.
func NewServer(repo Repo, processor Processor, opts Opts) *Server {
	if opts.WebhookTimeout <= 0 {
		opts.WebhookTimeout = DefaultWebhookTimeout
	}
	return &Server{repo: repo, processor: processor, opts: opts, now: time.Now}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhooks/whatsapp", s.cloudAPIVerifyHandler)
	mux.HandleFunc("POST /webhooks/whatsapp", s.cloudAPIWebhookHandler)
	mux.HandleFunc("POST /webhooks/twilio", s.twilioWebhookHandler)
	mux.HandleFunc("GET /v1/health", s.healthHandler)
	mux.HandleFunc("GET /v1/support/unlinked", s.unlinkedHandler)
	mux.HandleFunc("POST /v1/support/link-requests/{phone}/reset", s.resetLinkRequestHandler)
	mux.HandleFunc("POST /v1/accounts", s.upsertAccountHandler)
	mux.HandleFunc("POST /v1/accounts/{id}/plans", s.upsertPlanHandler)
	return mux
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.opts.WebhookTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

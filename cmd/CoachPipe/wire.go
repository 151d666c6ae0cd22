package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/api"
	"github.com/BTreeMap/CoachPipe/internal/classifier"
	"github.com/BTreeMap/CoachPipe/internal/cloudapi"
	"github.com/BTreeMap/CoachPipe/internal/compose"
	"github.com/BTreeMap/CoachPipe/internal/config"
	"github.com/BTreeMap/CoachPipe/internal/cooldown"
	"github.com/BTreeMap/CoachPipe/internal/delivery"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/identity"
	"github.com/BTreeMap/CoachPipe/internal/ingress"
	"github.com/BTreeMap/CoachPipe/internal/lockfile"
	"github.com/BTreeMap/CoachPipe/internal/mailer"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/pending"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CoachPipe/internal/whatsapp"
	"github.com/redis/go-redis/v9"
)

// app is the wired process. Fields a role does not need stay nil.
type app struct {
	cfg      *config.Config
	db       *store.Store
	sender   messaging.Sender
	wa       *whatsapp.Client
	lock     *lockfile.Lock
	rdb      *redis.Client
	composer *compose.Composer
	pending  *pending.Store
	ingress  *ingress.Ingress
	server   *api.Server
	worker   *delivery.Worker
}

// buildApp opens the store and the transport and wires every component.
// role is "serve" or "worker"; only serve builds the inbound path.
func buildApp(ctx context.Context, cfg *config.Config, flags *Flags, role string) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.db, err = store.Open(ctx, storeOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := a.openTransport(ctx, flags, role); err != nil {
		return nil, err
	}

	gen, err := buildGenerator(cfg)
	if err != nil {
		return nil, err
	}
	policy, err := loadPolicy(flags.policyPath)
	if err != nil {
		return nil, err
	}
	gate, err := a.buildGate(ctx)
	if err != nil {
		return nil, err
	}
	mail := buildMailer(cfg)

	dispatcher := compose.NewDispatcher(a.sender, a.db)
	a.composer = compose.NewComposer(gen, a.db, policy, dispatcher, compose.Opts{
		SiteURL:      cfg.Policy.SiteURL,
		HistoryTurns: cfg.Policy.HistoryTurns,
	})
	a.pending = pending.NewStore(a.db, cfg.Policy.PendingActionExpiry)
	a.worker = delivery.NewWorker(a.db, a.pending, a.composer, delivery.Opts{
		PollInterval:      cfg.Worker.PollInterval,
		SweepInterval:     cfg.Worker.SweepInterval,
		BatchSize:         cfg.Worker.BatchSize,
		SupportRetryAfter: cfg.Linking.SupportRetryAfter,
	})
	if role != "serve" {
		return a, nil
	}

	signer, err := buildSigner(cfg)
	if err != nil {
		return nil, err
	}
	resolver := identity.NewResolver(a.db, signer, dispatcher, mail, gate, identity.Opts{
		BotPhone:            cfg.Messaging.BotPhone,
		SupportEmail:        cfg.Policy.SupportEmail,
		MaxAttempts:         cfg.Linking.MaxAttempts,
		TokenTTL:            cfg.Linking.TokenTTL,
		AmbiguousTokenTTL:   cfg.Linking.AmbiguousTokenTTL,
		PromptCooldown:      cfg.Linking.PromptCooldown,
		BlockNoticeCooldown: cfg.Linking.BlockNoticeCooldown,
	})

	timeout := cfg.OpenAI.ClassifierTimeout
	bilan := classifier.NewBilanClassifier(gen, timeout, cfg.Policy.Timezone)
	handler := pending.NewHandler(a.pending, bilan, a.composer, a.db, a.db, cfg.Policy.DefaultDeferDelay)
	analyzer := classifier.NewAnalyzer(gen, timeout)
	runner := flow.NewRunner(a.db, analyzer, classifier.NewOnboardingClassifier(gen, analyzer, timeout), a.composer, mail, gate, flow.Opts{
		SiteURL:            cfg.Policy.SiteURL,
		SupportEmail:       cfg.Policy.SupportEmail,
		EscalationCooldown: cfg.Policy.EscalationCooldown,
	})
	a.ingress = ingress.New(a.db, resolver, handler, runner, a.composer, cfg.Policy.TurnTimeout)

	a.server = api.NewServer(a.db, a.ingress, api.Opts{
		VerifyToken: cfg.Messaging.VerifyToken,
		AppSecret:   cfg.Messaging.AppSecret,
		Twilio:      twilioValidator(cfg),
	})
	return a, nil
}

func storeOptions(cfg *config.Config) []store.Option {
	opts := []store.Option{store.WithDSN(cfg.Database.DSN)}
	if cfg.Database.Driver != "" {
		opts = append(opts, store.WithDriver(cfg.Database.Driver))
	} else {
		slog.Debug("Detected database type from DSN", "dsn_type", store.DetectDSNType(cfg.Database.DSN))
	}
	return opts
}

// openTransport builds the outbound sender for the configured transport.
func (a *app) openTransport(ctx context.Context, flags *Flags, role string) error {
	m := a.cfg.Messaging
	switch m.Transport {
	case config.TransportCloudAPI:
		c, err := cloudapi.NewClient(
			cloudapi.WithToken(m.CloudAPIToken),
			cloudapi.WithPhoneNumberID(m.PhoneNumberID),
			cloudapi.WithGraphVersion(m.GraphVersion),
		)
		if err != nil {
			return fmt.Errorf("cloud API client: %w", err)
		}
		a.sender = c
	case config.TransportTwilio:
		c, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(m.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(m.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(m.TwilioFrom),
		)
		if err != nil {
			return fmt.Errorf("twilio client: %w", err)
		}
		a.sender = c
	case config.TransportWhatsmeow:
		lock, err := lockfile.AcquireLock(a.cfg.StateDir, lockfile.DeviceLockName, role)
		if err != nil {
			return err
		}
		a.lock = lock
		var waOpts []whatsapp.Option
		waOpts = append(waOpts, whatsapp.WithDBDSN(m.WhatsmeowDSN))
		if flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.qrOutput))
		}
		if flags.numericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		c, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return fmt.Errorf("whatsmeow client: %w", err)
		}
		a.wa = c
		a.sender = c
	default:
		slog.Warn("Using log transport: messages are logged, not sent")
		a.sender = messaging.NewLogSender()
	}
	slog.Info("Messaging transport ready", "transport", m.Transport)
	return nil
}

// buildGenerator returns nil without an API key; every reply then uses its
// scripted fallback.
func buildGenerator(cfg *config.Config) (genai.Generator, error) {
	if cfg.OpenAI.APIKey == "" {
		slog.Warn("OPENAI_API_KEY not set, replies use scripted fallbacks")
		return nil, nil
	}
	client, err := genai.NewClient(
		genai.WithAPIKey(cfg.OpenAI.APIKey),
		genai.WithModel(cfg.OpenAI.Model),
		genai.WithMaxTokens(cfg.OpenAI.MaxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return genai.NewLimited(client, cfg.OpenAI.ClassifierRPS, cfg.OpenAI.ClassifierBurst), nil
}

func loadPolicy(path string) (*compose.Policy, error) {
	if path == "" {
		return compose.DefaultPolicy()
	}
	p, err := compose.LoadPolicy(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", path, err)
	}
	return p, nil
}

// buildGate connects Redis when configured; cooldowns are otherwise derived
// from the store alone.
func (a *app) buildGate(ctx context.Context) (cooldown.Gate, error) {
	if !a.cfg.Redis.Enabled {
		return cooldown.Noop{}, nil
	}
	a.rdb = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Address,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", a.cfg.Redis.Address, err)
	}
	slog.Info("Redis cooldown gate enabled", "addr", a.cfg.Redis.Address)
	return cooldown.NewRedisGate(a.rdb, ""), nil
}

func buildMailer(cfg *config.Config) mailer.Mailer {
	if cfg.SMTP.Host == "" {
		slog.Warn("SMTP_HOST not set, emails are logged, not sent")
		return mailer.NewLogMailer()
	}
	return mailer.NewSMTPMailer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
}

// buildSigner requires LINK_SIGNING_KEY except on the log transport, where a
// random per-process key is good enough for local runs.
func buildSigner(cfg *config.Config) (*identity.Signer, error) {
	key, ok := cfg.LinkSigningKey()
	if !ok {
		if cfg.Messaging.Transport != config.TransportLog {
			return nil, errors.New("LINK_SIGNING_KEY must be set")
		}
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate link signing key: %w", err)
		}
		slog.Warn("LINK_SIGNING_KEY not set, using an ephemeral key; link tokens will not survive a restart")
	}
	return identity.NewSigner(key)
}

func twilioValidator(cfg *config.Config) *twiliowhatsapp.WebhookValidator {
	m := cfg.Messaging
	if m.Transport != config.TransportTwilio {
		return nil
	}
	if m.TwilioWebhookURL == "" {
		slog.Warn("TWILIO_WEBHOOK_URL not set, Twilio webhook signatures are not checked")
		return nil
	}
	return twiliowhatsapp.NewWebhookValidator(m.TwilioAuthToken, m.TwilioWebhookURL)
}

// Close releases everything buildApp opened.
func (a *app) Close() {
	if a.wa != nil {
		a.wa.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			slog.Warn("Redis close failed", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Warn("Store close failed", "error", err)
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			slog.Warn("Lock release failed", "error", err)
		}
	}
}

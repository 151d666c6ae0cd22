// Package config loads CoachPipe configuration from the environment.
//
// A .env file in the working directory is loaded first when present; real
// environment variables always win over it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CoachPipe state data
	DefaultStateDir = "/var/lib/coachpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "coachpipe.db"
	// DefaultWhatsmeowDBFileName is the whatsmeow device store filename
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
	// DefaultAPIAddr is the default listen address of the HTTP server
	DefaultAPIAddr = ":8080"
	// DefaultOpenAIModel is used when OPENAI_MODEL is unset
	DefaultOpenAIModel = "gpt-4o-mini"
)

// Transport names accepted by MESSAGING_TRANSPORT.
const (
	TransportCloudAPI  = "cloudapi"
	TransportTwilio    = "twilio"
	TransportWhatsmeow = "whatsmeow"
	TransportLog       = "log"
)

// Config is the complete runtime configuration.
type Config struct {
	APIAddr  string
	StateDir string
	LogLevel slog.Level

	Database  DatabaseConfig
	OpenAI    OpenAIConfig
	Messaging MessagingConfig
	SMTP      SMTPConfig
	Redis     RedisConfig
	Linking   LinkingConfig
	Policy    PolicyConfig
	Worker    WorkerConfig
}

// DatabaseConfig selects the application database.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// OpenAIConfig configures generation and classification calls.
type OpenAIConfig struct {
	APIKey            string
	Model             string
	MaxTokens         int
	ClassifierRPS     float64
	ClassifierBurst   int
	ClassifierTimeout time.Duration
}

// MessagingConfig configures the outbound transport and webhook verification.
type MessagingConfig struct {
	Transport     string
	BotPhone      string
	VerifyToken   string
	AppSecret     string
	CloudAPIToken string
	PhoneNumberID string
	GraphVersion  string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioWebhookURL string

	WhatsmeowDSN string
}

// SMTPConfig configures link and escalation emails. An empty Host logs mails instead.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// RedisConfig configures the optional cooldown gate.
type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

// LinkingConfig configures the account-linking protocol.
type LinkingConfig struct {
	SigningKey          string
	MaxAttempts         int
	TokenTTL            time.Duration
	AmbiguousTokenTTL   time.Duration
	PromptCooldown      time.Duration
	BlockNoticeCooldown time.Duration
	SupportRetryAfter   time.Duration
}

// PolicyConfig holds conversation-level knobs.
type PolicyConfig struct {
	SupportEmail        string
	SiteURL             string
	EscalationCooldown  time.Duration
	PendingActionExpiry time.Duration
	DefaultDeferDelay   time.Duration
	TurnTimeout         time.Duration
	HistoryTurns        int
	Timezone            *time.Location
}

// WorkerConfig tunes the delivery worker.
type WorkerConfig struct {
	// InProcess runs the worker inside serve.
	InProcess     bool
	PollInterval  time.Duration
	SweepInterval time.Duration
	BatchSize     int
}

// Load reads .env (if any) and the environment, applies defaults and validates.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching .env.
func FromEnv() (*Config, error) {
	stateDir := util.GetEnv("COACHPIPE_STATE_DIR", DefaultStateDir)
	cfg := &Config{
		APIAddr:  util.GetEnv("API_ADDR", DefaultAPIAddr),
		StateDir: stateDir,
		LogLevel: ParseLevel(util.GetEnv("LOG_LEVEL", "info")),
		Database: DatabaseConfig{
			Driver: util.GetEnv("DB_DRIVER", ""),
			DSN:    util.GetEnv("DATABASE_URL", filepath.Join(stateDir, DefaultDBFileName)),
		},
		OpenAI: OpenAIConfig{
			APIKey:            util.GetEnv("OPENAI_API_KEY", ""),
			Model:             util.GetEnv("OPENAI_MODEL", DefaultOpenAIModel),
			MaxTokens:         util.ParseIntEnv("OPENAI_MAX_TOKENS", 600),
			ClassifierRPS:     util.ParseFloatEnv("CLASSIFIER_RPS", 2),
			ClassifierBurst:   util.ParseIntEnv("CLASSIFIER_BURST", 4),
			ClassifierTimeout: util.ParseDurationEnv("CLASSIFIER_TIMEOUT", 8*time.Second),
		},
		Messaging: MessagingConfig{
			Transport:        strings.ToLower(util.GetEnv("MESSAGING_TRANSPORT", TransportLog)),
			BotPhone:         util.GetEnv("BOT_PHONE_NUMBER", ""),
			VerifyToken:      util.GetEnv("WHATSAPP_VERIFY_TOKEN", ""),
			AppSecret:        util.GetEnv("WHATSAPP_APP_SECRET", ""),
			CloudAPIToken:    util.GetEnv("WHATSAPP_ACCESS_TOKEN", ""),
			PhoneNumberID:    util.GetEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
			GraphVersion:     util.GetEnv("WHATSAPP_GRAPH_VERSION", "v21.0"),
			TwilioAccountSID: util.GetEnv("TWILIO_ACCOUNT_SID", ""),
			TwilioAuthToken:  util.GetEnv("TWILIO_AUTH_TOKEN", ""),
			TwilioFrom:       util.GetEnv("TWILIO_FROM_NUMBER", ""),
			TwilioWebhookURL: util.GetEnv("TWILIO_WEBHOOK_URL", ""),
			WhatsmeowDSN:     util.GetEnv("WHATSMEOW_DB_DSN", filepath.Join(stateDir, DefaultWhatsmeowDBFileName)),
		},
		SMTP: SMTPConfig{
			Host:     util.GetEnv("SMTP_HOST", ""),
			Port:     util.ParseIntEnv("SMTP_PORT", 587),
			Username: util.GetEnv("SMTP_USERNAME", ""),
			Password: util.GetEnv("SMTP_PASSWORD", ""),
			From:     util.GetEnv("SMTP_FROM", ""),
		},
		Redis: loadRedisConfig(),
		Linking: LinkingConfig{
			SigningKey:          util.GetEnv("LINK_SIGNING_KEY", ""),
			MaxAttempts:         util.ParseIntEnv("LINK_MAX_ATTEMPTS", 2),
			TokenTTL:            util.ParseDurationEnv("LINK_TOKEN_TTL", 30*24*time.Hour),
			AmbiguousTokenTTL:   util.ParseDurationEnv("AMBIGUOUS_TOKEN_TTL", 7*24*time.Hour),
			PromptCooldown:      util.ParseDurationEnv("PROMPT_COOLDOWN", 30*time.Minute),
			BlockNoticeCooldown: util.ParseDurationEnv("BLOCK_NOTICE_COOLDOWN", 24*time.Hour),
			SupportRetryAfter:   util.ParseDurationEnv("SUPPORT_RETRY_AFTER", 7*24*time.Hour),
		},
		Policy: PolicyConfig{
			SupportEmail:        util.GetEnv("SUPPORT_EMAIL", ""),
			SiteURL:             util.GetEnv("SITE_URL", ""),
			EscalationCooldown:  util.ParseDurationEnv("ESCALATION_COOLDOWN", 24*time.Hour),
			PendingActionExpiry: util.ParseDurationEnv("PENDING_ACTION_EXPIRY", 48*time.Hour),
			DefaultDeferDelay:   util.ParseDurationEnv("DEFAULT_DEFER_DELAY", time.Hour),
			TurnTimeout:         util.ParseDurationEnv("TURN_TIMEOUT", 25*time.Second),
			HistoryTurns:        util.ParseIntEnv("HISTORY_TURNS", 12),
		},
		Worker: WorkerConfig{
			InProcess:     util.ParseBoolEnv("WORKER_IN_PROCESS", true),
			PollInterval:  util.ParseDurationEnv("WORKER_POLL_INTERVAL", 5*time.Second),
			SweepInterval: util.ParseDurationEnv("WORKER_SWEEP_INTERVAL", 5*time.Minute),
			BatchSize:     util.ParseIntEnv("WORKER_BATCH_SIZE", 20),
		},
	}

	tz := util.GetEnv("TIMEZONE", "Europe/Paris")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("config: unknown TIMEZONE, using UTC", "timezone", tz, "error", err)
		loc = time.UTC
	}
	cfg.Policy.Timezone = loc

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() RedisConfig {
	addr := util.GetEnv("REDIS_ADDR", "")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}
	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: util.GetEnv("REDIS_PASSWORD", ""),
		DB:       util.ParseIntEnv("REDIS_DB", 0),
	}
}

// Validate checks invariants that would otherwise fail deep inside a turn.
func (c *Config) Validate() error {
	var errs []error
	if c.Linking.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("LINK_MAX_ATTEMPTS must be >= 1, got %d", c.Linking.MaxAttempts))
	}
	if c.Linking.TokenTTL <= 0 || c.Linking.AmbiguousTokenTTL <= 0 {
		errs = append(errs, errors.New("LINK_TOKEN_TTL and AMBIGUOUS_TOKEN_TTL must be positive"))
	}
	if c.Linking.PromptCooldown < 0 || c.Linking.BlockNoticeCooldown < 0 || c.Policy.EscalationCooldown < 0 {
		errs = append(errs, errors.New("cooldowns must not be negative"))
	}
	if c.Policy.PendingActionExpiry <= 0 {
		errs = append(errs, errors.New("PENDING_ACTION_EXPIRY must be positive"))
	}
	if c.Policy.TurnTimeout <= 0 {
		errs = append(errs, errors.New("TURN_TIMEOUT must be positive"))
	}
	switch c.Messaging.Transport {
	case TransportCloudAPI:
		if c.Messaging.CloudAPIToken == "" || c.Messaging.PhoneNumberID == "" {
			errs = append(errs, errors.New("cloudapi transport requires WHATSAPP_ACCESS_TOKEN and WHATSAPP_PHONE_NUMBER_ID"))
		}
	case TransportTwilio:
		if c.Messaging.TwilioAccountSID == "" || c.Messaging.TwilioAuthToken == "" || c.Messaging.TwilioFrom == "" {
			errs = append(errs, errors.New("twilio transport requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER"))
		}
	case TransportWhatsmeow, TransportLog:
	default:
		errs = append(errs, fmt.Errorf("unknown MESSAGING_TRANSPORT %q", c.Messaging.Transport))
	}
	return errors.Join(errs...)
}

// LinkSigningKey returns the configured HS256 key and whether one is set.
func (c *Config) LinkSigningKey() ([]byte, bool) {
	if c.Linking.SigningKey == "" {
		return nil, false
	}
	return []byte(c.Linking.SigningKey), true
}

// ParseLevel maps a LOG_LEVEL value to a slog level; unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/CoachPipe/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig loads a log-transport configuration rooted in a temp state dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	stateDir := t.TempDir()
	t.Setenv("COACHPIPE_STATE_DIR", stateDir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("MESSAGING_TRANSPORT", "log")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("SMTP_HOST", "")
	t.Setenv("LINK_SIGNING_KEY", "")
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	return cfg
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["worker"])
	assert.True(t, names["migrate"])

	migrate, _, err := root.Find([]string{"migrate", "down"})
	require.NoError(t, err)
	assert.Equal(t, "down", migrate.Name())
}

func TestApplyFlagsStateDirMovesDefaultDSNs(t *testing.T) {
	cfg := testConfig(t)
	newDir := t.TempDir()

	applyFlags(cfg, &Flags{stateDir: newDir, logLevel: "debug"})

	assert.Equal(t, newDir, cfg.StateDir)
	assert.Equal(t, filepath.Join(newDir, config.DefaultDBFileName), cfg.Database.DSN)
	assert.Equal(t, filepath.Join(newDir, config.DefaultWhatsmeowDBFileName), cfg.Messaging.WhatsmeowDSN)
	assert.Equal(t, config.ParseLevel("debug"), cfg.LogLevel)
}

func TestApplyFlagsKeepsExplicitDSN(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.DSN = "postgres://coach@localhost/coach"

	applyFlags(cfg, &Flags{stateDir: t.TempDir(), apiAddr: ":9090"})

	assert.Equal(t, "postgres://coach@localhost/coach", cfg.Database.DSN)
	assert.Equal(t, ":9090", cfg.APIAddr)

	applyFlags(cfg, &Flags{dbDSN: "/data/other.db", dbDriver: "sqlite3"})
	assert.Equal(t, "/data/other.db", cfg.Database.DSN)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
}

func TestMigrateCommands(t *testing.T) {
	testConfig(t)
	dsn := filepath.Join(t.TempDir(), "migrate.db")

	out, err := run(t, "migrate", "version", "--db-dsn", dsn)
	require.NoError(t, err)
	assert.Equal(t, "version 0\n", out)

	out, err = run(t, "migrate", "up", "--db-dsn", dsn)
	require.NoError(t, err)
	assert.Equal(t, "version 1\n", out)

	out, err = run(t, "migrate", "down", "--db-dsn", dsn)
	require.NoError(t, err)
	assert.Equal(t, "version 0\n", out)

	_, err = run(t, "migrate", "down", "zero", "--db-dsn", dsn)
	assert.ErrorContains(t, err, "invalid step count")
}

func TestBuildAppWorkerRole(t *testing.T) {
	cfg := testConfig(t)
	a, err := buildApp(context.Background(), cfg, &Flags{}, "worker")
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.worker)
	assert.NotNil(t, a.composer)
	assert.Nil(t, a.ingress, "the worker does not build the inbound path")
	assert.Nil(t, a.server)
	assert.Nil(t, a.lock)
}

func TestBuildAppServeRoleAnswersHealth(t *testing.T) {
	cfg := testConfig(t)
	a, err := buildApp(context.Background(), cfg, &Flags{}, "serve")
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.server)
	require.NotNil(t, a.ingress)

	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildAppRejectsUnknownPolicyFile(t *testing.T) {
	cfg := testConfig(t)
	_, err := buildApp(context.Background(), cfg, &Flags{policyPath: filepath.Join(t.TempDir(), "missing.yaml")}, "worker")
	assert.ErrorContains(t, err, "load policy")
}

func TestBuildSigner(t *testing.T) {
	cfg := testConfig(t)
	_, err := buildSigner(cfg)
	assert.NoError(t, err, "the log transport gets an ephemeral key")

	cfg.Messaging.Transport = config.TransportCloudAPI
	_, err = buildSigner(cfg)
	assert.ErrorContains(t, err, "LINK_SIGNING_KEY")

	cfg.Linking.SigningKey = strings.Repeat("k", 32)
	_, err = buildSigner(cfg)
	assert.NoError(t, err)
}

func TestTwilioValidator(t *testing.T) {
	cfg := testConfig(t)
	assert.Nil(t, twilioValidator(cfg), "not the twilio transport")

	cfg.Messaging.Transport = config.TransportTwilio
	cfg.Messaging.TwilioAuthToken = "token"
	assert.Nil(t, twilioValidator(cfg), "no public URL to sign against")

	cfg.Messaging.TwilioWebhookURL = "https://coach.example/webhooks/twilio"
	assert.NotNil(t, twilioValidator(cfg))
}

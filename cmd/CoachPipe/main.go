// Command CoachPipe runs the WhatsApp coaching assistant.
//
//	CoachPipe serve            webhooks, support API and (by default) the delivery worker
//	CoachPipe worker           the delivery worker alone
//	CoachPipe migrate up|down|version
//
// Configuration comes from the environment and an optional .env file; the
// flags below override selected values.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	_ "time/tzdata"

	"github.com/BTreeMap/CoachPipe/internal/config"
	"github.com/spf13/cobra"
)

// Flags holds command line overrides. Empty values leave the environment
// configuration untouched.
type Flags struct {
	stateDir    string
	dbDriver    string
	dbDSN       string
	apiAddr     string
	logLevel    string
	policyPath  string
	qrOutput    string
	numericCode bool
}

var logLevel = new(slog.LevelVar)

func main() {
	initializeLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("CoachPipe failed", "error", err)
		os.Exit(1)
	}
}

// initializeLogger installs the text handler; the level is set once the
// configuration is loaded.
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

func newRootCmd() *cobra.Command {
	flags := &Flags{}
	root := &cobra.Command{
		Use:           "CoachPipe",
		Short:         "WhatsApp coaching assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.stateDir, "state-dir", "", "state directory for CoachPipe data (overrides $COACHPIPE_STATE_DIR)")
	pf.StringVar(&flags.dbDriver, "db-driver", "", "database driver: postgres, pgx or sqlite3 (overrides $DB_DRIVER)")
	pf.StringVar(&flags.dbDSN, "db-dsn", "", "application database DSN (overrides $DATABASE_URL)")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides $LOG_LEVEL)")

	root.AddCommand(serveCmd(flags))
	root.AddCommand(workerCmd(flags))
	root.AddCommand(migrateCmd(flags))
	return root
}

// loadConfig reads the environment and applies the flag overrides.
func loadConfig(flags *Flags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applyFlags(cfg, flags)
	logLevel.Set(cfg.LogLevel)
	slog.Debug("Final configuration",
		"state_dir", cfg.StateDir,
		"db_driver", cfg.Database.Driver,
		"dsn_set", cfg.Database.DSN != "",
		"api_addr", cfg.APIAddr,
		"transport", cfg.Messaging.Transport,
		"openai_key_set", cfg.OpenAI.APIKey != "",
		"redis", cfg.Redis.Enabled)
	return cfg, nil
}

func applyFlags(cfg *config.Config, flags *Flags) {
	if flags.stateDir != "" && flags.stateDir != cfg.StateDir {
		// DSNs still pointing at the default files follow the state directory
		if cfg.Database.DSN == filepath.Join(cfg.StateDir, config.DefaultDBFileName) {
			cfg.Database.DSN = filepath.Join(flags.stateDir, config.DefaultDBFileName)
		}
		if cfg.Messaging.WhatsmeowDSN == filepath.Join(cfg.StateDir, config.DefaultWhatsmeowDBFileName) {
			cfg.Messaging.WhatsmeowDSN = filepath.Join(flags.stateDir, config.DefaultWhatsmeowDBFileName)
		}
		slog.Debug("Updated DSNs based on state directory", "old_state_dir", cfg.StateDir, "new_state_dir", flags.stateDir)
		cfg.StateDir = flags.stateDir
	}
	if flags.dbDriver != "" {
		cfg.Database.Driver = flags.dbDriver
	}
	if flags.dbDSN != "" {
		cfg.Database.DSN = flags.dbDSN
	}
	if flags.apiAddr != "" {
		cfg.APIAddr = flags.apiAddr
	}
	if flags.logLevel != "" {
		cfg.LogLevel = config.ParseLevel(flags.logLevel)
	}
}

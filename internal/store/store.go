// Package store provides the persistence layer for CoachPipe.
//
// One query set serves PostgreSQL (lib/pq or pgx) and SQLite (mattn/go-sqlite3);
// sqlx rebinds placeholders per driver. Correctness-relevant coordination between
// concurrent webhook deliveries is done here, with conditional updates and
// unique indexes, never with in-process state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

// Supported driver names.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite3"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write violates a unique constraint.
	ErrConflict = errors.New("store: unique constraint conflict")
	// ErrTokenNotUsable is returned when a link token is missing, consumed or expired.
	ErrTokenNotUsable = errors.New("store: link token not usable")
)

// Opts holds configuration options for opening a store.
type Opts struct {
	DSN           string
	Driver        string
	SkipMigration bool
}

// Option defines a configuration option for the store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithDriver forces a driver instead of detecting it from the DSN.
func WithDriver(driver string) Option {
	return func(o *Opts) { o.Driver = driver }
}

// WithoutMigrations opens the store without applying pending migrations.
func WithoutMigrations() Option {
	return func(o *Opts) { o.SkipMigration = true }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value DSNs and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DriverPostgres
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return DriverPostgres
	}
	return DriverSQLite
}

// Store is the sqlx-backed implementation of every repository in this package.
type Store struct {
	db     *sqlx.DB
	driver string
	dsn    string
}

// Open connects to the database, applies migrations and returns a Store.
func Open(ctx context.Context, opts ...Option) (*Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("store.Open invoked", "DSN_set", cfg.DSN != "", "driver", cfg.Driver)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}

	dsn := cfg.DSN
	switch driver {
	case DriverPostgres, DriverPgx:
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
		if err := ensureSQLiteDir(dsn); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		slog.Error("Failed to open database connection", "driver", driver, "error", err)
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite has one writer; keep one connection so transactions queue instead of failing busy.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		slog.Error("Database ping failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	s := &Store{db: db, driver: driver, dsn: dsn}
	if !cfg.SkipMigration {
		if err := s.MigrateUp(); err != nil {
			db.Close()
			return nil, err
		}
	}
	slog.Info("Store opened", "driver", driver)
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the database driver name in use.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks database connectivity; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("Store transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// sqliteDSN adds the pragmas the store relies on unless the caller set them.
func sqliteDSN(dsn string) string {
	params := []string{}
	if !strings.Contains(dsn, "_foreign_keys") {
		params = append(params, "_foreign_keys=on")
	}
	if !strings.Contains(dsn, "_busy_timeout") {
		params = append(params, "_busy_timeout=5000")
	}
	if !strings.Contains(dsn, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}

// isUniqueViolation recognises unique-constraint failures from every supported driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

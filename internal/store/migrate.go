package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Migrator wraps golang-migrate bound to this store's dialect. Close releases
// the dedicated connection it was opened with.
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator opens a dedicated connection and prepares the embedded migrations.
func (s *Store) NewMigrator() (*Migrator, error) {
	dir := "migrations/postgres"
	if s.driver == DriverSQLite {
		dir = "migrations/sqlite"
	}
	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	// golang-migrate closes the handle it is given, so it never gets the pool.
	conn, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("open migration connection: %w", err)
	}

	var drv database.Driver
	switch s.driver {
	case DriverPostgres:
		drv, err = postgres.WithInstance(conn, &postgres.Config{})
	case DriverPgx:
		drv, err = pgxmigrate.WithInstance(conn, &pgxmigrate.Config{})
	case DriverSQLite:
		drv, err = sqlitemigrate.WithInstance(conn, &sqlitemigrate.Config{})
	default:
		err = fmt.Errorf("unsupported driver %q", s.driver)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.driver, drv)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Down rolls back the given number of migrations.
func (mg *Migrator) Down(steps int) error {
	if steps <= 0 {
		steps = 1
	}
	if err := mg.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Version reports the applied schema version and whether it is dirty.
func (mg *Migrator) Version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Close releases the migration connection.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

// MigrateUp applies pending migrations using a short-lived migrator.
func (s *Store) MigrateUp() error {
	mg, err := s.NewMigrator()
	if err != nil {
		return err
	}
	defer mg.Close()
	slog.Debug("Store.MigrateUp: applying migrations", "driver", s.driver)
	if err := mg.Up(); err != nil {
		slog.Error("Store.MigrateUp failed", "driver", s.driver, "error", err)
		return err
	}
	return nil
}

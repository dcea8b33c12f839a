package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var migrationFiles embed.FS

// MigrationsTable keeps the applied version apart from any other tool's
// schema_migrations table in the same database.
const MigrationsTable = "metricflow_schema_migrations"

const lockTimeout = 30 * time.Second

// ErrSchemaBehind is returned when auto-migration is off and the database is
// older than the migrations embedded in this binary.
var ErrSchemaBehind = errors.New("metrics schema is behind")

// Status is the applied schema version against the newest embedded one.
type Status struct {
	Current uint
	Latest  uint
	Dirty   bool
}

func (s Status) Pending() bool { return s.Current < s.Latest }

// RunMigrations brings the metrics schema to the newest embedded version.
// With autoMigrate false nothing is applied, and a database behind the binary
// fails with ErrSchemaBehind instead of failing later on a missing column.
func RunMigrations(db *sql.DB, autoMigrate bool) error {
	sourceDriver, err := iofs.New(migrationFiles, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	latest, err := latestVersion(sourceDriver)
	if err != nil {
		return err
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = slogLogger{}
	m.LockTimeout = lockTimeout

	status, err := currentStatus(m, latest)
	if err != nil {
		return err
	}

	if status.Dirty {
		slog.Warn("[Migrations] Dirty state, previous migration was interrupted",
			"version", status.Current,
			"action", "attempting automatic recovery",
		)
		// Every migration is idempotent (IF [NOT] EXISTS), so forcing the version is safe.
		if err := m.Force(int(status.Current)); err != nil {
			return fmt.Errorf("failed to recover dirty migration state at version %d: %w", status.Current, err)
		}
		slog.Info("[Migrations] Recovered dirty state", "version", status.Current)
	}

	if err := checkApplicable(status, autoMigrate); err != nil {
		return err
	}
	if !status.Pending() {
		slog.Info("[Migrations] Schema up to date", "version", status.Current)
		return nil
	}

	slog.Info("[Migrations] Applying", "from_version", status.Current, "to_version", status.Latest)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	applied, err := currentStatus(m, latest)
	if err != nil {
		return err
	}
	slog.Info("[Migrations] Completed",
		"from_version", status.Current,
		"to_version", applied.Current,
	)
	return nil
}

func currentStatus(m *migrate.Migrate, latest uint) (Status, error) {
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Status{}, fmt.Errorf("failed to get current migration version: %w", err)
	}
	return Status{Current: version, Latest: latest, Dirty: dirty}, nil
}

// checkApplicable rejects a database newer than the binary, and one that is
// behind while auto-migration is disabled.
func checkApplicable(s Status, autoMigrate bool) error {
	if s.Current > s.Latest {
		return fmt.Errorf("metrics schema version %d is newer than this binary (latest %d)", s.Current, s.Latest)
	}
	if s.Pending() && !autoMigrate {
		return fmt.Errorf("%w: version %d, binary expects %d; enable database.auto_migrate or migrate manually",
			ErrSchemaBehind, s.Current, s.Latest)
	}
	return nil
}

// latestVersion walks the embedded source to its last migration.
func latestVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("no embedded migrations: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read migration after version %d: %w", v, err)
		}
		v = next
	}
}

// slogLogger routes golang-migrate's progress lines into slog.
type slogLogger struct{}

func (slogLogger) Printf(format string, v ...interface{}) {
	slog.Debug("[Migrations] " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (slogLogger) Verbose() bool { return false }

package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migration files live in db/migrations as NNNNNN_name.up.sql / NNNNNN_name.down.sql pairs.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

var errDirtySchema = errors.New("schema is dirty, manual intervention required")

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create postgres migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations brings the chat configuration schema to the latest version. Running it on
// an up-to-date schema is a no-op.
func RunMigrations(db *sql.DB) error {
	return step(db, "apply", func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown reverts the latest migration. Reverting the initial one drops every stored
// chat configuration.
func MigrateDown(db *sql.DB) error {
	return step(db, "roll back", func(m *migrate.Migrate) error { return m.Steps(-1) })
}

func step(db *sql.DB, verb string, fn func(*migrate.Migrate) error) error {
	log := slog.Default().With(slog.String("component", "db_migrate"))
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("schema unchanged", slog.String("op", verb))
			return nil
		}
		return fmt.Errorf("%s migrations: %w", verb, err)
	}
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Info("schema has no migrations applied", slog.String("op", verb))
		return nil
	case err != nil:
		log.Warn("could not read schema version", slog.Any("err", err))
		return nil
	case dirty:
		return fmt.Errorf("%s migrations: version %d: %w", verb, version, errDirtySchema)
	}
	log.Info("schema migrated", slog.String("op", verb), slog.Uint64("version", uint64(version)))
	return nil
}

// SchemaVersion returns the applied migration version; 0 means none.
func SchemaVersion(db *sql.DB) (version uint, dirty bool, err error) {
	m, err := newMigrate(db)
	if err != nil {
		return 0, false, err
	}
	v, d, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return v, d, nil
}

// CheckSchema is a readiness probe: the database answers and its schema is migrated and clean.
func CheckSchema(db *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		v, dirty, err := SchemaVersion(db)
		switch {
		case err != nil:
			return err
		case dirty:
			return fmt.Errorf("version %d: %w", v, errDirtySchema)
		case v == 0:
			return errors.New("schema not migrated")
		}
		return nil
	}
}

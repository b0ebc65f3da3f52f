package store

import (
    "database/sql"
    "embed"

    "github.com/golang-migrate/migrate/v4"
    "github.com/golang-migrate/migrate/v4/database/sqlite"
    "github.com/golang-migrate/migrate/v4/source/iofs"

    "github.com/nourikan/commgateway/pkg/errors"
    "github.com/nourikan/commgateway/pkg/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations applies every pending, ordered migration. Each migration
// file is idempotent (CREATE TABLE IF NOT EXISTS / guarded ALTERs) so a
// re-run against an already-current schema is a no-op, not an error.
// Failure here is fatal and aborts process start-up (spec §7).
func RunMigrations(db *sql.DB) error {
    driver, err := sqlite.WithInstance(db, &sqlite.Config{})
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "failed to create migration driver")
    }

    source, err := iofs.New(migrationsFS, "migrations")
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "failed to open embedded migrations")
    }

    m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "failed to construct migrator")
    }

    if err := m.Up(); err != nil && err != migrate.ErrNoChange {
        return errors.Wrap(err, errors.ErrFatal, "migration failed")
    }

    version, _, _ := m.Version()
    logger.WithField("schema_version", version).Info("store migrations applied")

    return nil
}

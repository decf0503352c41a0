package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// openSource opens the embedded migration files.
var openSource = func() (source.Driver, error) {
	return iofs.New(migrationFiles, "migrations")
}

// migrateUp applies every pending migration to db.
func migrateUp(db *sql.DB) error {
	m, closeSource, err := newMigrate(db)
	if err != nil {
		return err
	}
	defer closeSource()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// schemaVersion reports the applied migration version of db.
func schemaVersion(db *sql.DB) (uint, bool, error) {
	m, closeSource, err := newMigrate(db)
	if err != nil {
		return 0, false, err
	}
	defer closeSource()
	version, dirty, err := m.Version()
	if err != nil {
		return 0, false, fmt.Errorf("store: read schema version: %w", err)
	}
	return version, dirty, nil
}

// newMigrate binds the embedded migrations to db. The returned Migrate is
// never closed, because that would close db, which the caller owns; the
// caller releases only the source through closeSource.
func newMigrate(db *sql.DB) (m *migrate.Migrate, closeSource func(), err error) {
	src, err := openSource()
	if err != nil {
		return nil, nil, fmt.Errorf("store: read migrations: %w", err)
	}
	closeSource = func() { _ = src.Close() }

	drv, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		closeSource()
		return nil, nil, fmt.Errorf("store: migration driver: %w", err)
	}
	m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		closeSource()
		return nil, nil, fmt.Errorf("store: migrate instance: %w", err)
	}
	return m, closeSource, nil
}

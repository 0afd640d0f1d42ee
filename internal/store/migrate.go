package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	schemaMigrationsPath = "migrations/schema"
	migrationsTable      = "schema_migrations"
)

//go:embed migrations/schema/*.sql
var migrationsFS embed.FS

// MigrateSchema applies forward-only migrations to db, tracked in the
// schema_migrations table per the persisted-state-layout contract.
func MigrateSchema(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate %s: nil db", schemaMigrationsPath)
	}

	sourceDriver, err := iofs.New(migrationsFS, schemaMigrationsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", schemaMigrationsPath, err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("migrate %s: init db driver: %w", schemaMigrationsPath, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate %s: init migrator: %w", schemaMigrationsPath, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", schemaMigrationsPath, err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, surfaced on
// the Control API's /status response.
func SchemaVersion(db *sql.DB) (int, error) {
	row := db.QueryRow(fmt.Sprintf("SELECT version FROM %s LIMIT 1", migrationsTable))
	var version int
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// Package store implements the edge agent's local persistence layer: a
// single embedded SQLite database holding tenant/register/device_register
// reference data, meters, the reading outbound queue, and the sync log.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// CreateSchemaDDL is the DDL applied by InitDB before migrations run; it is
// idempotent and only ever adds tables golang-migrate doesn't yet know about
// on a brand new database file. The authoritative schema evolution lives in
// the embedded migrations (see migrate.go).
const CreateSchemaDDL = `
CREATE TABLE IF NOT EXISTS tenant (
	id              TEXT PRIMARY KEY,
	display_name    TEXT NOT NULL,
	api_key         TEXT NOT NULL,
	last_seen_ns    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS register (
	id              TEXT PRIMARY KEY,
	device_id       TEXT NOT NULL,
	name            TEXT NOT NULL,
	base_number     INTEGER NOT NULL,
	unit            TEXT NOT NULL DEFAULT '',
	field_name      TEXT NOT NULL,
	updated_at_ns   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS device_register (
	id              TEXT PRIMARY KEY,
	device_id       TEXT NOT NULL,
	register_id     TEXT NOT NULL,
	UNIQUE (device_id, register_id)
);

CREATE TABLE IF NOT EXISTS meter (
	id                  TEXT PRIMARY KEY,
	display_name        TEXT NOT NULL,
	ip                  TEXT NOT NULL,
	port                INTEGER NOT NULL,
	protocol            TEXT NOT NULL,
	device_id           TEXT NOT NULL,
	element_tag         TEXT NOT NULL DEFAULT 'A',
	active              INTEGER NOT NULL DEFAULT 1,
	register_map_json   TEXT NOT NULL DEFAULT '',
	last_reading_at_ns  INTEGER NOT NULL DEFAULT 0,
	updated_at_ns       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS meter_reading (
	id              TEXT PRIMARY KEY,
	meter_id        TEXT NOT NULL,
	timestamp_ns    INTEGER NOT NULL,
	field_name      TEXT NOT NULL,
	value           REAL NOT NULL,
	unit            TEXT NOT NULL DEFAULT '',
	quality         TEXT NOT NULL DEFAULT 'good',
	synchronized    INTEGER NOT NULL DEFAULT 0,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	quarantined     INTEGER NOT NULL DEFAULT 0,
	created_at_ns   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_meter_reading_unsync ON meter_reading (synchronized, created_at_ns);
CREATE UNIQUE INDEX IF NOT EXISTS idx_meter_reading_identity ON meter_reading (meter_id, timestamp_ns, field_name);

CREATE TABLE IF NOT EXISTS sync_log (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	batch_size      INTEGER NOT NULL DEFAULT 0,
	success         INTEGER NOT NULL,
	error_msg       TEXT NOT NULL DEFAULT '',
	timestamp_ns    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_log_timestamp ON sync_log (timestamp_ns);
`

// OpenDB opens (or creates) a SQLite database at path with recommended pragmas:
// WAL journal mode, synchronous=NORMAL, foreign_keys=ON, busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

// InitDB executes DDL statements on the given database.
func InitDB(db *sql.DB, ddl string) error {
	_, err := db.Exec(ddl)
	return err
}

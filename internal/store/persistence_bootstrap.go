package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Bootstrap opens (or creates) the local sqlite database under stateDir,
// applies DDL and migrations, and returns a ready-to-use Store; the caller
// releases it with Store.Close. dbName is the sqlite filename
// (EnvConfig.LocalDBName).
func Bootstrap(stateDir, dbName string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}

	dbPath := filepath.Join(stateDir, dbName)

	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbName, err)
	}

	if err := InitDB(db, CreateSchemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if err := MigrateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return newStore(db), nil
}

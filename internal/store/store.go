// Package store opens the shared sqlite database backing ModelRegistry and
// SessionStore and initializes its schema. Grounded on
// original_source/capi-core/src/db/mod.rs's Database::open: plain,
// idempotent CREATE TABLE IF NOT EXISTS statements executed at startup, with
// a manual column check standing in for a migration framework.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (creating if necessary) the sqlite database at path and
// ensures its schema is present.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes internally; a single open connection
	// avoids SQLITE_BUSY from concurrent writers on the same file.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return db, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			local_path TEXT NOT NULL,
			quantization_tag TEXT,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			estimated_memory_bytes INTEGER NOT NULL DEFAULT 0,
			supported_devices TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			model_id TEXT,
			title TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, sequence),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return addColumnIfMissing(db, "models", "context_override", "INTEGER")
}

// addColumnIfMissing runs an ALTER TABLE when a later-added column is absent
// from an existing database file, mirroring the original's has_estimated_memory
// check in Database::open.
func addColumnIfMissing(db *sql.DB, table, column, sqlType string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return rows.Err()
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, sqlType))
	return err
}

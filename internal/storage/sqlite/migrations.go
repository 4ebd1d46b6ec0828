package sqlite

import "database/sql"

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS evaluations (
    id         TEXT PRIMARY KEY,
    runtime_id TEXT NOT NULL,
    container  TEXT NOT NULL,
    code       TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'pending'
               CHECK(status IN ('pending','completed','failed','crashed')),
    value      TEXT NOT NULL DEFAULT '',
    error      TEXT NOT NULL DEFAULT '',
    elapsed_ms INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_evaluations_runtime ON evaluations(runtime_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_container ON evaluations(runtime_id, container);
CREATE INDEX IF NOT EXISTS idx_evaluations_status ON evaluations(status);
`

func runMigrations(db *sql.DB) error {
	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	// Check current version
	var version int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&version); err != nil {
		version = 0
	}

	if version >= schemaVersion {
		return nil
	}

	if _, err := db.Exec(schemaV1); err != nil {
		return err
	}

	if _, err := db.Exec("DELETE FROM schema_version"); err != nil {
		return err
	}
	_, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
	return err
}

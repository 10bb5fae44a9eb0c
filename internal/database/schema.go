package database

import "fmt"

// The extensions table is the registry of installed extensions.
// extension_state is deliberately separate: a slug absent from it is
// treated as enabled, and uninstall removes the row entirely instead of
// leaving a stale disabled flag behind.

var schemaSQLite = `
CREATE TABLE IF NOT EXISTS schema_info (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS extensions (
	slug TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	size INTEGER DEFAULT 0,
	installed_at DATETIME,
	updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS extension_state (
	slug TEXT PRIMARY KEY,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS baselines (
	slug TEXT PRIMARY KEY,
	created_at DATETIME
);

CREATE TABLE IF NOT EXISTS baseline_files (
	slug TEXT NOT NULL,
	path TEXT NOT NULL,
	hash TEXT NOT NULL,
	PRIMARY KEY (slug, path)
);
CREATE INDEX IF NOT EXISTS idx_baseline_files_slug ON baseline_files(slug);
`

var schemaPostgres = `
CREATE TABLE IF NOT EXISTS schema_info (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS extensions (
	slug TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	size BIGINT DEFAULT 0,
	installed_at TIMESTAMP,
	updated_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS extension_state (
	slug TEXT PRIMARY KEY,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS baselines (
	slug TEXT PRIMARY KEY,
	created_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS baseline_files (
	slug TEXT NOT NULL,
	path TEXT NOT NULL,
	hash TEXT NOT NULL,
	PRIMARY KEY (slug, path)
);
CREATE INDEX IF NOT EXISTS idx_baseline_files_slug ON baseline_files(slug);
`

// CreateSchema creates all tables and records the schema version.
func (db *DB) CreateSchema() error {
	schema := schemaSQLite
	if db.dialect == DialectPostgres {
		schema = schemaPostgres
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}

	var count int
	if err := db.Get(&count, "SELECT COUNT(*) FROM schema_info"); err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}
	if count == 0 {
		query := db.Rebind("INSERT INTO schema_info (version) VALUES (?)")
		if _, err := db.Exec(query, SchemaVersion); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
	}

	return nil
}

// CurrentSchemaVersion returns the recorded schema version.
func (db *DB) CurrentSchemaVersion() (int, error) {
	var version int
	if err := db.Get(&version, "SELECT version FROM schema_info LIMIT 1"); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

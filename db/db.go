// Package db persists the scraper's quota ledger, cached catalog records and
// the index of downloaded media in SQLite.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"github.com/XSAM/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates a SQLite database at the given path.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": {"foreign_keys(1)", "busy_timeout(5000)", "journal_mode(WAL)"},
	}.Encode()

	conn, err := otelsql.Open("sqlite", dsn, otelsql.WithAttributes(semconv.DBSystemSqlite))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writers.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

// migrate runs database migrations up to the current schema version.
func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if version < 1 {
		if err := db.migrateV1(ctx); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := db.migrateV2(ctx); err != nil {
			return err
		}
	}

	return nil
}

// migrateV1 creates the quota ledger and the lookup cache.
func (db *DB) migrateV1(ctx context.Context) error {
	schema := `
		-- One row per request that reached the catalog
		CREATE TABLE IF NOT EXISTS quota_ledger (
			id INTEGER PRIMARY KEY,
			credential TEXT NOT NULL,
			dispatched_at INTEGER NOT NULL  -- unix nanoseconds
		);

		CREATE INDEX IF NOT EXISTS idx_quota_ledger_credential_time ON quota_ledger(credential, dispatched_at);

		CREATE TABLE IF NOT EXISTS game_records (
			game_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			platform_id INTEGER,
			payload TEXT NOT NULL,  -- JSON encoded catalog record
			fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		-- ROM hash to game; game_id NULL records a miss
		CREATE TABLE IF NOT EXISTS rom_lookups (
			sha1 TEXT PRIMARY KEY,
			platform_id INTEGER NOT NULL,
			game_id TEXT,
			looked_up_at INTEGER NOT NULL,  -- unix nanoseconds
			FOREIGN KEY(game_id) REFERENCES game_records(game_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_rom_lookups_game_id ON rom_lookups(game_id);

		INSERT INTO schema_version (version) VALUES (1);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute v1 migration: %w", err)
	}

	return nil
}

// migrateV2 adds the downloaded media index.
func (db *DB) migrateV2(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS game_media (
			id INTEGER PRIMARY KEY,
			game_id TEXT NOT NULL,
			category TEXT NOT NULL,
			region TEXT,
			url TEXT,
			local_path TEXT NOT NULL,
			downloaded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(game_id) REFERENCES game_records(game_id) ON DELETE CASCADE,
			UNIQUE(game_id, category)
		);

		INSERT INTO schema_version (version) VALUES (2);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute v2 migration: %w", err)
	}

	return nil
}

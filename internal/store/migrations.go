package store

import "database/sql"

// migration is one forward-only, idempotent schema step. Migrations never
// rewrite history; a new requirement gets a new, higher-numbered migration.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS accounts (
	id                        INTEGER PRIMARY KEY AUTOINCREMENT,
	label                     TEXT NOT NULL DEFAULT '',
	email                     TEXT NOT NULL DEFAULT '',
	refresh_token_ciphertext  BLOB NOT NULL,
	refresh_token_fingerprint TEXT NOT NULL UNIQUE,
	access_token              TEXT NOT NULL DEFAULT '',
	access_token_expires_at   INTEGER,
	quota_limit               INTEGER NOT NULL DEFAULT 0,
	quota_used                INTEGER NOT NULL DEFAULT 0,
	quota_next_refresh_time   INTEGER,
	quota_refresh_duration_s  INTEGER NOT NULL DEFAULT 0,
	quota_is_unlimited        INTEGER NOT NULL DEFAULT 0,
	usage_count               INTEGER NOT NULL DEFAULT 0,
	error_count               INTEGER NOT NULL DEFAULT 0,
	last_error_code           TEXT NOT NULL DEFAULT '',
	last_error_message        TEXT NOT NULL DEFAULT '',
	last_success_at           INTEGER,
	last_check_at             INTEGER,
	cooldown_until            INTEGER,
	status                    TEXT NOT NULL CHECK(status IN ('active','cooldown','blocked','quota_exhausted','disabled')),
	created_at                INTEGER NOT NULL,
	updated_at                INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);

CREATE TABLE IF NOT EXISTS health_snapshots (
	account_id            INTEGER PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
	healthy               INTEGER,
	last_checked_at       INTEGER,
	last_success_at       INTEGER,
	consecutive_failures  INTEGER NOT NULL DEFAULT 0,
	latency_ms            INTEGER,
	last_error            TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id  INTEGER,
	actor       TEXT NOT NULL CHECK(actor IN ('admin','runtime','monitor')),
	action      TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	detail_json TEXT NOT NULL DEFAULT '{}',
	at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_account_id ON audit_events(account_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_at ON audit_events(at);

CREATE TABLE IF NOT EXISTS app_state (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER
);
`,
	},
}

// migrate applies every migration with a version greater than the current
// schema_migrations max, in order, inside one transaction each.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return err
	}

	applied := map[int]bool{}
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))`, m.version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

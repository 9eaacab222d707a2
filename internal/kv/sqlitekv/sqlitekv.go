// Package sqlitekv implements kv.Store on top of the same SQLite connection
// the account Store already owns, avoiding a second database file for the
// common single-process deployment (spec.md §3 App State KV).
package sqlitekv

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warpgate/tokenpool/internal/kv"
)

// KV stores opaque blobs in the app_state table created by the account
// store's migrations.
type KV struct {
	db *sql.DB
}

// New wraps an existing *sql.DB, typically obtained via store.Store.DB().
func New(db *sql.DB) *KV {
	return &KV{db: db}
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	row := k.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, time.Now().UTC().Unix())
	var value []byte
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("sqlitekv: get %s: %w", key, err)
	}
	return value, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt any
	if ttl != 0 {
		expiresAt = time.Now().UTC().Add(ttl).Unix()
	}
	_, err := k.db.ExecContext(ctx, `INSERT INTO app_state (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("sqlitekv: set %s: %w", key, err)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	_, err := k.db.ExecContext(ctx, `DELETE FROM app_state WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("sqlitekv: delete %s: %w", key, err)
	}
	return nil
}

// Incr atomically increments an integer counter stored as its decimal
// string form, creating it at 1 if absent, like Redis INCR in rediskv.
func (k *KV) Incr(ctx context.Context, key string) (int64, error) {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlitekv: incr %s begin: %w", key, err)
	}
	defer tx.Rollback()

	var current int64
	row := tx.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key)
	var raw []byte
	switch err := row.Scan(&raw); err {
	case nil:
		fmt.Sscanf(string(raw), "%d", &current)
	case sql.ErrNoRows:
		current = 0
	default:
		return 0, fmt.Errorf("sqlitekv: incr %s read: %w", key, err)
	}

	next := current + 1
	_, err = tx.ExecContext(ctx, `INSERT INTO app_state (key, value, expires_at) VALUES (?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, []byte(fmt.Sprintf("%d", next)))
	if err != nil {
		return 0, fmt.Errorf("sqlitekv: incr %s write: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlitekv: incr %s commit: %w", key, err)
	}
	return next, nil
}

// Close is a no-op: the *sql.DB is owned by the account store.
func (k *KV) Close() error { return nil }

// Package store is the single-writer SQLite-backed repository for
// accounts, audit events, health snapshots, and app-wide key-value state
// (spec.md §4.2). A process-wide Store instance exclusively owns the
// database handle; every other component holds only account ids.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warpgate/tokenpool/internal/cryptobox"
)

// ErrDuplicate is returned by Insert/BatchImport when a refresh-token
// fingerprint already exists.
var ErrDuplicate = errors.New("store: duplicate refresh token")

// ErrNotFound is returned when an id has no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the process-wide SQLite repository.
type Store struct {
	db     *sql.DB
	box    *cryptobox.Box
	logger *slog.Logger
}

// Options configures Open.
type Options struct {
	Path   string
	Box    *cryptobox.Box
	Logger *slog.Logger
}

// Open opens (creating if absent) the SQLite database at opts.Path, enables
// WAL and NORMAL synchronous mode per spec.md §4.2, and runs migrations.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", opts.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", opts.Path, err)
	}
	// SQLite allows only one writer; a single connection keeps writes
	// serialized without relying on busy-retry loops.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db, box: opts.Box, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for components that need it directly, such as
// the sqlitekv backend sharing the same connection (spec.md §3 App State KV).
func (s *Store) DB() *sql.DB {
	return s.db
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

const accountColumns = `id, label, email, refresh_token_ciphertext, refresh_token_fingerprint,
	access_token, access_token_expires_at, quota_limit, quota_used, quota_next_refresh_time,
	quota_refresh_duration_s, quota_is_unlimited, usage_count, error_count,
	last_error_code, last_error_message, last_success_at, last_check_at, cooldown_until,
	status, created_at, updated_at`

func scanAccount(scan func(dest ...any) error) (*Account, error) {
	var a Account
	var accessExp, quotaNext, lastSuccess, lastCheck, cooldown sql.NullInt64
	var created, updated int64
	var quotaIsUnlimited int
	var status string

	err := scan(
		&a.ID, &a.Label, &a.Email, &a.RefreshTokenCiphertext, &a.RefreshTokenFingerprint,
		&a.AccessToken, &accessExp, &a.Quota.Limit, &a.Quota.Used, &quotaNext,
		&a.Quota.RefreshDuration, &quotaIsUnlimited, &a.UsageCount, &a.ErrorCount,
		&a.LastErrorCode, &a.LastErrorMessage, &lastSuccess, &lastCheck, &cooldown,
		&status, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	a.Status = Status(status)
	a.Quota.IsUnlimited = quotaIsUnlimited != 0
	a.Quota.RefreshDuration = a.Quota.RefreshDuration * time.Second
	a.AccessTokenExpiry = timeFromNull(accessExp)
	a.Quota.NextRefreshTime = timeFromNull(quotaNext)
	a.LastSuccessAt = timeFromNull(lastSuccess)
	a.LastCheckAt = timeFromNull(lastCheck)
	a.CooldownUntil = timeFromNull(cooldown)
	a.CreatedAt = time.Unix(created, 0).UTC()
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	return &a, nil
}

// List returns every account, ordered by id for deterministic output.
func (s *Store) List(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Get returns a single account by id.
func (s *Store) Get(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account %d: %w", id, err)
	}
	return a, nil
}

// FindByFingerprint returns the account matching a refresh-token fingerprint,
// or ErrNotFound.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE refresh_token_fingerprint = ?`, fingerprint)
	a, err := scanAccount(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find by fingerprint: %w", err)
	}
	return a, nil
}

// DecryptRefreshToken decrypts the stored refresh token for an account.
// A decrypt failure disables the account and logs an audit event per
// spec.md §4.1; it does not return the underlying crypto error verbatim.
func (s *Store) DecryptRefreshToken(ctx context.Context, a *Account) (string, error) {
	plaintext, err := s.box.Open(a.RefreshTokenCiphertext)
	if err != nil {
		s.logger.Error("refresh token decrypt failed, disabling account", "account_id", a.ID, "error", err)
		_ = s.Transition(ctx, a.ID, Transition{
			NewStatus:        statusPtr(StatusDisabled),
			LastErrorCode:    "decrypt_failed",
			LastErrorMessage: "refresh token ciphertext failed authentication",
			Actor:            ActorRuntime,
			Action:           "decrypt_failed",
			Outcome:          "disabled",
		})
		return "", cryptobox.ErrDecryptFailed
	}
	return string(plaintext), nil
}

// Insert creates a new account from a plaintext refresh token, encrypting it
// and computing its fingerprint. Returns ErrDuplicate if the fingerprint
// already exists (spec.md §8.5 idempotent import).
func (s *Store) Insert(ctx context.Context, refreshToken, label string) (*Account, error) {
	fingerprint := cryptobox.Fingerprint(refreshToken)
	ciphertext, err := s.box.Seal([]byte(refreshToken))
	if err != nil {
		return nil, fmt.Errorf("store: encrypt refresh token: %w", err)
	}

	now := time.Now().UTC().Unix()
	res, err := s.db.ExecContext(ctx, `INSERT INTO accounts
		(label, refresh_token_ciphertext, refresh_token_fingerprint, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		label, ciphertext, fingerprint, string(StatusActive), now, now)
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("store: insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: insert account: %w", err)
	}

	if err := s.appendAuditTx(ctx, id, ActorRuntime, "insert", "ok", nil); err != nil {
		s.logger.Warn("failed to write audit event for insert", "account_id", id, "error", err)
	}

	return s.Get(ctx, id)
}

// BatchImportItem is one row of a batch_import request.
type BatchImportItem struct {
	RefreshToken string
	Label        string
}

// BatchImport deduplicates by fingerprint and imports the rest, returning
// per-row outcomes (spec.md §4.2, §4.9, §8.5).
func (s *Store) BatchImport(ctx context.Context, items []BatchImportItem) (*BatchImportResult, error) {
	result := &BatchImportResult{}
	for _, item := range items {
		if item.RefreshToken == "" {
			result.Errors = append(result.Errors, "empty refresh token")
			continue
		}
		_, err := s.Insert(ctx, item.RefreshToken, item.Label)
		switch {
		case errors.Is(err, ErrDuplicate):
			result.Duplicates++
		case err != nil:
			result.Errors = append(result.Errors, err.Error())
		default:
			result.Inserted++
		}
	}
	return result, nil
}

// Update applies an admin patch (status and/or label), writing an audit
// event in the same transaction. A no-op patch (status already equals the
// current value) still succeeds without emitting a spurious transition.
func (s *Store) Update(ctx context.Context, id int64, patch UpdatePatch, actor Actor) (*Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: update begin: %w", err)
	}
	defer tx.Rollback()

	current, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Unix()}
	changed := false

	if patch.Label != nil && *patch.Label != current.Label {
		sets = append(sets, "label = ?")
		args = append(args, *patch.Label)
		changed = true
	}
	if patch.Status != nil && *patch.Status != current.Status {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
		changed = true
	}

	if changed {
		args = append(args, id)
		q := "UPDATE accounts SET " + joinSets(sets) + " WHERE id = ?"
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return nil, fmt.Errorf("store: update account %d: %w", id, err)
		}

		detail, _ := json.Marshal(map[string]any{"label": patch.Label, "status": patch.Status})
		if err := insertAudit(ctx, tx, &id, actor, "admin_update", "ok", detail); err != nil {
			return nil, fmt.Errorf("store: update audit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: update commit: %w", err)
	}
	return s.Get(ctx, id)
}

// Delete removes an account. Admin-only per spec.md §3.
func (s *Store) Delete(ctx context.Context, id int64, actor Actor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete account %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if err := insertAudit(ctx, tx, nil, actor, "delete", "ok", []byte(fmt.Sprintf(`{"account_id":%d}`, id))); err != nil {
		return err
	}
	return tx.Commit()
}

// BatchDelete removes several accounts, each in its own audited transaction.
func (s *Store) BatchDelete(ctx context.Context, ids []int64, actor Actor) (int, []string) {
	deleted := 0
	var errs []string
	for _, id := range ids {
		if err := s.Delete(ctx, id, actor); err != nil {
			errs = append(errs, fmt.Sprintf("%d: %v", id, err))
			continue
		}
		deleted++
	}
	return deleted, errs
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, id int64) (*Account, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func statusPtr(s Status) *Status { return &s }

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SnapshotHealth upserts a Health Monitor pass result for one account
// (spec.md §4.2, owned exclusively by the Health Monitor per §3).
func (s *Store) SnapshotHealth(ctx context.Context, snap HealthSnapshot) error {
	var healthy sql.NullBool
	if snap.Healthy != nil {
		healthy = sql.NullBool{Bool: *snap.Healthy, Valid: true}
	}
	var latency sql.NullInt64
	if snap.LatencyMS != nil {
		latency = sql.NullInt64{Int64: int64(*snap.LatencyMS), Valid: true}
	}

	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(ctx, `INSERT INTO health_snapshots
		(account_id, healthy, last_checked_at, last_success_at, consecutive_failures, latency_ms, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			healthy = excluded.healthy,
			last_checked_at = excluded.last_checked_at,
			last_success_at = COALESCE(excluded.last_success_at, health_snapshots.last_success_at),
			consecutive_failures = excluded.consecutive_failures,
			latency_ms = excluded.latency_ms,
			last_error = excluded.last_error`,
		snap.AccountID, healthy, now, unixOrNil(snap.LastSuccessAt), snap.ConsecutiveFailures, latency, snap.LastError)
	if err != nil {
		return fmt.Errorf("store: snapshot health %d: %w", snap.AccountID, err)
	}
	return nil
}

// ReadHealth returns the last known Health Snapshot for an account, or nil
// if the Health Monitor has never probed it.
func (s *Store) ReadHealth(ctx context.Context, accountID int64) (*HealthSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT account_id, healthy, last_checked_at, last_success_at,
		consecutive_failures, latency_ms, last_error FROM health_snapshots WHERE account_id = ?`, accountID)

	var snap HealthSnapshot
	var healthy sql.NullBool
	var lastChecked, lastSuccess, latency sql.NullInt64
	err := row.Scan(&snap.AccountID, &healthy, &lastChecked, &lastSuccess, &snap.ConsecutiveFailures, &latency, &snap.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read health %d: %w", accountID, err)
	}
	if healthy.Valid {
		h := healthy.Bool
		snap.Healthy = &h
	}
	snap.LastCheckedAt = timeFromNull(lastChecked)
	snap.LastSuccessAt = timeFromNull(lastSuccess)
	if latency.Valid {
		v := int(latency.Int64)
		snap.LatencyMS = &v
	}
	return &snap, nil
}

// ListHealth returns the Health Snapshot for every account that has one.
func (s *Store) ListHealth(ctx context.Context) (map[int64]*HealthSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id, healthy, last_checked_at, last_success_at,
		consecutive_failures, latency_ms, last_error FROM health_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("store: list health: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*HealthSnapshot)
	for rows.Next() {
		var snap HealthSnapshot
		var healthy sql.NullBool
		var lastChecked, lastSuccess, latency sql.NullInt64
		if err := rows.Scan(&snap.AccountID, &healthy, &lastChecked, &lastSuccess, &snap.ConsecutiveFailures, &latency, &snap.LastError); err != nil {
			return nil, fmt.Errorf("store: scan health: %w", err)
		}
		if healthy.Valid {
			h := healthy.Bool
			snap.Healthy = &h
		}
		snap.LastCheckedAt = timeFromNull(lastChecked)
		snap.LastSuccessAt = timeFromNull(lastSuccess)
		if latency.Valid {
			v := int(latency.Int64)
			snap.LatencyMS = &v
		}
		out[snap.AccountID] = &snap
	}
	return out, rows.Err()
}

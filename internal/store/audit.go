package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func insertAudit(ctx context.Context, tx *sql.Tx, accountID *int64, actor Actor, action, outcome string, detail []byte) error {
	if len(detail) == 0 {
		detail = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_events (account_id, actor, action, outcome, detail_json, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, string(actor), action, outcome, string(detail), time.Now().UTC().Unix())
	return err
}

// AppendAudit writes a standalone audit event. Exposed for admin actions
// (e.g. refresh-all) that don't otherwise touch the accounts table in the
// same operation.
func (s *Store) AppendAudit(ctx context.Context, e AuditEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	detail := []byte(e.DetailJSON)
	if err := insertAudit(ctx, tx, e.AccountID, e.Actor, e.Action, e.Outcome, detail); err != nil {
		return err
	}
	return tx.Commit()
}

// ListAudit returns audit events matching filter, most recent first,
// bounded by limit (spec.md §4.2, GET /admin/api/tokens/events).
func (s *Store) ListAudit(ctx context.Context, filter AuditFilter, limit int) ([]*AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := `SELECT id, account_id, actor, action, outcome, detail_json, at FROM audit_events WHERE 1=1`
	var args []any

	if filter.AccountID != nil {
		q += ` AND account_id = ?`
		args = append(args, *filter.AccountID)
	}
	if filter.Actor != "" {
		q += ` AND actor = ?`
		args = append(args, string(filter.Actor))
	}
	if filter.Action != "" {
		q += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if filter.After != nil {
		q += ` AND at >= ?`
		args = append(args, filter.After.Unix())
	}
	if filter.Before != nil {
		q += ` AND at <= ?`
		args = append(args, filter.Before.Unix())
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var accountID sql.NullInt64
		var at int64
		if err := rows.Scan(&e.ID, &accountID, &e.Actor, &e.Action, &e.Outcome, &e.DetailJSON, &at); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		if accountID.Valid {
			id := accountID.Int64
			e.AccountID = &id
		}
		e.At = time.Unix(at, 0).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

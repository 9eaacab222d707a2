package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Transition describes one atomic mutation of an account row plus the
// audit event that must land in the same transaction (spec.md §4.2, §5,
// invariant #2 in §8). Only non-nil/non-zero fields are applied; this lets
// every call site (Dispatch outcomes, Health Monitor passes, admin actions)
// share one code path instead of hand-rolling UPDATE statements.
type Transition struct {
	NewStatus       *Status
	CooldownUntil   *time.Time
	ClearCooldown   bool
	ResetErrorCount bool
	BumpError       bool
	BumpUsage       bool

	LastErrorCode    string
	LastErrorMessage string

	SetLastSuccessNow bool
	SetLastCheckNow   bool

	SetAccessToken       *string
	SetAccessTokenExpiry *time.Time
	SetQuota             *Quota

	Actor   Actor
	Action  string
	Outcome string
	Detail  map[string]any
}

// Transition applies t to account id inside one transaction, emitting a
// matching audit event before commit when t.Action is set.
func (s *Store) Transition(ctx context.Context, id int64, t Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: transition begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	sets := []string{"updated_at = ?"}
	args := []any{now.Unix()}

	if t.NewStatus != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*t.NewStatus))
	}
	if t.ClearCooldown {
		sets = append(sets, "cooldown_until = NULL")
	} else if t.CooldownUntil != nil {
		sets = append(sets, "cooldown_until = ?")
		args = append(args, t.CooldownUntil.Unix())
	}
	if t.ResetErrorCount {
		sets = append(sets, "error_count = 0")
	} else if t.BumpError {
		sets = append(sets, "error_count = error_count + 1")
	}
	if t.BumpUsage {
		sets = append(sets, "usage_count = usage_count + 1")
	}
	if t.LastErrorCode != "" {
		sets = append(sets, "last_error_code = ?")
		args = append(args, t.LastErrorCode)
	}
	if t.LastErrorMessage != "" {
		sets = append(sets, "last_error_message = ?")
		args = append(args, t.LastErrorMessage)
	}
	if t.SetLastSuccessNow {
		sets = append(sets, "last_success_at = ?")
		args = append(args, now.Unix())
	}
	if t.SetLastCheckNow {
		sets = append(sets, "last_check_at = ?")
		args = append(args, now.Unix())
	}
	if t.SetAccessToken != nil {
		sets = append(sets, "access_token = ?")
		args = append(args, *t.SetAccessToken)
	}
	if t.SetAccessTokenExpiry != nil {
		sets = append(sets, "access_token_expires_at = ?")
		args = append(args, t.SetAccessTokenExpiry.Unix())
	}
	if t.SetQuota != nil {
		sets = append(sets, "quota_limit = ?", "quota_used = ?", "quota_refresh_duration_s = ?", "quota_is_unlimited = ?")
		args = append(args, t.SetQuota.Limit, t.SetQuota.Used, int64(t.SetQuota.RefreshDuration/time.Second), boolToInt(t.SetQuota.IsUnlimited))
		if t.SetQuota.NextRefreshTime != nil {
			sets = append(sets, "quota_next_refresh_time = ?")
			args = append(args, t.SetQuota.NextRefreshTime.Unix())
		}
	}

	args = append(args, id)
	q := "UPDATE accounts SET " + joinSets(sets) + " WHERE id = ?"
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("store: transition update account %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if t.Action != "" {
		detail, _ := json.Marshal(t.Detail)
		actor := t.Actor
		if actor == "" {
			actor = ActorRuntime
		}
		if err := insertAudit(ctx, tx, &id, actor, t.Action, t.Outcome, detail); err != nil {
			return fmt.Errorf("store: transition audit: %w", err)
		}
	}

	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// appendAuditTx writes a standalone audit event outside of Transition, used
// by Insert and other single-statement mutations. Audit writes are
// best-effort per spec.md §7: a failure is logged, never propagated as the
// parent operation's error.
func (s *Store) appendAuditTx(ctx context.Context, accountID int64, actor Actor, action, outcome string, detail []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertAudit(ctx, tx, &accountID, actor, action, outcome, detail); err != nil {
		return err
	}
	return tx.Commit()
}

// Package readiness implements the Readiness Reporter (spec.md §4.10): a
// pure projection over the Account Store answering whether the pool can
// serve traffic right now.
package readiness

import (
	"context"
	"time"

	"github.com/warpgate/tokenpool/internal/store"
)

// Snapshot is the readiness projection returned to the Admin Surface and
// to adapters deciding whether to dispatch at all.
type Snapshot struct {
	Total          int    `json:"total"`
	Available      int    `json:"available"`
	Cooldown       int    `json:"cooldown"`
	Blocked        int    `json:"blocked"`
	QuotaExhausted int    `json:"quota_exhausted"`
	Disabled       int    `json:"disabled"`
	Ready          bool   `json:"ready"`
	NextRecoveryAt *int64 `json:"next_recovery_at,omitempty"`
}

// Reporter computes readiness snapshots on demand.
type Reporter struct {
	store         *store.Store
	failThreshold int
}

// New constructs a Reporter. failThreshold mirrors the Account Selector's
// H_FAIL_THRESHOLD (spec.md §4.5) so snap.Ready agrees with whether the
// Selector would actually find an eligible account; 0 disables the check,
// same as pool.Options.FailThreshold.
func New(s *store.Store, failThreshold int) *Reporter {
	return &Reporter{store: s, failThreshold: failThreshold}
}

// Report returns the current readiness snapshot. ready = available > 0
// (spec.md §4.10, §8 invariant #6).
func (r *Reporter) Report(ctx context.Context) (*Snapshot, error) {
	accounts, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	health, err := r.store.ListHealth(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Total: len(accounts)}
	now := time.Now()
	var earliestRecovery *time.Time

	for _, a := range accounts {
		switch a.Status {
		case store.StatusActive:
			if a.CooldownUntil != nil && a.CooldownUntil.After(now) {
				snap.Cooldown++
				earliestRecovery = earlier(earliestRecovery, a.CooldownUntil)
				break
			}
			if r.failThreshold > 0 {
				if h := health[a.ID]; h != nil && h.ConsecutiveFailures >= r.failThreshold {
					break // matches pool.Selector's eligibility predicate
				}
			}
			snap.Available++
		case store.StatusCooldown:
			snap.Cooldown++
			earliestRecovery = earlier(earliestRecovery, a.CooldownUntil)
		case store.StatusBlocked:
			snap.Blocked++
		case store.StatusQuotaExhausted:
			snap.QuotaExhausted++
			earliestRecovery = earlier(earliestRecovery, a.CooldownUntil)
		case store.StatusDisabled:
			snap.Disabled++
		}
	}

	snap.Ready = snap.Available > 0
	if !snap.Ready && earliestRecovery != nil {
		t := earliestRecovery.Unix()
		snap.NextRecoveryAt = &t
	}
	return snap, nil
}

func earlier(current, candidate *time.Time) *time.Time {
	if candidate == nil {
		return current
	}
	if current == nil || candidate.Before(*current) {
		return candidate
	}
	return current
}

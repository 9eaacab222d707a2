// Package pool implements the Account Selector (spec.md §4.5): choosing
// one eligible account from the pool under a deterministic ordering, with
// per-account exclusivity enforced via an in-memory lock map. Unlike the
// teacher's selector, eligibility filtering here is strict — there is no
// "fall back to all accounts" escape hatch, because an account that fails
// the eligibility predicate is, by definition, not safe to dispatch to.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/warpgate/tokenpool/internal/store"
)

// ErrUnavailable is returned when no eligible account exists, or every
// eligible account's lock is busy past the wait timeout.
var ErrUnavailable = errors.New("pool: no eligible account available")

// DefaultLockWait bounds how long Select waits for a busy lock to free
// when every eligible account is currently held (spec.md §4.5).
const DefaultLockWait = 2 * time.Second

// Selector chooses accounts and brokers their per-account locks.
type Selector struct {
	store          *store.Store
	logger         *slog.Logger
	failThreshold  int
	lockWait       time.Duration

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// Options configures a Selector.
type Options struct {
	Store         *store.Store
	Logger        *slog.Logger
	FailThreshold int // H_FAIL_THRESHOLD
	LockWait      time.Duration
}

// New constructs a Selector.
func New(opts Options) *Selector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lockWait := opts.LockWait
	if lockWait == 0 {
		lockWait = DefaultLockWait
	}
	return &Selector{
		store:         opts.Store,
		logger:        logger,
		failThreshold: opts.FailThreshold,
		lockWait:      lockWait,
		locks:         make(map[int64]*sync.Mutex),
	}
}

// Lease represents a held per-account lock. The caller must call Release
// exactly once, typically via defer, to free the account for the next
// dispatch.
type Lease struct {
	Account *store.Account
	mu      *sync.Mutex
}

// Release frees the account's lock.
func (l *Lease) Release() {
	l.mu.Unlock()
}

// TryLockAccount acquires account id's lock without blocking, so callers
// outside the normal Select path (the Health Monitor) can opportunistically
// skip an account that is mid-dispatch instead of contending with it.
func (s *Selector) TryLockAccount(id int64) (unlock func(), ok bool) {
	m := s.lockFor(id)
	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}

func (s *Selector) lockFor(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// eligible reports whether account a may be dispatched to right now
// (spec.md §4.5 filter predicate). consecutive_failures, not error_count,
// is the Health Monitor's counter against H_FAIL_THRESHOLD: error_count
// only orders eligible accounts (spec.md §4.5 ordering), it never excludes
// one on its own.
func (s *Selector) eligible(a *store.Account, now time.Time, health map[int64]*store.HealthSnapshot) bool {
	if a.Status != store.StatusActive {
		return false
	}
	if a.CooldownUntil != nil && a.CooldownUntil.After(now) {
		return false
	}
	if s.failThreshold > 0 {
		if snap := health[a.ID]; snap != nil && snap.ConsecutiveFailures >= s.failThreshold {
			return false
		}
	}
	if len(a.RefreshTokenCiphertext) == 0 {
		return false
	}
	return true
}

// order sorts eligible accounts per spec.md §4.5: lower error_count, older
// last_success_at, lower usage_count, stable by id.
func order(accounts []*store.Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		a, b := accounts[i], accounts[j]
		if a.ErrorCount != b.ErrorCount {
			return a.ErrorCount < b.ErrorCount
		}
		ai, bi := lastSuccessOrZero(a), lastSuccessOrZero(b)
		if !ai.Equal(bi) {
			return ai.Before(bi)
		}
		if a.UsageCount != b.UsageCount {
			return a.UsageCount < b.UsageCount
		}
		return a.ID < b.ID
	})
}

func lastSuccessOrZero(a *store.Account) time.Time {
	if a.LastSuccessAt == nil {
		return time.Time{}
	}
	return *a.LastSuccessAt
}

// Select returns a leased, eligible account not present in excludeIDs.
// It tries each eligible account's lock in order, non-blocking; if all
// are busy it waits up to lockWait for any one to free before giving up.
func (s *Selector) Select(ctx context.Context, excludeIDs map[int64]bool) (*Lease, error) {
	accounts, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	health, err := s.store.ListHealth(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var eligible []*store.Account
	for _, a := range accounts {
		if excludeIDs[a.ID] {
			continue
		}
		if s.eligible(a, now, health) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrUnavailable
	}
	order(eligible)

	for _, a := range eligible {
		m := s.lockFor(a.ID)
		if m.TryLock() {
			return &Lease{Account: a, mu: m}, nil
		}
	}

	// Every eligible account's lock is currently held; wait for the first
	// one to free, bounded by lockWait.
	deadline := time.NewTimer(s.lockWait)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrUnavailable
		case <-ticker.C:
			for _, a := range eligible {
				m := s.lockFor(a.ID)
				if m.TryLock() {
					return &Lease{Account: a, mu: m}, nil
				}
			}
		}
	}
}

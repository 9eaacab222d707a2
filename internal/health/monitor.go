// Package health implements the Health Monitor (spec.md §4.8): a periodic
// background pass that probes each active/cooldown account via the Auth
// Refresher, records a Health Snapshot, and demotes accounts on
// consecutive failures. It writes through the Account Store only and
// never touches the Upstream Transport.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warpgate/tokenpool/internal/authrefresh"
	"github.com/warpgate/tokenpool/internal/store"
)

// DefaultInterval and DefaultPerAccountTimeout match spec.md §6/§5 defaults.
const (
	DefaultInterval          = 3600 * time.Second
	DefaultPerAccountTimeout = 20 * time.Second
)

// Locker is the subset of pool.Selector's lock broker the monitor needs,
// so it can opportunistically skip accounts that are mid-dispatch instead
// of blocking on them.
type Locker interface {
	TryLockAccount(id int64) (unlock func(), ok bool)
}

// Monitor runs the periodic health pass.
type Monitor struct {
	store     *store.Store
	refresher *authrefresh.Refresher
	locker    Locker
	logger    *slog.Logger

	interval      time.Duration
	failThreshold int
	coolShort     time.Duration
	perAccount    time.Duration

	mu      sync.Mutex
	running bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures a Monitor.
type Options struct {
	Store         *store.Store
	Refresher     *authrefresh.Refresher
	Locker        Locker
	Logger        *slog.Logger
	Interval      time.Duration
	FailThreshold int
	CoolShort     time.Duration
	PerAccount    time.Duration
}

// New constructs a Monitor.
func New(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	perAccount := opts.PerAccount
	if perAccount == 0 {
		perAccount = DefaultPerAccountTimeout
	}
	return &Monitor{
		store:         opts.Store,
		refresher:     opts.Refresher,
		locker:        opts.Locker,
		logger:        logger,
		interval:      interval,
		failThreshold: opts.FailThreshold,
		coolShort:     opts.CoolShort,
		perAccount:    perAccount,
	}
}

// Start launches the background loop. Stop must be called to release it.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop cancels the loop and waits for the in-flight pass, if any, to
// finish cooperatively (spec.md §4.8).
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single health pass. It rate-limits itself to one
// pass at a time; a call that arrives while a pass is already running is
// a no-op (spec.md §4.8).
func (m *Monitor) RunOnce(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	accounts, err := m.store.List(ctx)
	if err != nil {
		m.logger.Error("health pass: list accounts failed", "error", err)
		return
	}

	for _, a := range accounts {
		if a.Status != store.StatusActive && a.Status != store.StatusCooldown {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.checkOne(ctx, a)
	}
}

func (m *Monitor) checkOne(ctx context.Context, a *store.Account) {
	if m.locker != nil {
		unlock, ok := m.locker.TryLockAccount(a.ID)
		if !ok {
			return // mid-dispatch, skip this pass
		}
		defer unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, m.perAccount)
	defer cancel()

	start := time.Now()
	refreshToken, err := m.store.DecryptRefreshToken(ctx, a)
	if err != nil {
		m.recordFailure(ctx, a, time.Since(start), "decrypt_failed")
		return
	}

	result, err := m.refresher.Refresh(ctx, a.RefreshTokenFingerprint, refreshToken)
	latency := time.Since(start)
	if err != nil {
		m.recordFailure(ctx, a, latency, err.Error())
		return
	}

	switch result.Outcome {
	case authrefresh.OutcomeOK:
		m.recordSuccess(ctx, a, latency)
	case authrefresh.OutcomeQuotaExhausted:
		// The refresh call itself succeeded; the account is just out of
		// quota, which is a healthy-but-unusable state, not a failure.
		m.recordSuccess(ctx, a, latency)
		status := store.StatusQuotaExhausted
		until := time.Now().Add(m.coolShort)
		_ = m.store.Transition(ctx, a.ID, store.Transition{
			NewStatus: &status, CooldownUntil: &until,
			Actor: store.ActorMonitor, Action: "health_check", Outcome: "quota_exhausted",
		})
	default:
		m.recordFailure(ctx, a, latency, string(result.Outcome)+": "+result.Detail)
	}
}

func (m *Monitor) recordSuccess(ctx context.Context, a *store.Account, latency time.Duration) {
	healthy := true
	ms := int(latency.Milliseconds())
	_ = m.store.SnapshotHealth(ctx, store.HealthSnapshot{
		AccountID:           a.ID,
		Healthy:             &healthy,
		LastCheckedAt:       timePtr(time.Now()),
		LastSuccessAt:       timePtr(time.Now()),
		ConsecutiveFailures: 0,
		LatencyMS:           &ms,
	})
	_ = m.store.Transition(ctx, a.ID, store.Transition{
		Actor: store.ActorMonitor, Action: "health_check", Outcome: "ok",
	})
}

func (m *Monitor) recordFailure(ctx context.Context, a *store.Account, latency time.Duration, detail string) {
	snap, _ := m.store.ReadHealth(ctx, a.ID)
	consecutive := 1
	if snap != nil {
		consecutive = snap.ConsecutiveFailures + 1
	}

	healthy := false
	ms := int(latency.Milliseconds())
	_ = m.store.SnapshotHealth(ctx, store.HealthSnapshot{
		AccountID:           a.ID,
		Healthy:             &healthy,
		LastCheckedAt:       timePtr(time.Now()),
		ConsecutiveFailures: consecutive,
		LatencyMS:           &ms,
		LastError:           detail,
	})

	t := store.Transition{
		LastErrorCode: "health_check_failed", LastErrorMessage: detail,
		Actor: store.ActorMonitor, Action: "health_check", Outcome: "failed",
	}
	if m.failThreshold > 0 && consecutive >= m.failThreshold && a.Status == store.StatusActive {
		status := store.StatusCooldown
		until := time.Now().Add(m.coolShort)
		t.NewStatus = &status
		t.CooldownUntil = &until
	}
	_ = m.store.Transition(ctx, a.ID, t)
}

func timePtr(t time.Time) *time.Time { return &t }

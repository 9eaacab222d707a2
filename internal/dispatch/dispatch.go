// Package dispatch implements the Dispatch Pipeline (spec.md §4.7): the
// sole orchestrator of select -> acquire -> refresh-if-needed -> send ->
// classify -> update-state -> retry-with-next-account. No other package
// may call the Upstream Transport directly (spec.md §5 single-flight
// invariant).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/warpgate/tokenpool/internal/authrefresh"
	"github.com/warpgate/tokenpool/internal/classify"
	"github.com/warpgate/tokenpool/internal/pool"
	"github.com/warpgate/tokenpool/internal/store"
	"github.com/warpgate/tokenpool/internal/warp"
)

// DefaultMaxAccountsPerRequest, DefaultCoolShort, DefaultCoolLong,
// DefaultFThreshold match spec.md §6's configuration defaults.
const (
	DefaultMaxAccountsPerRequest = 3
	DefaultCoolShort             = 60 * time.Second
	DefaultCoolLong              = 3600 * time.Second
	DefaultFThreshold            = 5

	accessTokenRefreshSkew = 30 * time.Second
)

// Pipeline is the process-wide Dispatch Pipeline.
type Pipeline struct {
	store     *store.Store
	selector  *pool.Selector
	refresher *authrefresh.Refresher
	transport *warp.Transport
	logger    *slog.Logger

	maxAccounts int
	coolShort   time.Duration
	coolLong    time.Duration
	fThreshold  int64
}

// Options configures a Pipeline.
type Options struct {
	Store       *store.Store
	Selector    *pool.Selector
	Refresher   *authrefresh.Refresher
	Transport   *warp.Transport
	Logger      *slog.Logger
	MaxAccounts int
	CoolShort   time.Duration
	CoolLong    time.Duration
	FThreshold  int64
}

// New constructs a Pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAccounts := opts.MaxAccounts
	if maxAccounts == 0 {
		maxAccounts = DefaultMaxAccountsPerRequest
	}
	coolShort := opts.CoolShort
	if coolShort == 0 {
		coolShort = DefaultCoolShort
	}
	coolLong := opts.CoolLong
	if coolLong == 0 {
		coolLong = DefaultCoolLong
	}
	fThreshold := opts.FThreshold
	if fThreshold == 0 {
		fThreshold = DefaultFThreshold
	}
	return &Pipeline{
		store:       opts.Store,
		selector:    opts.Selector,
		refresher:   opts.Refresher,
		transport:   opts.Transport,
		logger:      logger,
		maxAccounts: maxAccounts,
		coolShort:   coolShort,
		coolLong:    coolLong,
		fThreshold:  fThreshold,
	}
}

// ErrUnavailable surfaces as a 503-class error to the adapter (spec.md §4.7).
var ErrUnavailable = errors.New("dispatch: no account delivered a usable response")

// Result is a successfully dispatched stream plus the account that served
// it. Consumers must call Next until it returns ok=false, or call Close
// early if they abandon the stream — either path releases the account's
// lock (spec.md §5 cancellation requirement).
type Result struct {
	Stream    *warp.Stream
	AccountID int64

	mu         sync.Mutex
	pending    *warp.Event
	pendingSet bool
	lease      *pool.Lease
	final      bool
}

// Dispatch selects accounts in turn until one produces a usable stream or
// the retry budget (MAX_ACCOUNTS_PER_REQUEST) is exhausted.
func (p *Pipeline) Dispatch(ctx context.Context, requestBytes []byte) (*Result, error) {
	tried := make(map[int64]bool)

	for attempt := 0; attempt < p.maxAccounts; attempt++ {
		lease, err := p.selector.Select(ctx, tried)
		if err != nil {
			if errors.Is(err, pool.ErrUnavailable) {
				return nil, ErrUnavailable
			}
			return nil, fmt.Errorf("dispatch: select: %w", err)
		}
		tried[lease.Account.ID] = true

		result, retry, err := p.attempt(ctx, lease, requestBytes, false)
		if err != nil {
			lease.Release()
			return nil, err
		}
		if !retry {
			return result, nil
		}
		lease.Release()
	}

	return nil, ErrUnavailable
}

// attempt runs one full account attempt: refresh-if-needed, send, classify
// the initial outcome. It returns (result, retryNext, err). On success the
// returned Result owns the lease and releases it when the stream's
// terminal event is consumed or Close is called. retriedAuth guards the
// auth_expired same-account retry (spec.md §4.7: "if refresh ok, retry
// same account once") so a persistently 401/403-ing upstream cannot spin
// the pipeline.
func (p *Pipeline) attempt(ctx context.Context, lease *pool.Lease, requestBytes []byte, retriedAuth bool) (*Result, bool, error) {
	account := lease.Account

	accessToken, ok := p.ensureAccessToken(ctx, account)
	if !ok {
		return nil, true, nil
	}

	stream, status, err := p.transport.Send(ctx, accessToken, requestBytes)
	if err != nil {
		kind := classify.NetworkErrorKindFromErr(err)
		p.applyOutcome(ctx, account.ID, classify.Classify(classify.Input{NetworkErrorKind: kind}), nil)
		return nil, true, nil
	}

	if status < 200 || status >= 300 {
		body, _ := stream.ReadAllRaw()
		stream.Close()
		outcome := classify.Classify(classify.Input{HTTPStatus: status, BodySnippet: string(body)})

		if outcome == classify.OutcomeAuthExpired && !retriedAuth {
			if p.refreshAndApply(ctx, account) {
				refreshed, err := p.store.Get(ctx, account.ID)
				if err == nil {
					*account = *refreshed
					return p.attempt(ctx, lease, requestBytes, true)
				}
			}
		}
		p.applyOutcome(ctx, account.ID, outcome, nil)
		return nil, true, nil
	}

	ev, hasEvent, err := stream.Next()
	if err != nil {
		stream.Close()
		p.applyOutcome(ctx, account.ID, classify.OutcomeNetwork, nil)
		return nil, true, nil
	}
	if hasEvent && ev.Kind == warp.EventError {
		stream.Close()
		outcome := classify.Classify(classify.Input{HTTPStatus: status, BodySnippet: errString(ev.Err)})
		p.applyOutcome(ctx, account.ID, outcome, nil)
		return nil, true, nil
	}
	if !hasEvent {
		stream.Close()
		outcome := classify.Classify(classify.Input{HTTPStatus: status, StreamYieldedEvent: false})
		p.applyOutcome(ctx, account.ID, outcome, nil)
		return nil, true, nil
	}

	p.applyOutcome(ctx, account.ID, classify.OutcomeOK, nil)
	result := &Result{
		Stream:     stream,
		AccountID:  account.ID,
		pending:    ev,
		pendingSet: hasEvent,
		lease:      lease,
	}
	return result, false, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ensureAccessToken decrypts and refreshes the account's credential if its
// access token is missing or near expiry. Returns ok=false if refresh
// failed, signaling the caller to move to the next account.
func (p *Pipeline) ensureAccessToken(ctx context.Context, account *store.Account) (string, bool) {
	if account.AccessToken != "" && account.AccessTokenExpiry != nil &&
		time.Until(*account.AccessTokenExpiry) > accessTokenRefreshSkew {
		return account.AccessToken, true
	}
	if !p.refreshAndApply(ctx, account) {
		return "", false
	}
	refreshed, err := p.store.Get(ctx, account.ID)
	if err != nil {
		return "", false
	}
	*account = *refreshed
	return account.AccessToken, true
}

// refreshAndApply calls the Auth Refresher and applies the resulting
// account transition, returning true only when the account now has a
// fresh, usable access token.
func (p *Pipeline) refreshAndApply(ctx context.Context, account *store.Account) bool {
	refreshToken, err := p.store.DecryptRefreshToken(ctx, account)
	if err != nil {
		return false
	}

	result, err := p.refresher.Refresh(ctx, account.RefreshTokenFingerprint, refreshToken)
	if err != nil {
		p.logger.Warn("auth refresher call failed", "account_id", account.ID, "error", err)
		_ = p.store.Transition(ctx, account.ID, store.Transition{
			BumpError: true, Actor: store.ActorRuntime, Action: "refresh_failed", Outcome: "error",
		})
		return false
	}

	switch result.Outcome {
	case authrefresh.OutcomeOK:
		expiry := result.ExpiresAt
		t := store.Transition{
			SetAccessToken:       &result.AccessToken,
			SetAccessTokenExpiry: &expiry,
			ResetErrorCount:      true,
			Actor:                store.ActorRuntime,
			Action:               "refresh",
			Outcome:              "ok",
		}
		if result.Quota != nil {
			t.SetQuota = &store.Quota{
				Limit: result.Quota.Limit, Used: result.Quota.Used,
				NextRefreshTime: result.Quota.NextRefreshTime, RefreshDuration: result.Quota.RefreshDuration,
				IsUnlimited: result.Quota.IsUnlimited,
			}
		}
		_ = p.store.Transition(ctx, account.ID, t)
		return true
	case authrefresh.OutcomeRejected:
		status := store.StatusBlocked
		_ = p.store.Transition(ctx, account.ID, store.Transition{
			NewStatus: &status, LastErrorCode: "refresh_rejected", LastErrorMessage: result.Detail,
			Actor: store.ActorRuntime, Action: "refresh", Outcome: "blocked",
		})
		return false
	case authrefresh.OutcomeQuotaExhausted:
		status := store.StatusQuotaExhausted
		until := time.Now().Add(p.coolLong)
		_ = p.store.Transition(ctx, account.ID, store.Transition{
			NewStatus: &status, CooldownUntil: &until, LastErrorCode: "quota_exhausted",
			Actor: store.ActorRuntime, Action: "refresh", Outcome: "quota_exhausted",
		})
		return false
	default: // transient, network
		_ = p.store.Transition(ctx, account.ID, store.Transition{
			BumpError: true, LastErrorCode: string(result.Outcome), LastErrorMessage: result.Detail,
			Actor: store.ActorRuntime, Action: "refresh", Outcome: "transient",
		})
		return false
	}
}

// applyOutcome applies the spec.md §4.7 state-transition table entry for
// one classified transport outcome.
func (p *Pipeline) applyOutcome(ctx context.Context, accountID int64, outcome classify.Outcome, retryAfter *time.Duration) {
	switch outcome {
	case classify.OutcomeOK:
		_ = p.store.Transition(ctx, accountID, store.Transition{
			ResetErrorCount: true, NewStatus: statusPtr(store.StatusActive), BumpUsage: true,
			SetLastSuccessNow: true, Actor: store.ActorRuntime, Action: "dispatch", Outcome: "ok",
		})
	case classify.OutcomeForbiddenWAF, classify.OutcomeUnknown:
		p.bumpAndMaybeCooldown(ctx, accountID, outcome, p.coolShort)
	case classify.OutcomeRateLimited:
		cooldown := p.coolShort
		if retryAfter != nil {
			cooldown = *retryAfter
		}
		until := time.Now().Add(cooldown)
		_ = p.store.Transition(ctx, accountID, store.Transition{
			NewStatus: statusPtr(store.StatusCooldown), CooldownUntil: &until,
			LastErrorCode: string(outcome), Actor: store.ActorRuntime, Action: "dispatch", Outcome: string(outcome),
		})
	case classify.OutcomeQuotaExhausted:
		until := time.Now().Add(p.coolLong)
		_ = p.store.Transition(ctx, accountID, store.Transition{
			NewStatus: statusPtr(store.StatusQuotaExhausted), CooldownUntil: &until,
			LastErrorCode: string(outcome), Actor: store.ActorRuntime, Action: "dispatch", Outcome: string(outcome),
		})
	case classify.OutcomeNetwork, classify.OutcomeServerError:
		_ = p.store.Transition(ctx, accountID, store.Transition{
			BumpError: true, LastErrorCode: string(outcome), Actor: store.ActorRuntime, Action: "dispatch", Outcome: string(outcome),
		})
	}
}

func (p *Pipeline) bumpAndMaybeCooldown(ctx context.Context, accountID int64, outcome classify.Outcome, cooldown time.Duration) {
	account, err := p.store.Get(ctx, accountID)
	if err != nil {
		return
	}
	newCount := account.ErrorCount + 1
	t := store.Transition{
		BumpError: true, LastErrorCode: string(outcome), Actor: store.ActorRuntime, Action: "dispatch", Outcome: string(outcome),
	}
	if newCount >= p.fThreshold {
		until := time.Now().Add(cooldown)
		t.NewStatus = statusPtr(store.StatusCooldown)
		t.CooldownUntil = &until
	}
	_ = p.store.Transition(ctx, accountID, t)
}

func statusPtr(s store.Status) *store.Status { return &s }

// RetryAfterSeconds parses a Retry-After header value per spec.md §4.7.
func RetryAfterSeconds(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t), true
	}
	return 0, false
}

package readiness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpgate/tokenpool/internal/cryptobox"
	"github.com/warpgate/tokenpool/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	box, err := cryptobox.New(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tokenpool.db")
	s, err := store.Open(store.Options{Path: path, Box: box})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReportReadyWhenAnyAccountAvailable(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.Insert(ctx, "token-1", "a")
	require.NoError(t, err)

	r := New(st, 3)
	snap, err := r.Report(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Ready)
	assert.Equal(t, 1, snap.Available)
	assert.Nil(t, snap.NextRecoveryAt)
}

func TestReportNotReadyWhenAllInCooldown(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	a, err := st.Insert(ctx, "token-1", "a")
	require.NoError(t, err)

	until := time.Now().Add(time.Hour)
	cooldown := store.StatusCooldown
	err = st.Transition(ctx, a.ID, store.Transition{NewStatus: &cooldown, CooldownUntil: &until})
	require.NoError(t, err)

	r := New(st, 3)
	snap, err := r.Report(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Ready)
	assert.Equal(t, 0, snap.Available)
	assert.Equal(t, 1, snap.Cooldown)
	require.NotNil(t, snap.NextRecoveryAt)
}

func TestReportCountsEveryStatusBucket(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	active, err := st.Insert(ctx, "token-1", "active")
	require.NoError(t, err)
	_ = active

	blocked, err := st.Insert(ctx, "token-2", "blocked")
	require.NoError(t, err)
	blockedStatus := store.StatusBlocked
	require.NoError(t, st.Transition(ctx, blocked.ID, store.Transition{NewStatus: &blockedStatus}))

	disabled, err := st.Insert(ctx, "token-3", "disabled")
	require.NoError(t, err)
	disabledStatus := store.StatusDisabled
	require.NoError(t, st.Transition(ctx, disabled.ID, store.Transition{NewStatus: &disabledStatus}))

	r := New(st, 3)
	snap, err := r.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 1, snap.Available)
	assert.Equal(t, 1, snap.Blocked)
	assert.Equal(t, 1, snap.Disabled)
	assert.True(t, snap.Ready)
}

// TestReportExcludesAccountsAtFailThreshold locks snap.Available to the
// same eligibility predicate the Account Selector uses (spec.md §4.5), so
// readiness.ready cannot say true while Select would return
// pool.ErrUnavailable for the same pool.
func TestReportExcludesAccountsAtFailThreshold(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	a, err := st.Insert(ctx, "token-1", "a")
	require.NoError(t, err)
	require.NoError(t, st.SnapshotHealth(ctx, store.HealthSnapshot{AccountID: a.ID, ConsecutiveFailures: 3}))

	r := New(st, 3)
	snap, err := r.Report(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Ready)
	assert.Equal(t, 0, snap.Available)
}

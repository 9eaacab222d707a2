package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpgate/tokenpool/internal/authrefresh"
	"github.com/warpgate/tokenpool/internal/cryptobox"
	"github.com/warpgate/tokenpool/internal/pool"
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

func TestRunOnceMarksHealthyAccountAfterSuccessfulRefresh(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer srv.Close()

	a, err := st.Insert(ctx, "refresh-token", "acct")
	require.NoError(t, err)

	ref := authrefresh.New(authrefresh.Options{URL: srv.URL})
	mon := New(Options{Store: st, Refresher: ref, CoolShort: time.Minute})

	mon.RunOnce(ctx)

	snap, err := st.ReadHealth(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.NotNil(t, snap.Healthy)
	assert.True(t, *snap.Healthy)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestRunOnceDemotesAccountAfterThresholdFailures(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("invalid_grant"))
	}))
	defer srv.Close()

	a, err := st.Insert(ctx, "refresh-token", "acct")
	require.NoError(t, err)

	ref := authrefresh.New(authrefresh.Options{URL: srv.URL})
	mon := New(Options{Store: st, Refresher: ref, FailThreshold: 2, CoolShort: time.Minute})

	mon.RunOnce(ctx)
	updated, err := st.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, updated.Status, "one failure should not demote yet")

	mon.RunOnce(ctx)
	updated, err = st.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCooldown, updated.Status)

	snap, err := st.ReadHealth(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.False(t, *snap.Healthy)
}

func TestRunOnceTransitionsToQuotaExhausted(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","expires_in":3600,"quota":{"limit":10,"used":10,"is_unlimited":false}}`))
	}))
	defer srv.Close()

	a, err := st.Insert(ctx, "refresh-token", "acct")
	require.NoError(t, err)

	ref := authrefresh.New(authrefresh.Options{URL: srv.URL})
	mon := New(Options{Store: st, Refresher: ref, CoolShort: time.Minute})

	mon.RunOnce(ctx)

	updated, err := st.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQuotaExhausted, updated.Status)
	require.NotNil(t, updated.CooldownUntil)

	snap, err := st.ReadHealth(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, *snap.Healthy, "the refresh call itself succeeded")
}

func TestRunOnceSkipsDisabledAndBlockedAccounts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer srv.Close()

	a, err := st.Insert(ctx, "refresh-token", "acct")
	require.NoError(t, err)
	blocked := store.StatusBlocked
	_, err = st.Update(ctx, a.ID, store.UpdatePatch{Status: &blocked}, store.ActorAdmin)
	require.NoError(t, err)

	d, err := st.Insert(ctx, "refresh-token-2", "acct2")
	require.NoError(t, err)
	disabled := store.StatusDisabled
	_, err = st.Update(ctx, d.ID, store.UpdatePatch{Status: &disabled}, store.ActorAdmin)
	require.NoError(t, err)

	ref := authrefresh.New(authrefresh.Options{URL: srv.URL})
	mon := New(Options{Store: st, Refresher: ref})

	mon.RunOnce(ctx)
	assert.False(t, called)
}

func TestRunOnceIsNoOpWhileAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ref := authrefresh.New(authrefresh.Options{URL: "http://127.0.0.1:1"})
	mon := New(Options{Store: st, Refresher: ref})

	mon.mu.Lock()
	mon.running = true
	mon.mu.Unlock()

	mon.RunOnce(ctx) // should return immediately without panicking on nil accounts

	mon.mu.Lock()
	stillRunning := mon.running
	mon.mu.Unlock()
	assert.True(t, stillRunning)
}

func TestCheckOneSkipsLockedAccount(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer srv.Close()

	a, err := st.Insert(ctx, "refresh-token", "acct")
	require.NoError(t, err)

	sel := pool.New(pool.Options{Store: st})
	lease, err := sel.Select(ctx, nil)
	require.NoError(t, err)
	defer lease.Release()
	require.Equal(t, a.ID, lease.Account.ID)

	ref := authrefresh.New(authrefresh.Options{URL: srv.URL})
	mon := New(Options{Store: st, Refresher: ref, Locker: sel})

	mon.RunOnce(ctx)
	assert.False(t, called, "locked account should be skipped, not probed")
}

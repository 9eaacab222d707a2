package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpgate/tokenpool/pkg/middleware"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	clearEnv(t, "PORT", "ADMIN_TOKEN", "ADMIN_AUTH_MODE", "TOKEN_COOLDOWN_SECONDS")
	require.NoError(t, os.Setenv("PORT", "9090"))
	require.NoError(t, os.Setenv("ADMIN_TOKEN", "secret-token"))
	require.NoError(t, os.Setenv("ADMIN_AUTH_MODE", "local"))
	require.NoError(t, os.Setenv("TOKEN_COOLDOWN_SECONDS", "120"))

	cfg := &Config{Port: 8080, AdminAuthMode: middleware.AdminAuthToken, TokenCooldownSeconds: 60}
	cfg.loadFromEnv()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "secret-token", cfg.AdminToken)
	assert.Equal(t, middleware.AdminAuthLocal, cfg.AdminAuthMode)
	assert.Equal(t, 120, cfg.TokenCooldownSeconds)
}

func TestLoadFromEnvIgnoresUnsetVars(t *testing.T) {
	clearEnv(t, "HOST")
	cfg := &Config{Host: "0.0.0.0"}
	cfg.loadFromEnv()
	assert.Equal(t, "0.0.0.0", cfg.Host)
}

func TestLoadFromEnvInvalidIntIsIgnored(t *testing.T) {
	clearEnv(t, "MAX_ACCOUNTS_PER_REQUEST")
	require.NoError(t, os.Setenv("MAX_ACCOUNTS_PER_REQUEST", "not-a-number"))
	cfg := &Config{MaxAccountsPerRequest: 3}
	cfg.loadFromEnv()
	assert.Equal(t, 3, cfg.MaxAccountsPerRequest)
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		TokenCooldownSeconds:       60,
		TokenQuotaCooldownSeconds:  3600,
		PoolRefreshIntervalSeconds: 900,
	}
	assert.Equal(t, int64(60), cfg.CoolShort().Milliseconds()/1000)
	assert.Equal(t, int64(3600), cfg.CoolLong().Milliseconds()/1000)
	assert.Equal(t, int64(900), cfg.HealthInterval().Milliseconds()/1000)
}

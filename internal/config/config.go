// Package config loads gateway server configuration from environment
// variables and command-line flags, mirroring the teacher's env-then-flags
// precedence.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/warpgate/tokenpool/pkg/middleware"
)

// Config holds every tunable named in spec.md §6 plus the ambient server
// and logging settings the teacher carries alongside its domain config.
type Config struct {
	// Server settings
	Port            int
	Host            string
	GracefulTimeout time.Duration

	// Logging
	LogLevel string
	LogJSON  bool

	// Account Store / Crypto Box
	TokenDBPath        string
	TokenEncryptionKey string

	// Admin Surface
	AdminToken    string
	AdminAuthMode middleware.AdminAuthMode

	// Health Monitor / Selector / Dispatch thresholds
	PoolRefreshIntervalSeconds int
	TokenCooldownSeconds       int
	TokenQuotaCooldownSeconds  int
	HFailThreshold             int
	FThreshold                 int
	MaxAccountsPerRequest      int

	// Auth Refresher
	IdentityRefreshURL string
	IdentityRegion     string

	// Upstream Transport
	WarpUpstreamURL string

	// App State KV
	RedisURL       string
	RedisKeyPrefix string
	RedisPoolSize  int
	RedisTimeout   time.Duration
}

// Load reads configuration from environment variables, then applies
// command-line flag overrides.
func Load() *Config {
	cfg := &Config{
		Port:            8080,
		Host:            "0.0.0.0",
		GracefulTimeout: 30 * time.Second,

		LogLevel: "info",
		LogJSON:  true,

		TokenDBPath: "./tokenpool.db",

		AdminAuthMode: middleware.AdminAuthToken,

		PoolRefreshIntervalSeconds: 3600,
		TokenCooldownSeconds:       60,
		TokenQuotaCooldownSeconds:  3600,
		HFailThreshold:             3,
		FThreshold:                 5,
		MaxAccountsPerRequest:      3,

		RedisPoolSize: 20,
		RedisTimeout:  3 * time.Second,
	}

	cfg.loadFromEnv()
	cfg.parseFlags()
	return cfg
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("GRACEFUL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GracefulTimeout = d
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("TOKEN_DB_PATH"); v != "" {
		c.TokenDBPath = v
	}
	if v := os.Getenv("TOKEN_ENCRYPTION_KEY"); v != "" {
		c.TokenEncryptionKey = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.AdminToken = v
	}
	if v := os.Getenv("ADMIN_AUTH_MODE"); v != "" {
		c.AdminAuthMode = middleware.AdminAuthMode(v)
	}
	if v := os.Getenv("POOL_REFRESH_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PoolRefreshIntervalSeconds = n
		}
	}
	if v := os.Getenv("TOKEN_COOLDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TokenCooldownSeconds = n
		}
	}
	if v := os.Getenv("TOKEN_QUOTA_COOLDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TokenQuotaCooldownSeconds = n
		}
	}
	if v := os.Getenv("H_FAIL_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HFailThreshold = n
		}
	}
	if v := os.Getenv("F_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FThreshold = n
		}
	}
	if v := os.Getenv("MAX_ACCOUNTS_PER_REQUEST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxAccountsPerRequest = n
		}
	}
	if v := os.Getenv("IDENTITY_REFRESH_URL"); v != "" {
		c.IdentityRefreshURL = v
	}
	if v := os.Getenv("IDENTITY_REGION"); v != "" {
		c.IdentityRegion = v
	}
	if v := os.Getenv("WARP_UPSTREAM_URL"); v != "" {
		c.WarpUpstreamURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("REDIS_KEY_PREFIX"); v != "" {
		c.RedisKeyPrefix = v
	}
	if v := os.Getenv("REDIS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RedisPoolSize = n
		}
	}
	if v := os.Getenv("REDIS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RedisTimeout = d
		}
	}
}

var flagsParsed bool

func (c *Config) parseFlags() {
	// Only parse flags once to avoid "flag redefined" panic in tests that
	// construct more than one Config in the same process.
	if flagsParsed {
		return
	}
	flagsParsed = true

	flag.IntVar(&c.Port, "port", c.Port, "server port")
	flag.StringVar(&c.Host, "host", c.Host, "server host")
	flag.StringVar(&c.TokenDBPath, "token-db-path", c.TokenDBPath, "SQLite file path for the account store")
	flag.StringVar(&c.AdminToken, "admin-token", c.AdminToken, "admin bearer token")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	flag.Parse()
}

// CoolShort, CoolLong, and HealthInterval convert the configured second
// counts to Durations for the packages that take them directly.
func (c *Config) CoolShort() time.Duration {
	return time.Duration(c.TokenCooldownSeconds) * time.Second
}

func (c *Config) CoolLong() time.Duration {
	return time.Duration(c.TokenQuotaCooldownSeconds) * time.Second
}

func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.PoolRefreshIntervalSeconds) * time.Second
}

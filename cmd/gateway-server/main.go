// Package main is the entry point for the gateway server.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warpgate/tokenpool/internal/adapter/anthropic"
	"github.com/warpgate/tokenpool/internal/adapter/gemini"
	"github.com/warpgate/tokenpool/internal/adapter/openai"
	"github.com/warpgate/tokenpool/internal/admin"
	"github.com/warpgate/tokenpool/internal/authrefresh"
	"github.com/warpgate/tokenpool/internal/config"
	"github.com/warpgate/tokenpool/internal/cryptobox"
	"github.com/warpgate/tokenpool/internal/dispatch"
	"github.com/warpgate/tokenpool/internal/health"
	"github.com/warpgate/tokenpool/internal/kv"
	"github.com/warpgate/tokenpool/internal/kv/rediskv"
	"github.com/warpgate/tokenpool/internal/kv/sqlitekv"
	"github.com/warpgate/tokenpool/internal/pool"
	"github.com/warpgate/tokenpool/internal/readiness"
	"github.com/warpgate/tokenpool/internal/store"
	"github.com/warpgate/tokenpool/internal/warp"
	"github.com/warpgate/tokenpool/pkg/middleware"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg)
	logger.Info("starting gateway server", "port", cfg.Port, "token_db_path", cfg.TokenDBPath)

	box, err := cryptobox.NewFromConfig(cfg.TokenEncryptionKey, logger)
	if err != nil {
		logger.Error("failed to construct crypto box", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(store.Options{Path: cfg.TokenDBPath, Box: box, Logger: logger})
	if err != nil {
		logger.Error("failed to open account store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	kvStore, err := openKV(cfg, st.DB(), logger)
	if err != nil {
		logger.Error("failed to open app state kv", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := kvStore.Close(); err != nil {
			logger.Error("failed to close app state kv", "error", err)
		}
	}()

	refresher := authrefresh.New(authrefresh.Options{
		URL: cfg.IdentityRefreshURL, Region: cfg.IdentityRegion, Logger: logger,
	})
	transport := warp.New(warp.Options{URL: cfg.WarpUpstreamURL, Logger: logger})
	selector := pool.New(pool.Options{Store: st, Logger: logger, FailThreshold: cfg.HFailThreshold})

	pipeline := dispatch.New(dispatch.Options{
		Store: st, Selector: selector, Refresher: refresher, Transport: transport, Logger: logger,
		MaxAccounts: cfg.MaxAccountsPerRequest, CoolShort: cfg.CoolShort(), CoolLong: cfg.CoolLong(),
		FThreshold: int64(cfg.FThreshold),
	})

	monitor := health.New(health.Options{
		Store: st, Refresher: refresher, Locker: selector, Logger: logger,
		Interval: cfg.HealthInterval(), FailThreshold: cfg.HFailThreshold, CoolShort: cfg.CoolShort(),
	})
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	monitor.Start(monitorCtx)
	defer func() {
		stopMonitor()
		monitor.Stop()
	}()

	readinessReporter := readiness.New(st, cfg.HFailThreshold)

	adminHandler := admin.New(admin.Options{
		Store: st, Refresher: refresher, Readiness: readinessReporter, Logger: logger,
	})
	anthropicHandler := anthropic.New(anthropic.Options{Dispatcher: pipeline, Readiness: readinessReporter, Logger: logger})
	openaiHandler := openai.New(openai.Options{Dispatcher: pipeline, Readiness: readinessReporter, Logger: logger})
	geminiHandler := gemini.New(gemini.Options{Dispatcher: pipeline, Readiness: readinessReporter, Logger: logger})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		snap, err := readinessReporter.Report(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = fmt.Fprintf(w, `{"status":"error"}`)
			return
		}
		status := "healthy"
		if !snap.Ready {
			status = "degraded"
		}
		_, _ = fmt.Fprintf(w, `{"status":%q,"accounts":{"total":%d,"available":%d}}`, status, snap.Total, snap.Available)
	})

	mux.Handle("/admin/", middleware.AdminAuth(cfg.AdminAuthMode, cfg.AdminToken, logger)(adminHandler))
	mux.Handle("POST /v1/messages", anthropicHandler)
	mux.Handle("POST /v1/chat/completions", openaiHandler)
	mux.Handle("POST /v1beta/models/{model}", geminiHandler)

	var httpHandler http.Handler = mux
	httpHandler = middleware.Logging(logger)(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no timeout, responses stream
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}

// openKV builds the App State KV backend: sqlitekv sharing the account
// store's connection by default, or rediskv when REDIS_URL is configured
// for deployments that already run Redis (spec.md §3).
func openKV(cfg *config.Config, db *sql.DB, logger *slog.Logger) (kv.Store, error) {
	if cfg.RedisURL == "" {
		return sqlitekv.New(db), nil
	}
	logger.Info("using redis-backed app state kv", "url_set", true)
	return rediskv.New(rediskv.Options{
		URL: cfg.RedisURL, KeyPrefix: cfg.RedisKeyPrefix, PoolSize: cfg.RedisPoolSize, Timeout: cfg.RedisTimeout,
	})
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

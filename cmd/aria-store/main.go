package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ariaaba/ariasync/internal/config"
	"github.com/ariaaba/ariasync/internal/httpapi"
	"github.com/ariaaba/ariasync/internal/otel"
	"github.com/ariaaba/ariasync/internal/stepstore"
	"github.com/ariaaba/ariasync/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat, "aria-store")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		provider = otel.Noop()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	handler, closer, err := buildServer(cfg, logger, provider)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	addr := envOrDefault("ARIA_STORE_ADDR", cfg.Server.Addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("aria store listening", "addr", addr, "remote_dsn_scheme", dsnScheme(cfg.RemoteDSN))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("ARIA_SHUTDOWN_TIMEOUT", 10*time.Second))
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// buildServer opens the backing store named by cfg.RemoteDSN and wraps it in
// the HTTP API. The returned closer is nil when the store holds no handles.
func buildServer(cfg config.Config, logger *slog.Logger, provider *otel.Provider) (http.Handler, io.Closer, error) {
	switch dsnScheme(cfg.RemoteDSN) {
	case "http", "https":
		return nil, nil, fmt.Errorf("store DSN must name a database, got %s", dsnScheme(cfg.RemoteDSN))
	}
	store, err := stepstore.BuildStoreFromDSN(cfg.RemoteDSN, "", nil)
	if err != nil {
		return nil, nil, err
	}
	closer, _ := store.(io.Closer)

	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
	}
	var origins []string
	for _, origin := range strings.Split(os.Getenv("ARIA_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       cfg.Server.JWTSecret,
		RateLimitMax:    intEnv("ARIA_RATE_LIMIT_MAX", cfg.Server.RateLimitMax),
		RateLimitWindow: durationEnv("ARIA_RATE_LIMIT_WINDOW", cfg.RateLimitWindow()),
		MaxBodyBytes:    int64Env("ARIA_MAX_BODY_BYTES", cfg.Server.MaxBodyBytes),
		Logger:          logger.With("component", "httpapi"),
		Tracer:          provider.Tracer,
		Metrics:         metrics,
		OriginPatterns:  origins,
	})
	if cfg.Server.JWTSecret == "" {
		logger.Warn("ARIA_JWT_SECRET is not set; using the development secret")
	}
	return server, closer, nil
}

func dsnScheme(dsn string) string {
	scheme, _, ok := strings.Cut(strings.TrimSpace(dsn), "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elvis3770/webai-gateway/internal/agent"
	"github.com/elvis3770/webai-gateway/internal/api"
	"github.com/elvis3770/webai-gateway/internal/auth"
	"github.com/elvis3770/webai-gateway/internal/config"
	"github.com/elvis3770/webai-gateway/internal/notifications"
	"github.com/elvis3770/webai-gateway/internal/openai"
	"github.com/elvis3770/webai-gateway/internal/queue"
	"github.com/elvis3770/webai-gateway/internal/ratelimit"
	"github.com/elvis3770/webai-gateway/internal/telemetry"
	"github.com/elvis3770/webai-gateway/internal/tokens"
	"github.com/elvis3770/webai-gateway/internal/upstream/gemini"
	"github.com/elvis3770/webai-gateway/internal/upstream/session"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogger(cfg)
	for _, warning := range cfg.Validate() {
		slog.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.Init(ctx, cfg.OTLPEndpoint)
		if err != nil {
			slog.Warn("tracing disabled", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					slog.Warn("tracer shutdown failed", "error", err)
				}
			}()
		}
	}

	limiter, readyCheckers := buildLimiter(ctx, cfg)

	client, err := gemini.New(gemini.Config{
		PSID:     cfg.Cookie1PSID,
		PSIDTS:   cfg.Cookie1PSIDTS,
		ProxyURL: cfg.HTTPProxy,
	})
	if err != nil {
		return err
	}

	// A failed init leaves the gateway serving 503s for generation
	// endpoints; a later session refresh can still bring it up.
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := client.Init(initCtx); err != nil {
		slog.Error("upstream init failed, generation endpoints unavailable until refresh", "error", err)
	} else {
		slog.Info("upstream session established")
	}
	cancel()

	manager := buildSessionManager(ctx, cfg, client)
	manager.Start(ctx)
	defer manager.Stop()

	counter := tokens.NewCounter()
	handler := api.NewHandler(api.HandlerConfig{
		Keys:             auth.NewKeySet(cfg.APIKeys),
		Admin:            auth.NewAdmin(cfg.AdminPasswordHash),
		Limiter:          limiter,
		Upstream:         client,
		Translator:       openai.NewTranslator(counter),
		Counter:          counter,
		Agents:           agent.NewExecutor(client, counter, cfg.DefaultModel),
		Session:          manager,
		Usage:            buildUsagePublisher(ctx, cfg),
		AuthEnabled:      cfg.AuthEnabled,
		RateLimitEnabled: cfg.RateLimitEnabled,
		StreamingEnabled: cfg.StreamingEnabled,
		DebugMode:        cfg.DebugMode,
		Environment:      cfg.Environment,
		DefaultModel:     cfg.DefaultModel,
		AllowedOrigins:   cfg.AllowedOrigins,
		ReadyCheckers:    readyCheckers,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr, "environment", cfg.Environment)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func setupLogger(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.DebugMode {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// buildLimiter prefers the Redis-backed window when REDIS_URL is set so
// multiple replicas share one budget, and falls back to in-memory.
func buildLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, []api.HealthChecker) {
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedisSlidingWindow(cfg.RedisURL, cfg.RateLimitPerMinute)
		if err == nil {
			checker := api.CheckerFunc{
				CheckerName: "redis",
				Fn: func(ctx context.Context) error {
					return rl.Client().Ping(ctx).Err()
				},
			}
			slog.Info("rate limiting backed by redis")
			return rl, []api.HealthChecker{checker}
		}
		slog.Warn("redis unavailable, using in-memory rate limiter", "error", err)
	}

	sw := ratelimit.NewSlidingWindow(cfg.RateLimitPerMinute)
	sw.StartJanitor(ctx, time.Minute)
	return sw, nil
}

func buildSessionManager(ctx context.Context, cfg *config.Config, client *gemini.Client) *session.Manager {
	var source session.Source = session.NewStaticSource(cfg.Cookie1PSID, cfg.Cookie1PSIDTS)
	if cfg.CookieSecretName != "" {
		sm, err := session.NewSecretsManagerSource(ctx, cfg.AWSRegion, cfg.CookieSecretName)
		if err != nil {
			slog.Warn("secrets manager unavailable, using static cookies", "error", err)
		} else {
			source = sm
			slog.Info("cookie refresh sourced from secrets manager", "secret", cfg.CookieSecretName)
		}
	}

	var notifier notifications.Notifier = notifications.NewLogNotifier()
	if cfg.SNSTopicARN != "" {
		sn, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Warn("sns unavailable, alerts go to the log", "error", err)
		} else {
			notifier = sn
		}
	}

	return session.NewManager(source, client, notifier, cfg.RefreshInterval(), cfg.CookieAutoRefresh)
}

func buildUsagePublisher(ctx context.Context, cfg *config.Config) queue.UsagePublisher {
	if cfg.UsageQueueURL == "" {
		return queue.NewNopPublisher()
	}
	pub, err := queue.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
	if err != nil {
		slog.Warn("sqs unavailable, usage events dropped", "error", err)
		return queue.NewNopPublisher()
	}
	slog.Info("usage events published to sqs", "queue", cfg.UsageQueueURL)
	return pub
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tokligence/tokligence-credits/internal/auth"
	"github.com/tokligence/tokligence-credits/internal/bootstrap"
	"github.com/tokligence/tokligence-credits/internal/config"
	"github.com/tokligence/tokligence-credits/internal/generation"
	"github.com/tokligence/tokligence-credits/internal/generation/loopback"
	"github.com/tokligence/tokligence-credits/internal/generation/openai"
	"github.com/tokligence/tokligence-credits/internal/health"
	"github.com/tokligence/tokligence-credits/internal/httpserver"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/logging"
	"github.com/tokligence/tokligence-credits/internal/metering"
	"github.com/tokligence/tokligence-credits/internal/metrics"
	"github.com/tokligence/tokligence-credits/internal/ratelimit"
	"github.com/tokligence/tokligence-credits/internal/version"
)

const maxLogBytes = int64(300 * 1024 * 1024) // 300MB

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		File:        cfg.LogFile,
		MaxBytes:    maxLogBytes,
		Console:     true,
	})
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}

	runErr := run(cfg, logger)
	if runErr != nil {
		logger.Error("creditsd stopped", zap.Error(runErr))
	}
	_ = logger.Sync()
	_ = logCloser.Close()
	if runErr != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := bootstrap.OpenStore(cfg)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()
	logger.Info("ledger opened", zap.String("backend", cfg.LedgerBackend))

	policy, exemptFile, err := bootstrap.ExemptPolicy(cfg)
	if err != nil {
		return err
	}
	if exemptFile != nil {
		if err := exemptFile.Watch(ctx, logger.Named("exempt")); err != nil {
			logger.Warn("exempt file watcher unavailable; edits need a restart", zap.String("path", exemptFile.Path()), zap.Error(err))
		}
	}

	dispatcher := cfg.Hooks.NewDispatcher()
	if dispatcher.Len() > 0 {
		logger.Info("hooks dispatcher enabled", zap.String("script", cfg.Hooks.ScriptPath))
	}

	collector := metrics.NewCollector()
	svc := ledger.NewService(store,
		ledger.WithExemptPolicy(policy),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithRecorder(collector),
		ledger.WithHooks(dispatcher),
	)
	meter := metering.NewMeter(svc,
		metering.WithLogger(logger.Named("metering")),
		metering.WithRecorder(collector),
		metering.WithHooks(dispatcher),
		metering.WithCompensationTimeout(cfg.CompensationTimeout),
	)

	gen, err := newGenerator(cfg)
	if err != nil {
		return err
	}
	gen = generation.Instrument(gen, collector)

	var authManager *auth.Manager
	if !cfg.AuthDisabled {
		authManager, err = auth.NewManager(cfg.AuthSecret)
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
	} else {
		logger.Warn("authorization disabled: callers are identified by the X-User-ID header")
	}

	probes := []health.Probe{}
	if p, ok := store.(health.Pinger); ok {
		probes = append(probes, health.DatabaseProbe("ledger_db", p))
	}
	if cfg.GenerationProvider == "openai" {
		base := cfg.OpenAIBaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		probes = append(probes, health.HTTPProbe("openai_api", base, nil))
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
		CleanupInterval:   5 * time.Minute,
	})
	defer limiter.Close()

	server := httpserver.New(httpserver.Config{
		Ledger:            svc,
		Meter:             meter,
		Generator:         gen,
		Admins:            policy,
		Auth:              authManager,
		AuthDisabled:      cfg.AuthDisabled,
		Metrics:           collector,
		Health:            health.New(health.Config{Probes: probes}),
		RateLimiter:       limiter,
		Logger:            logger.Named("http"),
		GenerationCost:    cfg.GenerationCost,
		GenerationTimeout: cfg.GenerationTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditsd listening",
			zap.String("version", version.FullInfo()),
			zap.String("addr", cfg.HTTPAddress),
			zap.String("environment", cfg.Environment),
			zap.String("provider", gen.Name()),
			zap.Int64("generation_cost", cfg.GenerationCost))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

func newGenerator(cfg config.Config) (generation.Generator, error) {
	switch cfg.GenerationProvider {
	case "openai":
		g, err := openai.New(openai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Organization:   cfg.OpenAIOrg,
			DefaultModel:   cfg.GenerationModel,
			RequestTimeout: cfg.GenerationTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init openai generator: %w", err)
		}
		return g, nil
	default:
		return loopback.New(), nil
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_dispatch/internal/app"
	"github.com/austindbirch/harbor_dispatch/internal/auth"
	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/dispatch"
	"github.com/austindbirch/harbor_dispatch/internal/ingest"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/retry"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("HARBOR_CONFIG_FILE"))
	if err != nil {
		logging.Plain().WithError(err).Fatal("load config")
	}
	logger := app.NewLogger("harbor-ingest", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("ingest exited")
	}
	logger.Plain().Info("ingest stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracing(ctx, "harbor-ingest", cfg.Tracing)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	feed, stopFeed, err := app.NewFeed(cfg.NSQ)
	if err != nil {
		return err
	}
	defer stopFeed()

	tokens, err := auth.NewValidatorFromConfig(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("bearer validator: %w", err)
	}
	if tokens == nil {
		logger.Plain().Info("no bearer key configured, bearer auth disabled")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	executor := delivery.NewExecutor(st, cfg.Delivery, logger.Named("harbor-delivery"), delivery.WithFeed(feed))
	coordinator := dispatch.NewCoordinator(dispatch.NewResolver(st), executor, cfg.Delivery.MaxConcurrency, logger)
	sweeper := retry.NewSweeper(st, executor, feed, cfg, logger.Named("harbor-retry"))
	srv := ingest.NewServer(auth.NewAuthenticator(cfg.Auth, tokens), coordinator, sweeper, st, reg, logger)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPAddr).Info("ingest HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP serve: %w", err)
	case <-ctx.Done():
	}

	// in-flight fan-outs finish on their own contexts; Shutdown waits for them
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

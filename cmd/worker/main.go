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

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_dispatch/internal/app"
	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/health"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/retry"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("HARBOR_CONFIG_FILE"))
	if err != nil {
		logging.Plain().WithError(err).Fatal("load config")
	}
	logger := app.NewLogger("harbor-worker", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("worker exited")
	}
	logger.Plain().Info("worker stopped")
}

// run sweeps on retry.interval until ctx is done. An interval of zero leaves
// sweeping to the scheduler calling the ingest gate.
func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracing(ctx, "harbor-worker", cfg.Tracing)
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

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	executor := delivery.NewExecutor(st, cfg.Delivery, logger.Named("harbor-delivery"), delivery.WithFeed(feed))
	sweeper := retry.NewSweeper(st, executor, feed, cfg, logger)

	r := chi.NewRouter()
	r.Get("/healthz", health.HTTPHandler(st))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.WorkerHTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", cfg.WorkerHTTPAddr).Info("worker HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("worker HTTP serve failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	if cfg.Retry.Interval == 0 {
		logger.Plain().Info("retry.interval is 0, periodic sweeping disabled")
		<-ctx.Done()
		return nil
	}
	logger.Plain().WithField("interval", cfg.Retry.Interval.String()).Info("worker sweeping")
	sweeper.Run(ctx, cfg.Retry.Interval)
	return nil
}

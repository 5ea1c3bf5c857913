package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"dq-rule-engine/internal/app"
	"dq-rule-engine/internal/config"
	"dq-rule-engine/internal/telemetry"
	"dq-rule-engine/internal/worker"
)

// The worker process runs one scheduler loop and the executor pool. Several
// worker processes may run side by side; leases keep them from double-firing.
func main() {
	cfg, err := config.Load()
	if err != nil {
		app.NewLogger(config.Config{}).Error("load config", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	if err := rt.Migrate(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	defer func() { _ = metrics.Close() }()

	processor := worker.NewProcessor(rt.Queue, rt.Executor, cfg.WorkerCount, cfg.DequeueWait, logger.With("component", "processor"))

	logger.Info("worker started", "workers", cfg.WorkerCount, "tick_interval", cfg.TickInterval, "lease_ttl", cfg.LeaseTTL)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Scheduler.Run(gctx) })
	g.Go(func() error { return processor.Run(gctx) })
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", "error", err)
	}
}

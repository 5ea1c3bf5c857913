package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dq-rule-engine/internal/api"
	"dq-rule-engine/internal/app"
	"dq-rule-engine/internal/config"
	"dq-rule-engine/internal/queue"
	"dq-rule-engine/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		app.NewLogger(config.Config{}).Error("load config", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	var limiter api.Limiter
	if cfg.APIRateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(rt.Redis, cfg.KeyPrefix+":ratelimit:", cfg.APIRateLimitCapacity, cfg.APIRateLimitRefill, time.Hour)
	}
	var dlq api.DeadLetters
	if rq, ok := rt.Queue.(*queue.RedisQueue); ok {
		dlq = rq
	}

	server := api.New(cfg, rt.Repo, rt.Leases, rt.Scheduler, dlq, limiter)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

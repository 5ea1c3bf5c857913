// Package app assembles the engine's components from configuration. The api,
// worker and dqctl binaries share it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"dq-rule-engine/internal/config"
	"dq-rule-engine/internal/connector"
	"dq-rule-engine/internal/escalation"
	"dq-rule-engine/internal/notify"
	"dq-rule-engine/internal/queue"
	"dq-rule-engine/internal/scheduler"
	"dq-rule-engine/internal/state"
	"dq-rule-engine/internal/store"
	"dq-rule-engine/internal/worker"
)

// Parts are the stateful dependencies a Runtime is built from.
type Parts struct {
	Repo        store.Repository
	Leases      state.LeaseTable
	Suppression state.SuppressionTable
	Queue       queue.Queue
	Connectors  connector.Provider
	Deliverer   escalation.Deliverer
}

// Runtime holds the wired engine.
type Runtime struct {
	Config      config.Config
	Logger      *slog.Logger
	Repo        store.Repository
	Leases      state.LeaseTable
	Suppression state.SuppressionTable
	Queue       queue.Queue
	Connectors  connector.Provider
	Escalation  *escalation.Manager
	Scheduler   *scheduler.Scheduler
	Executor    *worker.Executor
	// Redis is nil when the runtime was assembled from in-process parts.
	Redis *redis.Client

	migrate func(ctx context.Context) error
	closers []func()
}

// NewLogger returns the JSON slog logger used by every binary.
func NewLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("env", cfg.Env)
}

// Assemble wires scheduler, executor and escalation around parts.
func Assemble(cfg config.Config, logger *slog.Logger, p Parts) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	esc := escalation.NewManager(cfg.Routing, cfg.OperationalChannels, p.Suppression, p.Deliverer, logger.With("component", "escalation"))
	return &Runtime{
		Config:      cfg,
		Logger:      logger,
		Repo:        p.Repo,
		Leases:      p.Leases,
		Suppression: p.Suppression,
		Queue:       p.Queue,
		Connectors:  p.Connectors,
		Escalation:  esc,
		Scheduler: scheduler.New(p.Repo, p.Leases, p.Queue, scheduler.Options{
			TickInterval:   cfg.TickInterval,
			LeaseTTL:       cfg.LeaseTTL,
			DefaultTimeout: cfg.DefaultCheckTimeout,
		}, logger.With("component", "scheduler")),
		Executor: worker.NewExecutor(p.Repo, p.Leases, p.Connectors, esc, worker.Options{
			DefaultTimeout: cfg.DefaultCheckTimeout,
			LeaseTTL:       cfg.LeaseTTL,
		}, logger.With("component", "executor")),
	}
}

// Open connects to Postgres, Redis and optionally NATS and assembles a
// Runtime. Migrations are not applied; call Migrate.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	closers := []func(){st.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	rdb := queue.NewClient(cfg)
	closers = append(closers, func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		closeAll()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		if nc, err = notify.Connect(cfg.NATSURL); err != nil {
			closeAll()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		closers = append(closers, nc.Close)
	}

	conns := connector.NewRegistry(cfg.Sources, cfg.ConnectorCacheTTL, cfg.ScanLimit, logger.With("component", "connectors"))
	closers = append(closers, conns.Close)

	rt := Assemble(cfg, logger, Parts{
		Repo:        st,
		Leases:      state.NewLeases(rdb, cfg.KeyPrefix),
		Suppression: state.NewSuppression(rdb, cfg.KeyPrefix),
		Queue:       queue.NewRedisQueue(rdb, cfg.QueueKey),
		Connectors:  conns,
		Deliverer:   notify.FromConfig(cfg, rdb, nc, logger.With("component", "notify")),
	})
	rt.Redis = rdb
	rt.migrate = st.RunMigrations
	rt.closers = closers
	return rt, nil
}

// Migrate applies the rule store's schema migrations.
func (r *Runtime) Migrate(ctx context.Context) error {
	if r.migrate == nil {
		return nil
	}
	return r.migrate(ctx)
}

// Close releases connections in reverse order of acquisition.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"dq-rule-engine/internal/models"
	"dq-rule-engine/internal/queue"
	"dq-rule-engine/internal/state"
	"dq-rule-engine/internal/store"
	"dq-rule-engine/internal/telemetry"
)

// Options tunes a Scheduler.
type Options struct {
	TickInterval   time.Duration
	LeaseTTL       time.Duration
	DefaultTimeout time.Duration
}

// TickResult summarizes one pass over the rule set.
type TickResult struct {
	Considered int
	Due        int
	// Fired lists the names of rules enqueued by this tick.
	Fired     []string
	Contended int
	Errors    int
}

// Scheduler decides which rules are due and hands them to the executors,
// holding a per-rule lease so at most one run is in flight.
type Scheduler struct {
	repo   store.Repository
	leases state.LeaseTable
	queue  queue.Queue
	opts   Options
	logger *slog.Logger
}

func New(repo store.Repository, leases state.LeaseTable, q queue.Queue, opts Options, logger *slog.Logger) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 15 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Minute
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{repo: repo, leases: leases, queue: q, opts: opts, logger: logger}
}

// Tick enqueues every enabled rule whose next fire time is at or before now.
// A rule that missed several windows fires once; its next fire is computed
// from now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	now = now.UTC()
	var res TickResult

	rules, err := s.repo.ListRules(ctx, store.RuleFilter{EnabledOnly: true})
	if err != nil {
		return res, fmt.Errorf("list rules: %w", err)
	}
	for _, rule := range rules {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Considered++
		fired, contended, err := s.fireIfDue(ctx, rule, now, &res)
		switch {
		case err != nil:
			res.Errors++
			s.logger.Warn("schedule rule", "rule", rule.Name, "error", err)
		case contended:
			res.Contended++
		case fired:
			res.Fired = append(res.Fired, rule.Name)
		}
	}

	if err := s.leases.Heartbeat(ctx, now); err != nil {
		s.logger.Warn("record scheduler heartbeat", "error", err)
	}
	telemetry.LastTickGauge.Set(float64(now.Unix()))
	if depth, err := s.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	return res, nil
}

func (s *Scheduler) fireIfDue(ctx context.Context, rule models.Rule, now time.Time, res *TickResult) (fired, contended bool, err error) {
	sched, err := models.ParseSchedule(rule.Schedule)
	if err != nil {
		return false, false, fmt.Errorf("parse schedule %q: %w", rule.Schedule, err)
	}
	last, err := s.repo.LastFiredAt(ctx, rule.ID)
	if err != nil {
		return false, false, fmt.Errorf("read last fire: %w", err)
	}
	base := rule.UpdatedAt
	if last != nil {
		base = *last
	}
	if sched.Next(base).After(now) {
		return false, false, nil
	}
	res.Due++

	token, ok, err := s.leases.Acquire(ctx, rule.ID, s.leaseTTL(rule))
	if err != nil {
		return false, false, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		telemetry.LeaseContention.Inc()
		s.logger.Debug("rule lease held elsewhere", "rule", rule.Name)
		return false, true, nil
	}

	claimed, err := s.repo.ClaimFire(ctx, rule.ID, last, now)
	if err != nil || !claimed {
		s.release(ctx, rule.ID, token)
		if err != nil {
			return false, false, fmt.Errorf("record fire: %w", err)
		}
		telemetry.LeaseContention.Inc()
		s.logger.Debug("rule fired by another scheduler", "rule", rule.Name)
		return false, true, nil
	}

	req := queue.Request{RuleID: rule.ID, LeaseToken: token, FiredAt: now, EnqueuedAt: now}
	if err := s.queue.Enqueue(ctx, req); err != nil {
		s.release(ctx, rule.ID, token)
		return false, false, fmt.Errorf("enqueue: %w", err)
	}
	telemetry.RulesFired.Inc()
	s.logger.Info("rule fired", "rule", rule.Name, "rule_id", rule.ID)
	return true, false, nil
}

// Claim takes the rule's lease outside the schedule, for manual runs. ok is
// false when another run holds it. The fire time is left untouched.
func (s *Scheduler) Claim(ctx context.Context, rule models.Rule, now time.Time, dryRun bool) (queue.Request, bool, error) {
	token, ok, err := s.leases.Acquire(ctx, rule.ID, s.leaseTTL(rule))
	if err != nil {
		return queue.Request{}, false, fmt.Errorf("acquire lease for %s: %w", rule.Name, err)
	}
	if !ok {
		telemetry.LeaseContention.Inc()
		return queue.Request{}, false, nil
	}
	return queue.Request{RuleID: rule.ID, LeaseToken: token, FiredAt: now.UTC(), EnqueuedAt: now.UTC(), DryRun: dryRun}, true, nil
}

// Submit claims the rule and enqueues it for the executor pool.
func (s *Scheduler) Submit(ctx context.Context, rule models.Rule, now time.Time, dryRun bool) (bool, error) {
	req, ok, err := s.Claim(ctx, rule, now, dryRun)
	if err != nil || !ok {
		return false, err
	}
	if err := s.queue.Enqueue(ctx, req); err != nil {
		s.release(ctx, rule.ID, req.LeaseToken)
		return false, fmt.Errorf("enqueue %s: %w", rule.Name, err)
	}
	return true, nil
}

// Run ticks every TickInterval until ctx is cancelled. The first tick happens
// immediately; a tick still running when the next is due is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{s.logger}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	c.Schedule(cron.Every(s.opts.TickInterval), cron.FuncJob(func() { s.tickOnce(ctx) }))

	s.tickOnce(ctx)
	c.Start()
	s.logger.Info("scheduler started", "tick_interval", s.opts.TickInterval)
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := s.Tick(ctx, time.Now())
	if err != nil {
		s.logger.Error("scheduler tick", "error", err)
		return
	}
	if len(res.Fired) > 0 || res.Errors > 0 {
		s.logger.Info("scheduler tick", "considered", res.Considered, "fired", len(res.Fired),
			"contended", res.Contended, "errors", res.Errors)
	}
}

func (s *Scheduler) leaseTTL(rule models.Rule) time.Duration {
	return state.LeaseTTL(s.opts.LeaseTTL, rule.Timeout(s.opts.DefaultTimeout))
}

func (s *Scheduler) release(ctx context.Context, ruleID, token string) {
	if _, err := s.leases.Release(context.WithoutCancel(ctx), ruleID, token); err != nil {
		s.logger.Warn("release lease", "rule_id", ruleID, "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}

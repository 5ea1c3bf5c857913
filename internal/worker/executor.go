package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dq-rule-engine/internal/checks"
	"dq-rule-engine/internal/connector"
	"dq-rule-engine/internal/escalation"
	"dq-rule-engine/internal/models"
	"dq-rule-engine/internal/queue"
	"dq-rule-engine/internal/state"
	"dq-rule-engine/internal/store"
	"dq-rule-engine/internal/telemetry"
)

// Escalator receives the outcome of every persisted run.
type Escalator interface {
	HandleViolation(ctx context.Context, rule models.Rule, v models.Violation) escalation.Decision
	HandleOperational(ctx context.Context, rule models.Rule, run models.Run) escalation.Decision
}

// Result describes what one Execute call did.
type Result struct {
	Rule      models.Rule
	Run       models.Run
	Violation *models.Violation
	// Discarded is set when the rule was disabled or removed after enqueue; no
	// run was created.
	Discarded bool
	DryRun    bool
	Alert     escalation.Decision
}

// Options tunes an Executor.
type Options struct {
	DefaultTimeout time.Duration
	LeaseTTL       time.Duration
}

// Executor performs one rule's check and records its run.
type Executor struct {
	repo   store.Repository
	leases state.LeaseTable
	conns  connector.Provider
	esc    Escalator
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewExecutor(repo store.Repository, leases state.LeaseTable, conns connector.Provider, esc Escalator, opts Options, logger *slog.Logger) *Executor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 2 * time.Minute
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{repo: repo, leases: leases, conns: conns, esc: esc, opts: opts, logger: logger, now: time.Now}
}

// Execute runs the rule named by req. The request's lease is always released
// before returning. The returned error is reserved for failures to read or
// record state; check failures and check errors are reported in Result.
func (e *Executor) Execute(ctx context.Context, req queue.Request) (Result, error) {
	if req.LeaseToken != "" {
		defer e.release(ctx, req)
	}

	rule, err := e.repo.GetRule(ctx, req.RuleID)
	if errors.Is(err, store.ErrNotFound) {
		telemetry.RunsDiscarded.Inc()
		e.logger.Info("discarding request for removed rule", "rule_id", req.RuleID)
		return Result{Discarded: true, DryRun: req.DryRun}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load rule %s: %w", req.RuleID, err)
	}
	if !rule.Enabled {
		telemetry.RunsDiscarded.Inc()
		e.logger.Info("discarding request for disabled rule", "rule", rule.Name)
		return Result{Rule: rule, Discarded: true, DryRun: req.DryRun}, nil
	}

	res := Result{Rule: rule, DryRun: req.DryRun}
	run := models.Run{RuleID: rule.ID, StartedAt: e.now().UTC(), Status: models.RunRunning}
	if !req.DryRun {
		if run, err = e.repo.CreateRun(ctx, run); err != nil {
			return Result{}, fmt.Errorf("create run: %w", err)
		}
	}

	timeout := rule.Timeout(e.opts.DefaultTimeout)
	stopHeartbeat := e.heartbeat(ctx, req, state.LeaseTTL(e.opts.LeaseTTL, timeout))
	telemetry.InFlightGauge.Inc()
	out, evalErr := e.evaluate(ctx, rule, run.StartedAt, timeout)
	telemetry.InFlightGauge.Dec()
	stopHeartbeat()

	run.RowsChecked = out.RowsChecked
	run.RowsFailed = out.RowsFailed
	run.Sampled = out.Sampled
	run.Estimated = out.Estimated
	finishedAt := e.now().UTC()
	switch {
	case evalErr != nil:
		msg := evalErr.Error()
		run.ErrorMessage = &msg
		run.Finish(models.RunError, finishedAt)
	case out.Failed:
		run.Finish(models.RunFailed, finishedAt)
		res.Violation = &models.Violation{
			RunID:       run.ID,
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			DetectedAt:  finishedAt,
			Severity:    rule.Severity,
			Description: out.Description,
			Evidence:    out.Evidence,
		}
	default:
		run.Finish(models.RunSucceeded, finishedAt)
	}
	res.Run = run
	telemetry.RunDuration.Observe(run.Duration().Seconds())

	if req.DryRun {
		return res, nil
	}

	// Persist even when ctx was cancelled mid-check so the run never stays RUNNING.
	pctx := context.WithoutCancel(ctx)
	if err := e.repo.FinishRun(pctx, run); err != nil {
		return res, fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	telemetry.RunsCompleted.WithLabelValues(string(run.Status)).Inc()

	log := e.logger.With("rule", rule.Name, "run_id", run.ID, "status", run.Status,
		"rows_checked", run.RowsChecked, "rows_failed", run.RowsFailed, "sampled", run.Sampled)
	switch run.Status {
	case models.RunError:
		log.Warn("check could not run", "error", *run.ErrorMessage)
		res.Alert = e.esc.HandleOperational(pctx, rule, run)
	case models.RunFailed:
		v, err := e.repo.CreateViolation(pctx, *res.Violation)
		if err != nil {
			return res, fmt.Errorf("record violation for run %s: %w", run.ID, err)
		}
		res.Violation = &v
		telemetry.ViolationsCreated.WithLabelValues(string(v.Severity)).Inc()
		log.Info("check failed", "violation_id", v.ID, "severity", v.Severity)
		res.Alert = e.esc.HandleViolation(pctx, rule, v)
	default:
		log.Info("check passed")
	}
	return res, nil
}

func (e *Executor) evaluate(ctx context.Context, rule models.Rule, startedAt time.Time, timeout time.Duration) (checks.Outcome, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := e.conns.Get(rule.Target.Source)
	if err != nil {
		return checks.Outcome{}, err
	}
	out, err := checks.Evaluate(cctx, checks.Env{
		Rule: rule,
		Conn: conn,
		Seed: models.SampleSeed(rule.ID, rule.Schedule, startedAt),
		Now:  startedAt,
	})
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return checks.Outcome{}, fmt.Errorf("check timed out after %s: %w", timeout, err)
	}
	return out, err
}

// heartbeat extends the request's lease every ttl/2 until the returned stop
// function is called.
func (e *Executor) heartbeat(ctx context.Context, req queue.Request, ttl time.Duration) func() {
	if req.LeaseToken == "" {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := e.leases.Extend(ctx, req.RuleID, req.LeaseToken, ttl)
				if err != nil {
					e.logger.Warn("extend lease", "rule_id", req.RuleID, "error", err)
				} else if !ok {
					e.logger.Warn("lease lost while check was running", "rule_id", req.RuleID)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (e *Executor) release(ctx context.Context, req queue.Request) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	ok, err := e.leases.Release(rctx, req.RuleID, req.LeaseToken)
	if err != nil {
		e.logger.Warn("release lease", "rule_id", req.RuleID, "error", err)
		return
	}
	if !ok {
		e.logger.Debug("lease already gone at release", "rule_id", req.RuleID)
	}
}

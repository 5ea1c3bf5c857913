package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"dq-rule-engine/internal/queue"
)

// Processor runs a fixed pool of workers draining the execution queue.
type Processor struct {
	queue   queue.Queue
	exec    *Executor
	workers int
	wait    time.Duration
	logger  *slog.Logger
}

func NewProcessor(q queue.Queue, exec *Executor, workers int, wait time.Duration, logger *slog.Logger) *Processor {
	if workers <= 0 {
		workers = 1
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{queue: q, exec: exec, workers: workers, wait: wait, logger: logger}
}

// Run starts the workers and blocks until ctx is cancelled. Cancellation stops
// dequeueing only: a check already dequeued runs to completion, bounded by its
// rule timeout, before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			p.loop(gctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context, id int) {
	log := p.logger.With("worker", id)
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		req, ok, err := p.queue.Dequeue(ctx, p.wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			wait := backoffWithJitter(200*time.Millisecond, 10*time.Second, failures)
			log.Warn("dequeue failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		failures = 0
		if !ok {
			continue
		}
		p.handle(ctx, log, req)
	}
}

// handle isolates one request: an error or panic is logged and the worker
// moves on to the next request.
func (p *Processor) handle(ctx context.Context, log *slog.Logger, req queue.Request) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panic", "rule_id", req.RuleID, "panic", fmt.Sprint(r))
		}
	}()
	if _, err := p.exec.Execute(context.WithoutCancel(ctx), req); err != nil {
		log.Error("execute request", "rule_id", req.RuleID, "error", err)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int64N(int64(wait/2) + 1))
	return wait/2 + jitter
}

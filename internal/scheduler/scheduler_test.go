package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dq-rule-engine/internal/models"
	"dq-rule-engine/internal/queue"
	"dq-rule-engine/internal/state"
	"dq-rule-engine/internal/store"
)

func addRule(t *testing.T, repo store.Repository, name, schedule string, enabled bool) models.Rule {
	t.Helper()
	r := models.Rule{
		Name: name, Target: models.Target{Source: "wh", Table: "sales"},
		CheckType: models.CheckNotEmpty, Severity: models.SeverityHigh,
		Schedule: schedule, Enabled: enabled,
	}
	require.Empty(t, r.Validate())
	saved, _, err := repo.UpsertRule(context.Background(), r)
	require.NoError(t, err)
	return saved
}

func drain(t *testing.T, q queue.Queue) []queue.Request {
	t.Helper()
	var out []queue.Request
	for {
		req, ok, err := q.Dequeue(context.Background(), 10*time.Millisecond)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, req)
	}
}

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestConcurrentTicksEnqueueOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := store.NewMemory()
	rule := addRule(t, repo, "sales_not_empty", "*/5 * * * *", true)
	q := queue.NewRedisQueue(client, "dq:test:ready")
	now := rule.UpdatedAt.Add(10 * time.Minute)

	var wg sync.WaitGroup
	results := make([]TickResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := New(repo, state.NewLeases(client, "dq:test"), q, Options{}, quiet())
			res, err := s.Tick(context.Background(), now)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	fired := 0
	for _, r := range results {
		fired += len(r.Fired)
	}
	assert.Equal(t, 1, fired)
	reqs := drain(t, q)
	require.Len(t, reqs, 1)
	assert.Equal(t, rule.ID, reqs[0].RuleID)
	assert.NotEmpty(t, reqs[0].LeaseToken)

	last, err := repo.LastFiredAt(context.Background(), rule.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(now.UTC()))

	tick, err := state.NewLeases(client, "dq:test").LastTick(context.Background())
	require.NoError(t, err)
	assert.True(t, tick.Equal(now.UTC().Truncate(time.Millisecond)))
}

func TestMissedWindowsFireOnce(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	leases := state.NewMemoryLeases()
	q := queue.NewMemory()
	rule := addRule(t, repo, "sales_not_empty", "*/5 * * * *", true)
	s := New(repo, leases, q, Options{}, quiet())

	// An hour of missed windows.
	now := rule.UpdatedAt.Add(time.Hour)
	res, err := s.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"sales_not_empty"}, res.Fired)
	reqs := drain(t, q)
	require.Len(t, reqs, 1)

	res, err = s.Tick(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, res.Fired)
	assert.Zero(t, res.Due)

	// Next window is due but the previous run still holds the lease.
	next := now.Add(5 * time.Minute)
	res, err = s.Tick(ctx, next)
	require.NoError(t, err)
	assert.Empty(t, res.Fired)
	assert.Equal(t, 1, res.Contended)

	ok, err := leases.Release(ctx, rule.ID, reqs[0].LeaseToken)
	require.NoError(t, err)
	require.True(t, ok)
	res, err = s.Tick(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"sales_not_empty"}, res.Fired)
}

func TestDisabledRulesAreSkipped(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	q := queue.NewMemory()
	rule := addRule(t, repo, "dormant", "@every 1m", false)
	s := New(repo, state.NewMemoryLeases(), q, Options{}, quiet())

	res, err := s.Tick(ctx, rule.UpdatedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Considered)
	assert.Empty(t, drain(t, q))
}

func TestContentionLeavesFireTimeUntouched(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	leases := state.NewMemoryLeases()
	q := queue.NewMemory()
	rule := addRule(t, repo, "busy", "@hourly", true)

	_, ok, err := leases.Acquire(ctx, rule.ID, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	s := New(repo, leases, q, Options{}, quiet())
	res, err := s.Tick(ctx, rule.UpdatedAt.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Contended)
	assert.Zero(t, res.Errors)

	last, err := repo.LastFiredAt(ctx, rule.ID)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestSubmitHonoursLease(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	q := queue.NewMemory()
	rule := addRule(t, repo, "manual", "@daily", true)
	s := New(repo, state.NewMemoryLeases(), q, Options{}, quiet())

	ok, err := s.Submit(ctx, rule, time.Now(), false)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Submit(ctx, rule, time.Now(), false)
	require.NoError(t, err)
	assert.False(t, ok, "second submit while the first holds the lease")

	assert.Len(t, drain(t, q), 1)
	last, _ := repo.LastFiredAt(ctx, rule.ID)
	assert.Nil(t, last)
}

func TestRunStopsOnCancel(t *testing.T) {
	repo := store.NewMemory()
	leases := state.NewMemoryLeases()
	s := New(repo, leases, queue.NewMemory(), Options{TickInterval: time.Second}, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		tick, _ := leases.LastTick(context.Background())
		return !tick.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

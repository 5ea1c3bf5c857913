package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dq-rule-engine/internal/models"
)

func sampleRule(name string) models.Rule {
	return models.Rule{
		Name:                 name,
		Target:               models.Target{Source: "warehouse", Table: "orders"},
		CheckType:            models.CheckNotEmpty,
		Severity:             models.SeverityHigh,
		Schedule:             "*/5 * * * *",
		Enabled:              true,
		AlertCooldownMinutes: 60,
	}
}

func TestMemoryUpsertIsIdempotentByName(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, created, err := m.UpsertRule(ctx, sampleRule("orders_not_empty"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, first.Version)

	again, created, err := m.UpsertRule(ctx, sampleRule("orders_not_empty"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, again.Version)

	changed := sampleRule("orders_not_empty")
	changed.Severity = models.SeverityCritical
	updated, created, err := m.UpsertRule(ctx, changed)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, updated.ID)
	assert.Equal(t, 2, updated.Version)

	rules, err := m.ListRules(ctx, RuleFilter{})
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestMemoryClaimFireIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	fired := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.ClaimFire(ctx, "r1", nil, fired)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	last, err := m.LastFiredAt(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(fired))

	next := fired.Add(5 * time.Minute)
	ok, err := m.ClaimFire(ctx, "r1", nil, next)
	require.NoError(t, err)
	assert.False(t, ok, "stale expectation must lose")

	ok, err = m.ClaimFire(ctx, "r1", last, next)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryFinishRunOnlyFromRunning(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	start := time.Now().UTC()

	run, err := m.CreateRun(ctx, models.Run{RuleID: "r1", StartedAt: start, Status: models.RunRunning})
	require.NoError(t, err)

	run.Finish(models.RunSucceeded, start.Add(time.Second))
	require.NoError(t, m.FinishRun(ctx, run))

	run.Status = models.RunFailed
	err = m.FinishRun(ctx, run)
	assert.True(t, errors.Is(err, ErrRunTerminal))

	stored, err := m.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, stored.Status)
}

func TestMemoryViolationsAckAndRetention(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()

	run, err := m.CreateRun(ctx, models.Run{RuleID: "r1", StartedAt: now, Status: models.RunRunning})
	require.NoError(t, err)

	evidence := make([]string, 50)
	for i := range evidence {
		evidence[i] = "row"
	}
	old, err := m.CreateViolation(ctx, models.Violation{RunID: run.ID, RuleID: "r1", DetectedAt: now.Add(-48 * time.Hour), Severity: models.SeverityLow})
	require.NoError(t, err)
	fresh, err := m.CreateViolation(ctx, models.Violation{RunID: run.ID, RuleID: "r1", DetectedAt: now, Severity: models.SeverityHigh, Evidence: evidence})
	require.NoError(t, err)
	assert.Len(t, fresh.Evidence, models.EvidenceLimit)

	_, err = m.CreateViolation(ctx, models.Violation{RunID: "missing", RuleID: "r1", DetectedAt: now})
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := m.CountUnacknowledged(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, m.AcknowledgeViolation(ctx, fresh.ID, "oncall", now))
	open, err := m.ListViolations(ctx, ViolationFilter{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, old.ID, open[0].ID)

	deleted, err := m.DeleteViolationsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestMemoryRetireRuleRemovesHistory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rule, _, err := m.UpsertRule(ctx, sampleRule("orders_not_empty"))
	require.NoError(t, err)

	run, err := m.CreateRun(ctx, models.Run{RuleID: rule.ID, StartedAt: time.Now(), Status: models.RunRunning})
	require.NoError(t, err)
	_, err = m.CreateViolation(ctx, models.Violation{RunID: run.ID, RuleID: rule.ID, DetectedAt: time.Now()})
	require.NoError(t, err)
	_, err = m.ClaimFire(ctx, rule.ID, nil, time.Now())
	require.NoError(t, err)

	require.NoError(t, m.RetireRule(ctx, rule.ID))

	_, err = m.GetRule(ctx, rule.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	runs, _ := m.ListRuns(ctx, RunFilter{RuleID: rule.ID})
	assert.Empty(t, runs)
	violations, _ := m.ListViolations(ctx, ViolationFilter{RuleID: rule.ID})
	assert.Empty(t, violations)
	last, _ := m.LastFiredAt(ctx, rule.ID)
	assert.Nil(t, last)

	assert.ErrorIs(t, m.RetireRule(ctx, rule.ID), ErrNotFound)
}

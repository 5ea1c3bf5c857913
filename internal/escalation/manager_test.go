package escalation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dq-rule-engine/internal/config"
	"dq-rule-engine/internal/models"
	"dq-rule-engine/internal/state"
)

type delivered struct {
	channel string
	n       models.Notification
}

type fakeOut struct {
	mu   sync.Mutex
	sent []delivered
	fail map[string]bool
}

func (f *fakeOut) Deliver(_ context.Context, ch string, n models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivered{ch, n})
	if f.fail[ch] {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeOut) count(kind models.NotificationKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.sent {
		if d.n.Kind == kind {
			n++
		}
	}
	return n
}

func newManager(out *fakeOut) *Manager {
	return NewManager(config.DefaultRouting(), []string{"ops"}, state.NewMemorySuppression(), out, slog.New(slog.DiscardHandler))
}

func criticalRule() models.Rule {
	return models.Rule{ID: "r-sales", Name: "sales_not_empty", Severity: models.SeverityCritical, AlertCooldownMinutes: 60}
}

func violation(rule models.Rule, at time.Time) models.Violation {
	return models.Violation{
		ID: "v-" + at.Format("150405"), RunID: "run", RuleID: rule.ID, RuleName: rule.Name,
		DetectedAt: at, Severity: rule.Severity, Description: "sales has no rows", Evidence: []string{"row_count=0"},
	}
}

func TestCooldownSuppressesSecondNotification(t *testing.T) {
	ctx := context.Background()
	out := &fakeOut{}
	m := newManager(out)
	rule := criticalRule()
	t0 := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	first := m.HandleViolation(ctx, rule, violation(rule, t0))
	second := m.HandleViolation(ctx, rule, violation(rule, t0.Add(10*time.Minute)))

	assert.True(t, first.Notified)
	assert.Equal(t, []string{"primary", "paging"}, first.Channels)
	assert.False(t, second.Notified)
	assert.True(t, second.Suppressed)
	assert.Len(t, out.sent, 2, "one notification fanned out to two channels")

	third := m.HandleViolation(ctx, rule, violation(rule, t0.Add(61*time.Minute)))
	assert.True(t, third.Notified)
}

func TestLogOnlyRoutesIgnoreCooldown(t *testing.T) {
	ctx := context.Background()
	out := &fakeOut{}
	sup := state.NewMemorySuppression()
	m := NewManager(config.DefaultRouting(), nil, sup, out, slog.New(slog.DiscardHandler))
	rule := models.Rule{ID: "r-low", Name: "low", Severity: models.SeverityLow, AlertCooldownMinutes: 60}
	t0 := time.Now()

	for i := 0; i < 3; i++ {
		d := m.HandleViolation(ctx, rule, violation(rule, t0.Add(time.Duration(i)*time.Minute)))
		assert.True(t, d.Notified)
		assert.Equal(t, []string{"log"}, d.Channels)
	}
	_, marked, err := sup.LastAlerted(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestSeverityComesFromViolation(t *testing.T) {
	out := &fakeOut{}
	m := newManager(out)
	rule := criticalRule()
	v := violation(rule, time.Now())
	rule.Severity = models.SeverityInfo // edited after detection

	d := m.HandleViolation(context.Background(), rule, v)
	assert.Equal(t, []string{"primary", "paging"}, d.Channels)
	require.NotEmpty(t, out.sent)
	assert.Equal(t, models.SeverityCritical, out.sent[0].n.Severity)
}

func TestOperationalAlertsIgnoreCooldown(t *testing.T) {
	ctx := context.Background()
	out := &fakeOut{}
	m := newManager(out)
	rule := criticalRule()
	msg := "dial tcp: connection refused"
	run := models.Run{ID: "run-1", RuleID: rule.ID, Status: models.RunError, ErrorMessage: &msg}

	m.HandleViolation(ctx, rule, violation(rule, time.Now()))
	d1 := m.HandleOperational(ctx, rule, run)
	d2 := m.HandleOperational(ctx, rule, run)

	assert.True(t, d1.Notified)
	assert.True(t, d2.Notified)
	assert.Equal(t, []string{"ops"}, d1.Channels)
	assert.Equal(t, 2, out.count(models.KindOperational))
	assert.Contains(t, out.sent[len(out.sent)-1].n.Description, "connection refused")
}

func TestDeliveryFailuresAreReported(t *testing.T) {
	out := &fakeOut{fail: map[string]bool{"paging": true}}
	m := newManager(out)
	rule := criticalRule()
	d := m.HandleViolation(context.Background(), rule, violation(rule, time.Now()))
	assert.True(t, d.Notified)
	assert.Equal(t, []string{"paging"}, d.Failed)
}

func TestFailedDeliveryDoesNotConsumeCooldown(t *testing.T) {
	ctx := context.Background()
	out := &fakeOut{fail: map[string]bool{"primary": true, "paging": true}}
	m := newManager(out)
	rule := criticalRule()
	at := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)

	d := m.HandleViolation(ctx, rule, violation(rule, at))
	assert.True(t, d.Notified)
	assert.ElementsMatch(t, []string{"primary", "paging"}, d.Failed)

	out.fail = nil
	d = m.HandleViolation(ctx, rule, violation(rule, at.Add(5*time.Minute)))
	assert.False(t, d.Suppressed, "an undelivered alert leaves the cooldown free")
	assert.Empty(t, d.Failed)

	d = m.HandleViolation(ctx, rule, violation(rule, at.Add(10*time.Minute)))
	assert.True(t, d.Suppressed)
}

func TestPartialDeliveryKeepsCooldown(t *testing.T) {
	ctx := context.Background()
	out := &fakeOut{fail: map[string]bool{"paging": true}}
	m := newManager(out)
	rule := criticalRule()
	at := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)

	m.HandleViolation(ctx, rule, violation(rule, at))
	d := m.HandleViolation(ctx, rule, violation(rule, at.Add(5*time.Minute)))
	assert.True(t, d.Suppressed)
}

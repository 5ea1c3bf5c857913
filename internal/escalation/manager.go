// Package escalation turns violations and operational failures into routed
// notifications, applying each rule's alert cooldown.
package escalation

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"dq-rule-engine/internal/models"
	"dq-rule-engine/internal/notify"
	"dq-rule-engine/internal/state"
	"dq-rule-engine/internal/telemetry"
)

const excerptItems = 5

// Deliverer sends a notification to a named channel.
type Deliverer interface {
	Deliver(ctx context.Context, channel string, n models.Notification) error
}

// Decision reports what the manager did with one event.
type Decision struct {
	Channels   []string
	Notified   bool
	Suppressed bool
	// Failed lists channels whose delivery returned an error.
	Failed []string
}

// Manager routes by severity and enforces cooldown through a shared
// suppression table.
type Manager struct {
	routing     map[models.Severity][]string
	operational []string
	suppression state.SuppressionTable
	out         Deliverer
	logger      *slog.Logger
	now         func() time.Time
}

// NewManager builds a manager. Routing keys are severity names in any case.
func NewManager(routing map[string][]string, operational []string, sup state.SuppressionTable, out Deliverer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	table := make(map[models.Severity][]string, len(routing))
	for k, v := range routing {
		if sev, err := models.ParseSeverity(k); err == nil {
			table[sev] = v
		} else {
			logger.Warn("ignoring routing entry for unknown severity", "severity", k)
		}
	}
	if len(operational) == 0 {
		operational = []string{notify.LogChannel}
	}
	return &Manager{
		routing:     table,
		operational: operational,
		suppression: sup,
		out:         out,
		logger:      logger,
		now:         time.Now,
	}
}

// Route returns the channels for a severity; unrouted severities go to the log.
func (m *Manager) Route(sev models.Severity) []string {
	if chans := m.routing[sev]; len(chans) > 0 {
		return chans
	}
	return []string{notify.LogChannel}
}

func logOnly(channels []string) bool {
	for _, c := range channels {
		if c != notify.LogChannel {
			return false
		}
	}
	return true
}

// HandleViolation is invoked once per newly persisted violation. The violation
// record is never affected; only the notification is subject to cooldown.
// Log-only routes are always written and never consume the cooldown.
func (m *Manager) HandleViolation(ctx context.Context, rule models.Rule, v models.Violation) Decision {
	channels := m.Route(v.Severity)
	d := Decision{Channels: channels}

	if !logOnly(channels) {
		at := v.DetectedAt
		if at.IsZero() {
			at = m.now()
		}
		emit, err := m.suppression.TryMark(ctx, rule.ID, at, rule.Cooldown())
		if err != nil {
			m.logger.Warn("suppression state unavailable, notifying anyway", "rule", rule.Name, "error", err)
			emit = true
		}
		if !emit {
			d.Suppressed = true
			telemetry.AlertsSuppressed.Inc()
			m.logger.Info("notification suppressed by cooldown",
				"rule", rule.Name, "violation_id", v.ID, "cooldown_minutes", rule.AlertCooldownMinutes)
			return d
		}
	}

	n := models.Notification{
		Kind:            models.KindViolation,
		RuleID:          v.RuleID,
		RuleName:        v.RuleName,
		Severity:        v.Severity,
		Description:     v.Description,
		EvidenceExcerpt: v.EvidenceExcerpt(excerptItems),
		RunID:           v.RunID,
		Channels:        channels,
		CreatedAt:       m.now().UTC(),
	}
	d.Failed = m.deliver(ctx, n)
	d.Notified = true
	if !logOnly(channels) && !reachedAny(channels, d.Failed) {
		// Nobody was alerted, so the next violation must not be suppressed.
		if err := m.suppression.Reset(ctx, rule.ID); err != nil {
			m.logger.Warn("release cooldown after failed delivery", "rule", rule.Name, "error", err)
		}
	}
	return d
}

// reachedAny reports whether some non-log channel is missing from failed.
func reachedAny(channels, failed []string) bool {
	for _, c := range channels {
		if c != notify.LogChannel && !slices.Contains(failed, c) {
			return true
		}
	}
	return false
}

// HandleOperational raises a "check could not run" alert for an ERROR run.
// It is always emitted and ignores cooldown.
func (m *Manager) HandleOperational(ctx context.Context, rule models.Rule, run models.Run) Decision {
	msg := "unknown error"
	if run.ErrorMessage != nil && strings.TrimSpace(*run.ErrorMessage) != "" {
		msg = *run.ErrorMessage
	}
	n := models.Notification{
		Kind:        models.KindOperational,
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Severity:    rule.Severity,
		Description: "check could not run: " + msg,
		RunID:       run.ID,
		Channels:    m.operational,
		CreatedAt:   m.now().UTC(),
	}
	return Decision{Channels: m.operational, Notified: true, Failed: m.deliver(ctx, n)}
}

func (m *Manager) deliver(ctx context.Context, n models.Notification) []string {
	var failed []string
	for _, ch := range n.Channels {
		if err := m.out.Deliver(ctx, ch, n); err != nil {
			failed = append(failed, ch)
			telemetry.NotificationsFailed.WithLabelValues(ch).Inc()
			m.logger.Error("notification delivery failed", "channel", ch, "rule", n.RuleName, "kind", n.Kind, "error", err)
			continue
		}
		telemetry.NotificationsSent.WithLabelValues(ch, string(n.Kind)).Inc()
	}
	return failed
}

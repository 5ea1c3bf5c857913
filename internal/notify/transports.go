package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nicholas-fedor/shoutrrr"

	"dq-rule-engine/internal/models"
)

// Log writes notifications to the structured log.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(_ context.Context, n models.Notification) error {
	l.logger.Info("notification",
		"kind", n.Kind,
		"rule", n.RuleName,
		"severity", n.Severity,
		"run_id", n.RunID,
		"description", n.Description,
		"evidence", n.EvidenceExcerpt,
	)
	return nil
}

// Shoutrrr sends to email, chat and push services addressed by shoutrrr URLs
// (smtp://, slack://, teams://, ntfy://, ...).
type Shoutrrr struct {
	urls []string
	send func(url, message string) error
}

func NewShoutrrr(urls []string) *Shoutrrr {
	return &Shoutrrr{urls: urls, send: shoutrrr.Send}
}

func (s *Shoutrrr) Name() string { return "shoutrrr" }

func (s *Shoutrrr) Send(ctx context.Context, n models.Notification) error {
	msg := n.Message()
	var failed []string
	for _, u := range s.urls {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.send(u, msg); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", redact(u), err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("shoutrrr: %s", strings.Join(failed, "; "))
	}
	return nil
}

// redact keeps only the scheme so credentials in service URLs never reach logs.
func redact(u string) string {
	if i := strings.Index(u, "://"); i > 0 {
		return u[:i] + "://…"
	}
	return "…"
}

// NATS publishes the JSON payload to a subject.
type NATS struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(conn *nats.Conn, subject string) *NATS {
	return &NATS{conn: conn, subject: subject}
}

func (p *NATS) Name() string { return "nats" }

type natsMessage struct {
	Kind      models.NotificationKind `json:"kind"`
	RuleID    string                  `json:"rule_id"`
	RuleName  string                  `json:"rule_name"`
	RunID     string                  `json:"run_id"`
	CreatedAt time.Time               `json:"created_at"`
	Severity  models.Severity         `json:"severity"`
	Body      map[string]any          `json:"notification"`
}

func (p *NATS) Send(_ context.Context, n models.Notification) error {
	data, err := json.Marshal(natsMessage{
		Kind:      n.Kind,
		RuleID:    n.RuleID,
		RuleName:  n.RuleName,
		RunID:     n.RunID,
		CreatedAt: n.CreatedAt,
		Severity:  n.Severity,
		Body:      n.Payload(),
	})
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject, data)
}

// Connect opens a NATS connection for the notification transport.
func Connect(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url, nats.Name("dq-escalation"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

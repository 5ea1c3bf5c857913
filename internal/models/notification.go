package models

import (
	"fmt"
	"time"
)

// NotificationKind separates data-quality alerts from "check could not run"
// operational alerts.
type NotificationKind string

const (
	KindViolation   NotificationKind = "violation"
	KindOperational NotificationKind = "operational"
)

// Notification is the payload handed to external transports.
type Notification struct {
	Kind            NotificationKind `json:"kind"`
	RuleID          string           `json:"rule_id"`
	RuleName        string           `json:"rule"`
	Severity        Severity         `json:"severity"`
	Description     string           `json:"description"`
	EvidenceExcerpt string           `json:"evidence_excerpt,omitempty"`
	RunID           string           `json:"run_id"`
	Channels        []string         `json:"channels"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Title is a one-line summary used as a message subject.
func (n Notification) Title() string {
	if n.Kind == KindOperational {
		return fmt.Sprintf("[%s] check could not run: %s", n.Severity, n.RuleName)
	}
	return fmt.Sprintf("[%s] data-quality violation: %s", n.Severity, n.RuleName)
}

// Payload returns the {severity, description, payload} envelope exposed to the
// surrounding ops layer.
func (n Notification) Payload() map[string]any {
	return map[string]any{
		"severity":    n.Severity,
		"description": n.Description,
		"payload": map[string]any{
			"kind":             n.Kind,
			"rule":             n.RuleName,
			"rule_id":          n.RuleID,
			"run_id":           n.RunID,
			"evidence_excerpt": n.EvidenceExcerpt,
			"created_at":       n.CreatedAt,
		},
	}
}

// Message renders a plain-text body for chat and email transports.
func (n Notification) Message() string {
	msg := n.Title() + "\n" + n.Description
	if n.EvidenceExcerpt != "" {
		msg += "\nevidence: " + n.EvidenceExcerpt
	}
	if n.RunID != "" {
		msg += "\nrun: " + n.RunID
	}
	return msg
}

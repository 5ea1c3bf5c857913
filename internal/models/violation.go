package models

import (
	"strings"
	"time"
)

// EvidenceLimit caps the number of offending identifiers kept on a Violation.
const EvidenceLimit = 20

// Violation is a detected breach surfaced by a Run. Severity is copied from the
// rule at detection time and never follows later rule edits.
type Violation struct {
	ID             string     `json:"id" yaml:"id"`
	RunID          string     `json:"run_id" yaml:"run_id"`
	RuleID         string     `json:"rule_id" yaml:"rule_id"`
	RuleName       string     `json:"rule_name" yaml:"rule_name"`
	DetectedAt     time.Time  `json:"detected_at" yaml:"detected_at"`
	Severity       Severity   `json:"severity" yaml:"severity"`
	Description    string     `json:"description" yaml:"description"`
	Evidence       []string   `json:"evidence" yaml:"evidence"`
	Acknowledged   bool       `json:"acknowledged" yaml:"acknowledged"`
	AcknowledgedBy *string    `json:"acknowledged_by,omitempty" yaml:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" yaml:"acknowledged_at,omitempty"`
}

// CapEvidence truncates evidence to EvidenceLimit entries.
func CapEvidence(evidence []string) []string {
	if len(evidence) <= EvidenceLimit {
		return evidence
	}
	out := make([]string, EvidenceLimit)
	copy(out, evidence[:EvidenceLimit])
	return out
}

// EvidenceExcerpt renders at most n evidence entries for a notification body.
func (v Violation) EvidenceExcerpt(n int) string {
	if len(v.Evidence) == 0 {
		return ""
	}
	items := v.Evidence
	more := 0
	if n > 0 && len(items) > n {
		more = len(items) - n
		items = items[:n]
	}
	out := strings.Join(items, ", ")
	if more > 0 {
		out += ", …"
	}
	return out
}

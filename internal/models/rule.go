package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.starlark.net/syntax"
)

// CheckType enumerates the supported data-quality checks.
type CheckType string

const (
	CheckNotEmpty             CheckType = "not_empty"
	CheckNullRate             CheckType = "null_rate"
	CheckRange                CheckType = "range"
	CheckFreshness            CheckType = "freshness"
	CheckUniqueness           CheckType = "uniqueness"
	CheckReferentialIntegrity CheckType = "referential_integrity"
	CheckCustomExpression     CheckType = "custom_expression"
)

// CheckTypes lists every CheckType in declaration order.
var CheckTypes = []CheckType{
	CheckNotEmpty,
	CheckNullRate,
	CheckRange,
	CheckFreshness,
	CheckUniqueness,
	CheckReferentialIntegrity,
	CheckCustomExpression,
}

func (c CheckType) Valid() bool {
	for _, known := range CheckTypes {
		if c == known {
			return true
		}
	}
	return false
}

// Severity is ordered from INFO (lowest) to CRITICAL.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the ordinal position of the severity, -1 when unknown.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// ParseSeverity accepts any casing.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// Target identifies the data a rule reads: a named data source, a table and an
// optional row filter appended to every query.
type Target struct {
	Source string `json:"source" yaml:"source"`
	Table  string `json:"table" yaml:"table"`
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// Parameters carries check-specific configuration. Only the fields relevant to
// the rule's CheckType are read.
type Parameters struct {
	Column          string   `json:"column,omitempty" yaml:"column,omitempty"`
	IDColumn        string   `json:"id_column,omitempty" yaml:"id_column,omitempty"`
	TimestampColumn string   `json:"timestamp_column,omitempty" yaml:"timestamp_column,omitempty"`
	KeyColumns      []string `json:"key_columns,omitempty" yaml:"key_columns,omitempty"`
	RefTable        string   `json:"ref_table,omitempty" yaml:"ref_table,omitempty"`
	RefColumn       string   `json:"ref_column,omitempty" yaml:"ref_column,omitempty"`
	Threshold       *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Min             *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max             *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MaxAge          string   `json:"max_age,omitempty" yaml:"max_age,omitempty"`
	Expression      string   `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// MaxAgeDuration parses MaxAge. Validate guarantees it parses for freshness rules.
func (p Parameters) MaxAgeDuration() (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(p.MaxAge))
}

// Rule is a named, versioned data-quality check definition.
type Rule struct {
	ID                   string     `json:"id" yaml:"id,omitempty"`
	Name                 string     `json:"name" yaml:"name"`
	Description          string     `json:"description" yaml:"description,omitempty"`
	Target               Target     `json:"target" yaml:"target"`
	CheckType            CheckType  `json:"check_type" yaml:"check_type"`
	Parameters           Parameters `json:"parameters" yaml:"parameters,omitempty"`
	Severity             Severity   `json:"severity" yaml:"severity"`
	Schedule             string     `json:"schedule" yaml:"schedule"`
	Enabled              bool       `json:"enabled" yaml:"enabled"`
	UseSampling          bool       `json:"use_sampling" yaml:"use_sampling"`
	SampleSize           int        `json:"sample_size" yaml:"sample_size,omitempty"`
	AlertCooldownMinutes int        `json:"alert_cooldown_minutes" yaml:"alert_cooldown_minutes"`
	TimeoutSeconds       int        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Owner                string     `json:"owner" yaml:"owner,omitempty"`
	Version              int        `json:"version" yaml:"-"`
	CreatedAt            time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt            time.Time  `json:"updated_at" yaml:"-"`
}

// Cooldown returns the alert cooldown as a duration.
func (r Rule) Cooldown() time.Duration {
	return time.Duration(r.AlertCooldownMinutes) * time.Minute
}

// Timeout returns the per-check timeout, falling back to def when unset.
func (r Rule) Timeout(def time.Duration) time.Duration {
	if r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return def
}

// SameContent reports whether two rules share every user-editable field.
func (r Rule) SameContent(o Rule) bool {
	return r.Name == o.Name &&
		r.Description == o.Description &&
		r.Target == o.Target &&
		r.CheckType == o.CheckType &&
		sameParameters(r.Parameters, o.Parameters) &&
		r.Severity == o.Severity &&
		r.Schedule == o.Schedule &&
		r.Enabled == o.Enabled &&
		r.UseSampling == o.UseSampling &&
		r.SampleSize == o.SampleSize &&
		r.AlertCooldownMinutes == o.AlertCooldownMinutes &&
		r.TimeoutSeconds == o.TimeoutSeconds &&
		r.Owner == o.Owner
}

func sameParameters(a, b Parameters) bool {
	if a.Column != b.Column || a.IDColumn != b.IDColumn || a.TimestampColumn != b.TimestampColumn ||
		a.RefTable != b.RefTable || a.RefColumn != b.RefColumn || a.MaxAge != b.MaxAge || a.Expression != b.Expression {
		return false
	}
	if !sameFloat(a.Threshold, b.Threshold) || !sameFloat(a.Min, b.Min) || !sameFloat(a.Max, b.Max) {
		return false
	}
	if len(a.KeyColumns) != len(b.KeyColumns) {
		return false
	}
	for i := range a.KeyColumns {
		if a.KeyColumns[i] != b.KeyColumns[i] {
			return false
		}
	}
	return true
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// ValidIdentifier accepts a plain or dot-qualified SQL identifier.
func ValidIdentifier(ident string) bool {
	if ident == "" {
		return false
	}
	for _, part := range strings.Split(ident, ".") {
		if !identPattern.MatchString(part) {
			return false
		}
	}
	return true
}

// ParseSchedule parses a standard five-field cron expression or a descriptor
// such as "@hourly" or "@every 5m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(strings.TrimSpace(expr))
}

// Validate checks the rule's invariants and the parameters its check type
// requires. It returns every problem found, not only the first.
func (r Rule) Validate() []FieldError {
	var errs []FieldError
	add := func(field, problem string) {
		errs = append(errs, FieldError{Field: field, Problem: problem})
	}

	if strings.TrimSpace(r.Name) == "" {
		add("name", "required")
	}
	if strings.TrimSpace(r.Target.Source) == "" {
		add("target.source", "required")
	}
	if !ValidIdentifier(r.Target.Table) {
		add("target.table", "invalid identifier")
	}
	if !r.Severity.Valid() {
		add("severity", fmt.Sprintf("must be one of INFO, LOW, MEDIUM, HIGH, CRITICAL, got %q", r.Severity))
	}
	if strings.TrimSpace(r.Schedule) == "" {
		add("schedule", "required")
	} else if _, err := ParseSchedule(r.Schedule); err != nil {
		add("schedule", fmt.Sprintf("invalid cron expression: %v", err))
	}
	if r.UseSampling && r.SampleSize <= 0 {
		add("sample_size", "must be > 0 when use_sampling is true")
	}
	if r.SampleSize < 0 {
		add("sample_size", "must not be negative")
	}
	if r.AlertCooldownMinutes < 0 {
		add("alert_cooldown_minutes", "must not be negative")
	}
	if r.TimeoutSeconds < 0 {
		add("timeout_seconds", "must not be negative")
	}
	if r.Parameters.IDColumn != "" && !ValidIdentifier(r.Parameters.IDColumn) {
		add("parameters.id_column", "invalid identifier")
	}

	p := r.Parameters
	requireColumn := func(field, value string) {
		if value == "" {
			add(field, "required for check_type "+string(r.CheckType))
		} else if !ValidIdentifier(value) {
			add(field, "invalid identifier")
		}
	}

	switch r.CheckType {
	case CheckNotEmpty:
	case CheckNullRate:
		requireColumn("parameters.column", p.Column)
		if p.Threshold == nil {
			add("parameters.threshold", "required for check_type null_rate")
		} else if *p.Threshold < 0 || *p.Threshold > 1 {
			add("parameters.threshold", "must be between 0 and 1")
		}
	case CheckRange:
		requireColumn("parameters.column", p.Column)
		if p.Min == nil {
			add("parameters.min", "required for check_type range")
		}
		if p.Max == nil {
			add("parameters.max", "required for check_type range")
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			add("parameters.min", "must be <= parameters.max")
		}
	case CheckFreshness:
		requireColumn("parameters.timestamp_column", p.TimestampColumn)
		if p.MaxAge == "" {
			add("parameters.max_age", "required for check_type freshness")
		} else if d, err := p.MaxAgeDuration(); err != nil || d <= 0 {
			add("parameters.max_age", "must be a positive duration such as 90m or 24h")
		}
	case CheckUniqueness:
		if len(p.KeyColumns) == 0 {
			add("parameters.key_columns", "required for check_type uniqueness")
		}
		for i, col := range p.KeyColumns {
			if !ValidIdentifier(col) {
				add(fmt.Sprintf("parameters.key_columns[%d]", i), "invalid identifier")
			}
		}
	case CheckReferentialIntegrity:
		requireColumn("parameters.column", p.Column)
		requireColumn("parameters.ref_table", p.RefTable)
		requireColumn("parameters.ref_column", p.RefColumn)
	case CheckCustomExpression:
		if strings.TrimSpace(p.Expression) == "" {
			add("parameters.expression", "required for check_type custom_expression")
		} else if _, err := (&syntax.FileOptions{}).ParseExpr("expression", p.Expression, 0); err != nil {
			add("parameters.expression", fmt.Sprintf("does not parse: %v", err))
		}
	default:
		add("check_type", fmt.Sprintf("unknown check type %q", r.CheckType))
	}
	return errs
}

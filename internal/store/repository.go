package store

import (
	"context"
	"errors"
	"time"

	"dq-rule-engine/internal/models"
)

var (
	// ErrNotFound is returned when a rule, run or violation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunTerminal is returned when finishing a run that is no longer RUNNING.
	ErrRunTerminal = errors.New("run already terminal")
)

// RuleFilter narrows ListRules.
type RuleFilter struct {
	Name        string
	EnabledOnly bool
}

// RunFilter narrows ListRuns. Zero values mean "no constraint".
type RunFilter struct {
	RuleID string
	Since  time.Time
	Limit  int
}

// ViolationFilter narrows ListViolations.
type ViolationFilter struct {
	RuleID   string
	Since    time.Time
	OpenOnly bool
	Limit    int
}

// Repository is the durable Rule Store shared by the scheduler, the executors
// and the query surface.
type Repository interface {
	UpsertRule(ctx context.Context, rule models.Rule) (models.Rule, bool, error)
	GetRule(ctx context.Context, id string) (models.Rule, error)
	GetRuleByName(ctx context.Context, name string) (models.Rule, error)
	ListRules(ctx context.Context, f RuleFilter) ([]models.Rule, error)
	SetRuleEnabled(ctx context.Context, id string, enabled bool) error
	RetireRule(ctx context.Context, id string) error

	LastFiredAt(ctx context.Context, ruleID string) (*time.Time, error)
	ClaimFire(ctx context.Context, ruleID string, expected *time.Time, firedAt time.Time) (bool, error)

	CreateRun(ctx context.Context, run models.Run) (models.Run, error)
	FinishRun(ctx context.Context, run models.Run) error
	GetRun(ctx context.Context, id string) (models.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]models.Run, error)

	CreateViolation(ctx context.Context, v models.Violation) (models.Violation, error)
	ListViolations(ctx context.Context, f ViolationFilter) ([]models.Violation, error)
	AcknowledgeViolation(ctx context.Context, id, by string, at time.Time) error
	CountUnacknowledged(ctx context.Context, since time.Time) (int64, error)
	DeleteViolationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

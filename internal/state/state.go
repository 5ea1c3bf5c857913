// Package state holds the coordination tables shared by every scheduler and
// executor instance: per-rule leases, alert suppression and the scheduler
// heartbeat. All writes are conditional so concurrent instances cannot both
// win the same lease or both emit the same alert.
package state

import (
	"context"
	"time"
)

// LeaseTable grants at most one live lease per rule.
type LeaseTable interface {
	// Acquire takes the lease for ruleID when none is live. The returned token
	// must be presented to Release and Extend.
	Acquire(ctx context.Context, ruleID string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, ruleID, token string) (bool, error)
	Extend(ctx context.Context, ruleID, token string, ttl time.Duration) (bool, error)
	CountActive(ctx context.Context) (int, error)
	Heartbeat(ctx context.Context, at time.Time) error
	// LastTick returns the most recent heartbeat, zero when none was recorded.
	LastTick(ctx context.Context) (time.Time, error)
}

// SuppressionTable records when each rule last emitted an alert.
type SuppressionTable interface {
	// TryMark records now as the rule's last alert time and returns true only
	// when no alert was emitted within cooldown.
	TryMark(ctx context.Context, ruleID string, now time.Time, cooldown time.Duration) (bool, error)
	LastAlerted(ctx context.Context, ruleID string) (time.Time, bool, error)
	Reset(ctx context.Context, ruleID string) error
}

// LeaseTTL is the lease duration for a rule whose check may run for up to
// checkTimeout: never shorter than twice the timeout.
func LeaseTTL(base, checkTimeout time.Duration) time.Duration {
	if min := 2 * checkTimeout; base < min {
		return min
	}
	return base
}

// Package checks evaluates a rule's predicate against its target through a
// connector. Every CheckType has exactly one Handler in Handlers.
package checks

import (
	"context"
	"fmt"
	"math"
	"time"

	"dq-rule-engine/internal/connector"
	"dq-rule-engine/internal/models"
)

// Env is everything a handler needs to evaluate one rule.
type Env struct {
	Rule models.Rule
	Conn connector.Connector
	// Seed drives the sample draw; see models.SampleSeed.
	Seed int64
	Now  time.Time
}

func (e Env) query() connector.Query {
	return connector.Query{Table: e.Rule.Target.Table, Filter: e.Rule.Target.Filter}
}

// Outcome is the result of a predicate evaluation. Errors are returned
// separately and always mean the check could not run.
type Outcome struct {
	RowsChecked int64
	RowsFailed  int64
	Failed      bool
	Sampled     bool
	Estimated   bool
	Description string
	Evidence    []string
}

// Handler evaluates one check type.
type Handler func(ctx context.Context, env Env) (Outcome, error)

// Handlers maps each check type to its evaluator.
var Handlers = map[models.CheckType]Handler{
	models.CheckNotEmpty:             notEmpty,
	models.CheckNullRate:             nullRate,
	models.CheckRange:                valueRange,
	models.CheckFreshness:            freshness,
	models.CheckUniqueness:           uniqueness,
	models.CheckReferentialIntegrity: referentialIntegrity,
	models.CheckCustomExpression:     customExpression,
}

// Evaluate dispatches to the rule's handler.
func Evaluate(ctx context.Context, env Env) (Outcome, error) {
	h, ok := Handlers[env.Rule.CheckType]
	if !ok {
		return Outcome{}, fmt.Errorf("no handler for check type %q", env.Rule.CheckType)
	}
	if env.Now.IsZero() {
		env.Now = time.Now().UTC()
	}
	out, err := h(ctx, env)
	if err != nil {
		return Outcome{}, err
	}
	out.Evidence = models.CapEvidence(out.Evidence)
	return out, nil
}

// extrapolate scales a sample failure count to the full row count.
func extrapolate(failed, sampled int, total int64) int64 {
	if sampled == 0 {
		return 0
	}
	return int64(math.Round(float64(failed) / float64(sampled) * float64(total)))
}

func estimateNote(out Outcome, sampleSize int) string {
	if out.Estimated {
		return fmt.Sprintf(" (estimated from sample of %d)", sampleSize)
	}
	return ""
}

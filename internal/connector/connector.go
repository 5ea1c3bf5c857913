// Package connector is the read-only boundary between checks and the data
// sources they inspect. Checks never build SQL themselves: they describe a
// Query and the connector renders it for its dialect.
package connector

import (
	"context"
	"errors"
)

// ErrUnknownSource is returned when a rule targets a source that is not configured.
var ErrUnknownSource = errors.New("unknown data source")

// Connector reads from one data source.
type Connector interface {
	// Count returns the number of rows matching q.
	Count(ctx context.Context, q Query) (int64, error)
	// Sample returns up to n rows matching q. The draw is deterministic for a
	// given seed and unchanged data.
	Sample(ctx context.Context, q Query, n int, seed int64) (RowSet, error)
	// ScalarAggregate evaluates agg over the rows matching q.
	ScalarAggregate(ctx context.Context, q Query, agg Aggregate) (any, error)
	Close() error
}

// Provider resolves a rule's target source name to a connector.
type Provider interface {
	Get(name string) (Connector, error)
}

// ConditionKind selects a structured predicate.
type ConditionKind int

const (
	// IsNull matches rows whose Column is NULL.
	IsNull ConditionKind = iota
	// NotNull matches rows whose Column is not NULL.
	NotNull
	// OutOfRange matches non-null values outside [Min, Max].
	OutOfRange
	// Orphan matches non-null values of Column with no matching RefColumn in RefTable.
	Orphan
)

// Condition is a predicate rendered per dialect with quoted identifiers and
// bound parameters.
type Condition struct {
	Kind      ConditionKind
	Column    string
	Min       float64
	Max       float64
	RefTable  string
	RefColumn string
}

// Query selects rows from Table. Filter is the rule's raw SQL predicate and is
// ANDed with every Condition.
type Query struct {
	Table      string
	Filter     string
	Conditions []Condition
	Columns    []string
	OrderBy    []string
	// Limit caps the rows Sample reads, below the connector's scan limit.
	Limit int
}

// With returns a copy of q with extra conditions appended.
func (q Query) With(conds ...Condition) Query {
	out := q
	out.Conditions = append(append([]Condition(nil), q.Conditions...), conds...)
	return out
}

// AggregateFn names a scalar aggregate.
type AggregateFn string

const (
	AggMax   AggregateFn = "max"
	AggMin   AggregateFn = "min"
	AggCount AggregateFn = "count"
	// AggDuplicateKeys counts rows beyond the first for every key that occurs
	// more than once. Rows with a NULL key column are ignored.
	AggDuplicateKeys AggregateFn = "duplicate_keys"
)

type Aggregate struct {
	Fn      AggregateFn
	Columns []string
}

// Row is one record keyed by column name.
type Row map[string]any

// RowSet is the result of Sample.
type RowSet struct {
	Columns []string
	Rows    []Row
	// Scanned is how many rows were read before drawing the sample.
	Scanned int
	// Truncated is set when the scan stopped at the scan limit.
	Truncated bool
}

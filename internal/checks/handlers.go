package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dq-rule-engine/internal/connector"
)

func notEmpty(ctx context.Context, env Env) (Outcome, error) {
	n, err := env.Conn.Count(ctx, env.query())
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{RowsChecked: n}
	if n == 0 {
		out.Failed = true
		out.Description = fmt.Sprintf("%s has no rows", env.Rule.Target.Table)
		out.Evidence = []string{"row_count=0"}
		return out, nil
	}
	out.Description = fmt.Sprintf("%s has %d rows", env.Rule.Target.Table, n)
	return out, nil
}

func nullRate(ctx context.Context, env Env) (Outcome, error) {
	p := env.Rule.Parameters
	q := env.query()
	total, err := env.Conn.Count(ctx, q)
	if err != nil {
		return Outcome{}, err
	}
	threshold := *p.Threshold
	out := Outcome{RowsChecked: total}

	if env.Rule.UseSampling {
		sq := q
		sq.Columns = sampleColumns(env, p.Column)
		sq.OrderBy = sampleColumns(env)
		set, err := env.Conn.Sample(ctx, sq, env.Rule.SampleSize, env.Seed)
		if err != nil {
			return Outcome{}, err
		}
		var nulls int
		for _, row := range set.Rows {
			if row[p.Column] == nil {
				nulls++
				out.Evidence = append(out.Evidence, rowRef(row, p.IDColumn))
			}
		}
		out.Sampled = true
		out.Estimated = int64(len(set.Rows)) < total
		out.RowsFailed = extrapolate(nulls, len(set.Rows), total)
		rate := 0.0
		if len(set.Rows) > 0 {
			rate = float64(nulls) / float64(len(set.Rows))
		}
		out.Failed = rate > threshold
		out.Description = fmt.Sprintf("null rate of %s is %.4f (threshold %.4f)%s", p.Column, rate, threshold, estimateNote(out, len(set.Rows)))
		if !out.Failed {
			out.Evidence = nil
		}
		return out, nil
	}

	nq := q.With(connector.Condition{Kind: connector.IsNull, Column: p.Column})
	nulls, err := env.Conn.Count(ctx, nq)
	if err != nil {
		return Outcome{}, err
	}
	rate := 0.0
	if total > 0 {
		rate = float64(nulls) / float64(total)
	}
	out.RowsFailed = nulls
	out.Failed = rate > threshold
	out.Description = fmt.Sprintf("null rate of %s is %.4f (threshold %.4f)", p.Column, rate, threshold)
	if out.Failed {
		if out.Evidence, err = fetchEvidence(ctx, env, nq, p.Column); err != nil {
			return Outcome{}, err
		}
	}
	return out, nil
}

func valueRange(ctx context.Context, env Env) (Outcome, error) {
	p := env.Rule.Parameters
	lo, hi := *p.Min, *p.Max
	q := env.query()
	total, err := env.Conn.Count(ctx, q)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{RowsChecked: total}

	if env.Rule.UseSampling {
		sq := q
		sq.Columns = sampleColumns(env, p.Column)
		sq.OrderBy = sampleColumns(env)
		set, err := env.Conn.Sample(ctx, sq, env.Rule.SampleSize, env.Seed)
		if err != nil {
			return Outcome{}, err
		}
		var bad int
		for _, row := range set.Rows {
			v := row[p.Column]
			if v == nil {
				continue
			}
			f, ok := connector.ToFloat(v)
			if !ok {
				return Outcome{}, fmt.Errorf("column %s holds non-numeric value %v", p.Column, v)
			}
			if f < lo || f > hi {
				bad++
				out.Evidence = append(out.Evidence, rowRef(row, p.IDColumn))
			}
		}
		out.Sampled = true
		out.Estimated = int64(len(set.Rows)) < total
		out.RowsFailed = extrapolate(bad, len(set.Rows), total)
		out.Failed = bad > 0
		out.Description = fmt.Sprintf("%d values of %s outside [%g, %g]%s", out.RowsFailed, p.Column, lo, hi, estimateNote(out, len(set.Rows)))
		return out, nil
	}

	bq := q.With(connector.Condition{Kind: connector.OutOfRange, Column: p.Column, Min: lo, Max: hi})
	bad, err := env.Conn.Count(ctx, bq)
	if err != nil {
		return Outcome{}, err
	}
	out.RowsFailed = bad
	out.Failed = bad > 0
	out.Description = fmt.Sprintf("%d values of %s outside [%g, %g]", bad, p.Column, lo, hi)
	if out.Failed {
		if out.Evidence, err = fetchEvidence(ctx, env, bq, p.Column); err != nil {
			return Outcome{}, err
		}
	}
	return out, nil
}

// freshness always pushes down to MAX(timestamp_column).
func freshness(ctx context.Context, env Env) (Outcome, error) {
	p := env.Rule.Parameters
	maxAge, err := p.MaxAgeDuration()
	if err != nil {
		return Outcome{}, fmt.Errorf("parse max_age: %w", err)
	}
	q := env.query()
	total, err := env.Conn.Count(ctx, q)
	if err != nil {
		return Outcome{}, err
	}
	v, err := env.Conn.ScalarAggregate(ctx, q, connector.Aggregate{Fn: connector.AggMax, Columns: []string{p.TimestampColumn}})
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{RowsChecked: total}
	if v == nil {
		out.Failed = true
		out.Description = fmt.Sprintf("%s has no %s values", env.Rule.Target.Table, p.TimestampColumn)
		out.Evidence = []string{p.TimestampColumn + "=NULL"}
		return out, nil
	}
	latest, ok := connector.ToTime(v)
	if !ok {
		return Outcome{}, fmt.Errorf("column %s holds non-timestamp value %v", p.TimestampColumn, v)
	}
	age := env.Now.Sub(latest)
	out.Failed = age > maxAge
	out.Description = fmt.Sprintf("latest %s is %s old (max age %s)", p.TimestampColumn, age.Truncate(time.Second), maxAge)
	if out.Failed {
		out.Evidence = []string{fmt.Sprintf("%s=%s", p.TimestampColumn, latest.UTC().Format(time.RFC3339))}
	}
	return out, nil
}

// uniqueness pushes the duplicate count down; evidence comes from a bounded
// scan of the key columns.
func uniqueness(ctx context.Context, env Env) (Outcome, error) {
	p := env.Rule.Parameters
	q := env.query()
	total, err := env.Conn.Count(ctx, q)
	if err != nil {
		return Outcome{}, err
	}
	v, err := env.Conn.ScalarAggregate(ctx, q, connector.Aggregate{Fn: connector.AggDuplicateKeys, Columns: p.KeyColumns})
	if err != nil {
		return Outcome{}, err
	}
	dups, ok := connector.ToFloat(v)
	if !ok && v != nil {
		return Outcome{}, fmt.Errorf("unexpected duplicate count %v", v)
	}
	keys := strings.Join(p.KeyColumns, ", ")
	out := Outcome{RowsChecked: total, RowsFailed: int64(dups), Failed: dups > 0}
	out.Description = fmt.Sprintf("%d duplicate rows on (%s)", out.RowsFailed, keys)
	if !out.Failed {
		return out, nil
	}

	sq := q
	sq.Columns = p.KeyColumns
	sq.OrderBy = p.KeyColumns
	set, err := env.Conn.Sample(ctx, sq, 0, env.Seed)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch evidence: %w", err)
	}
	seen := make(map[string]int)
	var order []string
	for _, row := range set.Rows {
		parts := make([]string, len(p.KeyColumns))
		skip := false
		for i, c := range p.KeyColumns {
			if row[c] == nil {
				skip = true
				break
			}
			parts[i] = fmt.Sprint(row[c])
		}
		if skip {
			continue
		}
		k := "(" + strings.Join(parts, ", ") + ")"
		if seen[k] == 1 {
			order = append(order, k)
		}
		seen[k]++
	}
	for _, k := range order {
		out.Evidence = append(out.Evidence, fmt.Sprintf("%s x%d", k, seen[k]))
	}
	return out, nil
}

// referentialIntegrity always pushes down an anti-join count.
func referentialIntegrity(ctx context.Context, env Env) (Outcome, error) {
	p := env.Rule.Parameters
	q := env.query()
	total, err := env.Conn.Count(ctx, q)
	if err != nil {
		return Outcome{}, err
	}
	oq := q.With(connector.Condition{Kind: connector.Orphan, Column: p.Column, RefTable: p.RefTable, RefColumn: p.RefColumn})
	orphans, err := env.Conn.Count(ctx, oq)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{RowsChecked: total, RowsFailed: orphans, Failed: orphans > 0}
	out.Description = fmt.Sprintf("%d rows of %s.%s have no match in %s.%s",
		orphans, env.Rule.Target.Table, p.Column, p.RefTable, p.RefColumn)
	if out.Failed {
		if out.Evidence, err = fetchEvidence(ctx, env, oq, p.Column); err != nil {
			return Outcome{}, err
		}
	}
	return out, nil
}

// customExpression evaluates the rule's Starlark predicate per row. Without
// sampling it reads every row up to the scan limit; when the scan stops early
// the result is extrapolated like a sample.
func customExpression(ctx context.Context, env Env) (Outcome, error) {
	p := env.Rule.Parameters
	pred, err := CompileExpression(p.Expression)
	if err != nil {
		return Outcome{}, err
	}
	q := env.query()
	if p.IDColumn != "" {
		q.OrderBy = []string{p.IDColumn}
	}
	n := 0
	if env.Rule.UseSampling {
		n = env.Rule.SampleSize
	}
	set, err := env.Conn.Sample(ctx, q, n, env.Seed)
	if err != nil {
		return Outcome{}, err
	}

	var bad int
	var evidence []string
	for _, row := range set.Rows {
		ok, err := pred.Eval(ctx, row)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			bad++
			evidence = append(evidence, rowRef(row, p.IDColumn))
		}
	}

	out := Outcome{Failed: bad > 0, Evidence: evidence}
	partial := env.Rule.UseSampling || set.Truncated
	if partial {
		total, err := env.Conn.Count(ctx, q)
		if err != nil {
			return Outcome{}, err
		}
		out.Sampled = true
		out.Estimated = int64(len(set.Rows)) < total
		out.RowsChecked = total
		out.RowsFailed = extrapolate(bad, len(set.Rows), total)
	} else {
		out.RowsChecked = int64(len(set.Rows))
		out.RowsFailed = int64(bad)
	}
	out.Description = fmt.Sprintf("%d rows fail expression %q%s", out.RowsFailed, p.Expression, estimateNote(out, len(set.Rows)))
	if !out.Failed {
		out.Evidence = nil
	}
	return out, nil
}

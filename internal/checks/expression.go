package checks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"dq-rule-engine/internal/connector"
)

const (
	maxExpressionSteps = uint64(100_000)
	maxExpressionBytes = 16 * 1024
)

// Predicate is a compiled custom expression. The expression sees the current
// row as the dict `row` and must evaluate to a bool; True means the row passes.
type Predicate struct {
	src string
	fn  starlark.Value
}

// CompileExpression wraps expr in a one-argument lambda so it is parsed once
// and called per row.
func CompileExpression(expr string) (*Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("expression is empty")
	}
	if len(expr) > maxExpressionBytes {
		return nil, fmt.Errorf("expression exceeds %d bytes", maxExpressionBytes)
	}
	thread := &starlark.Thread{Name: "compile-expression"}
	thread.SetMaxExecutionSteps(maxExpressionSteps)
	fn, err := starlark.EvalOptions(&syntax.FileOptions{}, thread, "expression", "lambda row: ("+expr+")", nil)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	return &Predicate{src: expr, fn: fn}, nil
}

// Eval calls the predicate on row. Cancelling ctx interrupts a running evaluation.
func (p *Predicate) Eval(ctx context.Context, row connector.Row) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	thread := &starlark.Thread{Name: "eval-expression"}
	thread.SetMaxExecutionSteps(maxExpressionSteps)

	arg, err := rowDict(row)
	if err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { thread.Cancel("check timed out") })
	defer stop()

	v, err := starlark.Call(thread, p.fn, starlark.Tuple{arg}, nil)
	if err != nil {
		return false, fmt.Errorf("evaluate expression %q: %w", p.src, err)
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %s, want bool", p.src, v.Type())
	}
	return bool(b), nil
}

func rowDict(row connector.Row) (*starlark.Dict, error) {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := starlark.NewDict(len(row))
	for _, k := range keys {
		if err := d.SetKey(starlark.String(k), toStarlark(row[k])); err != nil {
			return nil, err
		}
	}
	d.Freeze()
	return d, nil
}

func toStarlark(v any) starlark.Value {
	switch t := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(t)
	case string:
		return starlark.String(t)
	case []byte:
		return starlark.String(t)
	case int:
		return starlark.MakeInt(t)
	case int32:
		return starlark.MakeInt64(int64(t))
	case int64:
		return starlark.MakeInt64(t)
	case uint64:
		return starlark.MakeUint64(t)
	case float32:
		return starlark.Float(t)
	case float64:
		return starlark.Float(t)
	case time.Time:
		return starlark.String(t.UTC().Format(time.RFC3339Nano))
	default:
		if f, ok := connector.ToFloat(v); ok {
			return starlark.Float(f)
		}
		return starlark.String(fmt.Sprint(v))
	}
}

package checks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"dq-rule-engine/internal/connector"
	"dq-rule-engine/internal/models"
)

const maxRenderedRow = 160

// rowRef identifies an offending row by its id column, or a compact rendering
// of the whole row when no id column is configured.
func rowRef(row connector.Row, idColumn string) string {
	if idColumn != "" {
		if v, ok := row[idColumn]; ok {
			return fmt.Sprint(v)
		}
	}
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, row[k])
	}
	out := strings.Join(parts, ",")
	return truncate(out, maxRenderedRow)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// fetchEvidence reads the first offending rows of q, ordered by the id column when set.
func fetchEvidence(ctx context.Context, env Env, q connector.Query, cols ...string) ([]string, error) {
	id := env.Rule.Parameters.IDColumn
	q.Limit = models.EvidenceLimit
	if id != "" {
		q.Columns = append([]string{id}, cols...)
		q.OrderBy = []string{id}
	} else if len(cols) > 0 {
		q.Columns = cols
	}
	set, err := env.Conn.Sample(ctx, q, 0, env.Seed)
	if err != nil {
		return nil, fmt.Errorf("fetch evidence: %w", err)
	}
	out := make([]string, 0, len(set.Rows))
	for _, row := range set.Rows {
		out = append(out, rowRef(row, id))
	}
	return out, nil
}

func sampleColumns(env Env, cols ...string) []string {
	if id := env.Rule.Parameters.IDColumn; id != "" {
		return append([]string{id}, cols...)
	}
	return cols
}

package manifest

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dq-rule-engine/internal/models"
	"dq-rule-engine/internal/store"
)

const validYAML = `
rules:
  - name: sales_not_empty
    target: {source: warehouse, table: sales}
    check_type: not_empty
    severity: critical
    schedule: "*/5 * * * *"
  - name: order_amount_range
    target: {source: warehouse, table: public.orders, filter: "status <> 'void'"}
    check_type: range
    parameters: {column: amount, min: 0, max: 100000, id_column: id}
    severity: HIGH
    schedule: "@hourly"
    enabled: false
    alert_cooldown_minutes: 15
    owner: finance
`

func TestLoadCreatesThenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()

	rep, err := Load(ctx, repo, []byte(validYAML), false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sales_not_empty", "order_amount_range"}, rep.Created)

	r, err := repo.GetRuleByName(ctx, "order_amount_range")
	require.NoError(t, err)
	assert.False(t, r.Enabled)
	assert.Equal(t, 15, r.AlertCooldownMinutes)
	assert.Equal(t, models.SeverityHigh, r.Severity)

	s, err := repo.GetRuleByName(ctx, "sales_not_empty")
	require.NoError(t, err)
	assert.True(t, s.Enabled, "enabled defaults to true")
	assert.Equal(t, DefaultCooldownMinutes, s.AlertCooldownMinutes)
	assert.Equal(t, models.SeverityCritical, s.Severity)

	rep, err = Load(ctx, repo, []byte(validYAML), false)
	require.NoError(t, err)
	assert.Empty(t, rep.Created)
	assert.Empty(t, rep.Updated)
	assert.Len(t, rep.Unchanged, 2)

	again, _ := repo.GetRuleByName(ctx, "sales_not_empty")
	assert.Equal(t, s.Version, again.Version)
}

func TestMissingRangeMinRejectsWholeManifest(t *testing.T) {
	doc := `
rules:
  - name: sales_not_empty
    target: {source: warehouse, table: sales}
    check_type: not_empty
    severity: CRITICAL
    schedule: "@hourly"
  - name: amount_range
    target: {source: warehouse, table: orders}
    check_type: range
    parameters: {column: amount, max: 10}
    severity: HIGH
    schedule: "@hourly"
`
	for _, dryRun := range []bool{true, false} {
		repo := store.NewMemory()
		_, err := Load(context.Background(), repo, []byte(doc), dryRun)
		require.Error(t, err)
		e := models.AsError(err)
		assert.Equal(t, models.CodeManifestInvalid, e.Code)
		require.Len(t, e.Details, 1)
		assert.Equal(t, "amount_range", e.Details[0].Rule)
		assert.Equal(t, "parameters.min", e.Details[0].Field)

		rules, _ := repo.ListRules(context.Background(), store.RuleFilter{})
		assert.Empty(t, rules, "no partial write")
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	repo := store.NewMemory()
	rep, err := Load(context.Background(), repo, []byte(validYAML), true)
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Len(t, rep.Created, 2)
	rules, _ := repo.ListRules(context.Background(), store.RuleFilter{})
	assert.Empty(t, rules)
}

func TestDuplicateNamesAndUnknownKeys(t *testing.T) {
	dup := `
rules:
  - {name: a, target: {source: w, table: t}, check_type: not_empty, severity: LOW, schedule: "@daily"}
  - {name: a, target: {source: w, table: t}, check_type: not_empty, severity: LOW, schedule: "@daily"}
`
	doc, err := Parse([]byte(dup))
	require.NoError(t, err)
	_, errs := doc.Rules()
	require.Len(t, errs, 1)
	assert.Equal(t, 1, errs[0].Index)
	assert.Equal(t, "name", errs[0].Fields[0].Field)

	_, err = Parse([]byte(`
rules:
  - name: a
    parameters: {treshold: 0.1}
`))
	require.Error(t, err)
	assert.Equal(t, models.CodeManifestInvalid, models.ErrorCode(err))

	_, err = Parse(nil)
	assert.Equal(t, models.CodeManifestInvalid, models.ErrorCode(err))
}

func TestJSONManifest(t *testing.T) {
	doc := `{"rules": [{"name": "null_email", "target": {"source": "crm", "table": "users"},
	  "check_type": "null_rate", "parameters": {"column": "email", "threshold": 0.05},
	  "severity": "MEDIUM", "schedule": "0 * * * *", "use_sampling": true, "sample_size": 500}]}`
	repo := store.NewMemory()
	rep, err := Load(context.Background(), repo, []byte(doc), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"null_email"}, rep.Created)
	r, err := repo.GetRuleByName(context.Background(), "null_email")
	require.NoError(t, err)
	require.NotNil(t, r.Parameters.Threshold)
	assert.InDelta(t, 0.05, *r.Parameters.Threshold, 1e-9)
	assert.Equal(t, 500, r.SampleSize)
}

func TestExportLoadsBack(t *testing.T) {
	doc, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	rules, errs := doc.Rules()
	require.Empty(t, errs)

	for _, format := range []string{"yaml", "json"} {
		var buf bytes.Buffer
		require.NoError(t, Export(&buf, rules, format))
		back, err := Parse(buf.Bytes())
		require.NoError(t, err, format)
		got, errs := back.Rules()
		require.Empty(t, errs)
		require.Len(t, got, len(rules))
		for i := range rules {
			assert.True(t, rules[i].SameContent(got[i]), "%s: %s", format, rules[i].Name)
		}
	}

	assert.Error(t, Export(&bytes.Buffer{}, rules, "xml"))
}

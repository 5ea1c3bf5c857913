package export

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"dq-rule-engine/internal/config"
	"dq-rule-engine/internal/manifest"
	"dq-rule-engine/internal/models"
	"dq-rule-engine/internal/store"
)

type memUploader struct {
	bucket, key string
	body        []byte
}

func (m *memUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	m.key = key
	m.body = body
	return "s3://" + m.bucket + "/" + key, nil
}

func seed(t *testing.T) (*store.Memory, time.Time) {
	t.Helper()
	ctx := context.Background()
	repo := store.NewMemory()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	for _, name := range []string{"sales_not_empty", "orders_fresh"} {
		r, _, err := repo.UpsertRule(ctx, models.Rule{
			Name: name, Target: models.Target{Source: "wh", Table: "sales"},
			CheckType: models.CheckNotEmpty, Severity: models.SeverityHigh, Schedule: "@hourly", Enabled: true,
		})
		require.NoError(t, err)
		for _, age := range []time.Duration{time.Hour, 10 * 24 * time.Hour} {
			run, err := repo.CreateRun(ctx, models.Run{RuleID: r.ID, StartedAt: now.Add(-age), Status: models.RunRunning})
			require.NoError(t, err)
			run.Finish(models.RunFailed, now.Add(-age))
			require.NoError(t, repo.FinishRun(ctx, run))
			_, err = repo.CreateViolation(ctx, models.Violation{
				RunID: run.ID, RuleID: r.ID, RuleName: r.Name, DetectedAt: now.Add(-age),
				Severity: r.Severity, Description: "empty", Evidence: []string{"row_count=0"},
			})
			require.NoError(t, err)
		}
	}
	return repo, now
}

func newExporter(repo store.Repository, now time.Time, stdout io.Writer) *Exporter {
	e := New(repo, config.Config{}, stdout)
	e.now = func() time.Time { return now }
	return e
}

func TestExportViolationsToFileFiltered(t *testing.T) {
	repo, now := seed(t)
	e := newExporter(repo, now, nil)
	out := filepath.Join(t.TempDir(), "nested", "violations.json")

	sum, err := e.Export(context.Background(), Options{Kind: KindViolations, Output: out, Days: 7, RuleName: "sales_not_empty"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Count)
	assert.Equal(t, "json", sum.Format)
	assert.Equal(t, out, sum.Location)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var doc struct {
		Violations []models.Violation `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Violations, 1)
	assert.Equal(t, "sales_not_empty", doc.Violations[0].RuleName)
}

func TestExportRunsAsYAMLToStdout(t *testing.T) {
	repo, now := seed(t)
	var stdout bytes.Buffer
	e := newExporter(repo, now, &stdout)

	sum, err := e.Export(context.Background(), Options{Kind: KindRuns, Output: "-", Format: "yaml"})
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Count)
	assert.Equal(t, "stdout", sum.Location)

	var doc struct {
		Runs []models.Run `yaml:"runs"`
	}
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &doc))
	assert.Len(t, doc.Runs, 4)
	for _, r := range doc.Runs {
		assert.Equal(t, models.RunFailed, r.Status)
	}
}

func TestExportRulesIsLoadableManifest(t *testing.T) {
	repo, now := seed(t)
	e := newExporter(repo, now, nil)
	out := filepath.Join(t.TempDir(), "rules.yaml")

	_, err := e.Export(context.Background(), Options{Kind: KindRules, Output: out})
	require.NoError(t, err)
	raw, err := os.ReadFile(out)
	require.NoError(t, err)

	other := store.NewMemory()
	rep, err := manifest.Load(context.Background(), other, raw, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sales_not_empty", "orders_fresh"}, rep.Created)
}

func TestExportToS3(t *testing.T) {
	repo, now := seed(t)
	e := newExporter(repo, now, nil)
	up := &memUploader{}
	e.s3 = func(_ context.Context, bucket string) (uploader, error) {
		up.bucket = bucket
		return up, nil
	}

	sum, err := e.Export(context.Background(), Options{Kind: KindViolations, Output: "s3://dq-archive/2026/09/violations.json"})
	require.NoError(t, err)
	assert.Equal(t, "s3://dq-archive/2026/09/violations.json", sum.Location)
	assert.Equal(t, "dq-archive", up.bucket)
	assert.Equal(t, "2026/09/violations.json", up.key)
	assert.Contains(t, string(up.body), `"violations"`)

	_, err = e.Export(context.Background(), Options{Kind: KindRuns, Output: "s3://bucket-only"})
	assert.Error(t, err)
}

func TestExportErrors(t *testing.T) {
	repo, now := seed(t)
	e := newExporter(repo, now, &bytes.Buffer{})

	_, err := e.Export(context.Background(), Options{Kind: KindRuns, Output: "-", RuleName: "missing"})
	assert.Equal(t, models.CodeRuleNotFound, models.ErrorCode(err))

	_, err = e.Export(context.Background(), Options{Kind: KindRuns, Output: "-", Format: "csv"})
	assert.Error(t, err)

	_, err = ParseKind("jobs")
	assert.Error(t, err)
	k, err := ParseKind("Violations")
	require.NoError(t, err)
	assert.Equal(t, KindViolations, k)
}

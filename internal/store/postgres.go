package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"dq-rule-engine/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const ruleColumns = `id, name, description, source, table_name, filter, check_type, parameters, severity, schedule,
	enabled, use_sampling, sample_size, alert_cooldown_minutes, timeout_seconds, owner, version, created_at, updated_at`

func scanRule(row pgx.Row) (models.Rule, error) {
	var r models.Rule
	var params []byte
	var checkType, severity string
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Target.Source, &r.Target.Table, &r.Target.Filter,
		&checkType, &params, &severity, &r.Schedule, &r.Enabled, &r.UseSampling, &r.SampleSize,
		&r.AlertCooldownMinutes, &r.TimeoutSeconds, &r.Owner, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Rule{}, ErrNotFound
		}
		return models.Rule{}, fmt.Errorf("scan rule: %w", err)
	}
	r.CheckType = models.CheckType(checkType)
	r.Severity = models.Severity(severity)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &r.Parameters); err != nil {
			return models.Rule{}, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	return r, nil
}

// UpsertRule inserts or updates a rule keyed by name. The version is bumped only
// when content actually changes, which keeps manifest reloads idempotent.
func (s *Store) UpsertRule(ctx context.Context, rule models.Rule) (models.Rule, bool, error) {
	params, err := json.Marshal(rule.Parameters)
	if err != nil {
		return models.Rule{}, false, fmt.Errorf("marshal parameters: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Rule{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	existing, err := scanRule(tx.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE name = $1 FOR UPDATE`, rule.Name))
	switch {
	case errors.Is(err, ErrNotFound):
		if rule.ID == "" {
			rule.ID = uuid.New().String()
		}
		now := time.Now().UTC()
		rule.Version = 1
		rule.CreatedAt = now
		rule.UpdatedAt = now
		_, err = tx.Exec(ctx, `
			INSERT INTO rules (`+ruleColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)
		`, rule.ID, rule.Name, rule.Description, rule.Target.Source, rule.Target.Table, rule.Target.Filter,
			string(rule.CheckType), params, string(rule.Severity), rule.Schedule, rule.Enabled, rule.UseSampling,
			rule.SampleSize, rule.AlertCooldownMinutes, rule.TimeoutSeconds, rule.Owner, rule.Version, now)
		if err != nil {
			return models.Rule{}, false, fmt.Errorf("insert rule: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return models.Rule{}, false, fmt.Errorf("commit: %w", err)
		}
		return rule, true, nil
	case err != nil:
		return models.Rule{}, false, err
	}

	if existing.SameContent(rule) {
		return existing, false, nil
	}
	rule.ID = existing.ID
	rule.Version = existing.Version + 1
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE rules SET description = $2, source = $3, table_name = $4, filter = $5, check_type = $6, parameters = $7,
			severity = $8, schedule = $9, enabled = $10, use_sampling = $11, sample_size = $12,
			alert_cooldown_minutes = $13, timeout_seconds = $14, owner = $15, version = $16, updated_at = $17
		WHERE id = $1
	`, rule.ID, rule.Description, rule.Target.Source, rule.Target.Table, rule.Target.Filter, string(rule.CheckType),
		params, string(rule.Severity), rule.Schedule, rule.Enabled, rule.UseSampling, rule.SampleSize,
		rule.AlertCooldownMinutes, rule.TimeoutSeconds, rule.Owner, rule.Version, rule.UpdatedAt)
	if err != nil {
		return models.Rule{}, false, fmt.Errorf("update rule: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Rule{}, false, fmt.Errorf("commit: %w", err)
	}
	return rule, false, nil
}

func (s *Store) GetRule(ctx context.Context, id string) (models.Rule, error) {
	return scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
}

func (s *Store) GetRuleByName(ctx context.Context, name string) (models.Rule, error) {
	return scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE name = $1`, name))
}

func (s *Store) ListRules(ctx context.Context, f RuleFilter) ([]models.Rule, error) {
	var where []string
	var args []any
	if f.Name != "" {
		args = append(args, f.Name)
		where = append(where, fmt.Sprintf("name = $%d", len(args)))
	}
	if f.EnabledOnly {
		where = append(where, "enabled")
	}
	query := `SELECT ` + ruleColumns + ` FROM rules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	out := []models.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRuleEnabled soft-enables or soft-disables a rule.
func (s *Store) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rules SET enabled = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND enabled <> $2
	`, id, enabled)
	if err != nil {
		return fmt.Errorf("set rule enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRule(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RetireRule removes a rule together with its violations, runs and schedule state.
func (s *Store) RetireRule(ctx context.Context, id string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM violations WHERE rule_id = $1`,
		`DELETE FROM runs WHERE rule_id = $1`,
		`DELETE FROM rule_schedule_state WHERE rule_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return fmt.Errorf("retire rule: %w", err)
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (s *Store) LastFiredAt(ctx context.Context, ruleID string) (*time.Time, error) {
	var ts pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `SELECT last_fired_at FROM rule_schedule_state WHERE rule_id = $1`, ruleID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last fired: %w", err)
	}
	return timePtr(ts), nil
}

// ClaimFire records firedAt as the rule's last fire time only if the stored value
// still equals expected. Two schedulers racing on the same window see exactly
// one success.
func (s *Store) ClaimFire(ctx context.Context, ruleID string, expected *time.Time, firedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO rule_schedule_state (rule_id, last_fired_at)
		VALUES ($1, $3)
		ON CONFLICT (rule_id) DO UPDATE SET last_fired_at = EXCLUDED.last_fired_at
		WHERE rule_schedule_state.last_fired_at IS NOT DISTINCT FROM $2::timestamptz
	`, ruleID, expected, firedAt)
	if err != nil {
		return false, fmt.Errorf("claim fire: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const runColumns = `id, rule_id, started_at, finished_at, status, rows_checked, rows_failed, sampled, estimated, error_message`

func scanRun(row pgx.Row) (models.Run, error) {
	var r models.Run
	var finished pgtype.Timestamptz
	var status string
	var errMsg pgtype.Text
	if err := row.Scan(&r.ID, &r.RuleID, &r.StartedAt, &finished, &status, &r.RowsChecked, &r.RowsFailed,
		&r.Sampled, &r.Estimated, &errMsg); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Run{}, ErrNotFound
		}
		return models.Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.Status = models.RunStatus(status)
	r.FinishedAt = timePtr(finished)
	r.ErrorMessage = textPtr(errMsg)
	return r, nil
}

func (s *Store) CreateRun(ctx context.Context, run models.Run) (models.Run, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.RuleID, run.StartedAt, run.FinishedAt, string(run.Status), run.RowsChecked, run.RowsFailed,
		run.Sampled, run.Estimated, run.ErrorMessage)
	if err != nil {
		return models.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinishRun writes the terminal state of a RUNNING run. Terminal runs are immutable.
func (s *Store) FinishRun(ctx context.Context, run models.Run) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET finished_at = $2, status = $3, rows_checked = $4, rows_failed = $5, sampled = $6, estimated = $7, error_message = $8
		WHERE id = $1 AND status = $9
	`, run.ID, run.FinishedAt, string(run.Status), run.RowsChecked, run.RowsFailed, run.Sampled, run.Estimated,
		run.ErrorMessage, string(models.RunRunning))
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return err
		}
		return ErrRunTerminal
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	return scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
}

func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]models.Run, error) {
	var where []string
	var args []any
	if f.RuleID != "" {
		args = append(args, f.RuleID)
		where = append(where, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	out := []models.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const violationColumns = `id, run_id, rule_id, rule_name, detected_at, severity, description, evidence,
	acknowledged, acknowledged_by, acknowledged_at`

func scanViolation(row pgx.Row) (models.Violation, error) {
	var v models.Violation
	var severity string
	var evidence []byte
	var ackBy pgtype.Text
	var ackAt pgtype.Timestamptz
	if err := row.Scan(&v.ID, &v.RunID, &v.RuleID, &v.RuleName, &v.DetectedAt, &severity, &v.Description,
		&evidence, &v.Acknowledged, &ackBy, &ackAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Violation{}, ErrNotFound
		}
		return models.Violation{}, fmt.Errorf("scan violation: %w", err)
	}
	v.Severity = models.Severity(severity)
	if err := json.Unmarshal(evidence, &v.Evidence); err != nil {
		return models.Violation{}, fmt.Errorf("unmarshal evidence: %w", err)
	}
	v.AcknowledgedBy = textPtr(ackBy)
	v.AcknowledgedAt = timePtr(ackAt)
	return v, nil
}

func (s *Store) CreateViolation(ctx context.Context, v models.Violation) (models.Violation, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.Evidence = models.CapEvidence(v.Evidence)
	if v.Evidence == nil {
		v.Evidence = []string{}
	}
	evidence, err := json.Marshal(v.Evidence)
	if err != nil {
		return models.Violation{}, fmt.Errorf("marshal evidence: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO violations (`+violationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, v.ID, v.RunID, v.RuleID, v.RuleName, v.DetectedAt, string(v.Severity), v.Description, evidence,
		v.Acknowledged, v.AcknowledgedBy, v.AcknowledgedAt)
	if err != nil {
		return models.Violation{}, fmt.Errorf("insert violation: %w", err)
	}
	return v, nil
}

func (s *Store) ListViolations(ctx context.Context, f ViolationFilter) ([]models.Violation, error) {
	var where []string
	var args []any
	if f.RuleID != "" {
		args = append(args, f.RuleID)
		where = append(where, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("detected_at >= $%d", len(args)))
	}
	if f.OpenOnly {
		where = append(where, "NOT acknowledged")
	}
	query := `SELECT ` + violationColumns + ` FROM violations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()
	out := []models.Violation{}
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) AcknowledgeViolation(ctx context.Context, id, by string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE violations SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = $3 WHERE id = $1
	`, id, by, at)
	if err != nil {
		return fmt.Errorf("acknowledge violation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUnacknowledged counts open violations detected at or after since.
func (s *Store) CountUnacknowledged(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM violations WHERE NOT acknowledged AND detected_at >= $1
	`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unacknowledged: %w", err)
	}
	return n, nil
}

// DeleteViolationsBefore is the bulk retention cleanup.
func (s *Store) DeleteViolationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM violations WHERE detected_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete violations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

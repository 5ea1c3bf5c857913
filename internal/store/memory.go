package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dq-rule-engine/internal/models"
)

// Memory is a process-local Repository. It backs tests and dry runs and keeps
// the same conditional-write semantics as the Postgres store.
type Memory struct {
	mu         sync.Mutex
	rules      map[string]models.Rule
	fired      map[string]time.Time
	runs       map[string]models.Run
	violations map[string]models.Violation
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rules:      make(map[string]models.Rule),
		fired:      make(map[string]time.Time),
		runs:       make(map[string]models.Run),
		violations: make(map[string]models.Violation),
		now:        time.Now,
	}
}

var _ Repository = (*Memory)(nil)

func (m *Memory) UpsertRule(_ context.Context, rule models.Rule) (models.Rule, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	for id, existing := range m.rules {
		if existing.Name != rule.Name {
			continue
		}
		if existing.SameContent(rule) {
			return existing, false, nil
		}
		rule.ID = id
		rule.Version = existing.Version + 1
		rule.CreatedAt = existing.CreatedAt
		rule.UpdatedAt = now
		m.rules[id] = rule
		return rule, false, nil
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.Version = 1
	rule.CreatedAt = now
	rule.UpdatedAt = now
	m.rules[rule.ID] = rule
	return rule, true, nil
}

func (m *Memory) GetRule(_ context.Context, id string) (models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return models.Rule{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) GetRuleByName(_ context.Context, name string) (models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.Name == name {
			return r, nil
		}
	}
	return models.Rule{}, ErrNotFound
}

func (m *Memory) ListRules(_ context.Context, f RuleFilter) ([]models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		if f.Name != "" && r.Name != f.Name {
			continue
		}
		if f.EnabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) SetRuleEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	if r.Enabled != enabled {
		r.Enabled = enabled
		r.Version++
		r.UpdatedAt = m.now().UTC()
		m.rules[id] = r
	}
	return nil
}

func (m *Memory) RetireRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrNotFound
	}
	for vid, v := range m.violations {
		if v.RuleID == id {
			delete(m.violations, vid)
		}
	}
	for rid, r := range m.runs {
		if r.RuleID == id {
			delete(m.runs, rid)
		}
	}
	delete(m.fired, id)
	delete(m.rules, id)
	return nil
}

func (m *Memory) LastFiredAt(_ context.Context, ruleID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.fired[ruleID]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *Memory) ClaimFire(_ context.Context, ruleID string, expected *time.Time, firedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current *time.Time
	if t, ok := m.fired[ruleID]; ok {
		current = &t
	}
	if !sameInstant(current, expected) {
		return false, nil
	}
	m.fired[ruleID] = firedAt
	return true, nil
}

func (m *Memory) CreateRun(_ context.Context, run models.Run) (models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *Memory) FinishRun(_ context.Context, run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != models.RunRunning {
		return ErrRunTerminal
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return models.Run{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRuns(_ context.Context, f RunFilter) ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Run, 0)
	for _, r := range m.runs {
		if f.RuleID != "" && r.RuleID != f.RuleID {
			continue
		}
		if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) CreateViolation(_ context.Context, v models.Violation) (models.Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[v.RunID]; !ok {
		return models.Violation{}, ErrNotFound
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.Evidence = models.CapEvidence(v.Evidence)
	m.violations[v.ID] = v
	return v, nil
}

func (m *Memory) ListViolations(_ context.Context, f ViolationFilter) ([]models.Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Violation, 0)
	for _, v := range m.violations {
		if f.RuleID != "" && v.RuleID != f.RuleID {
			continue
		}
		if !f.Since.IsZero() && v.DetectedAt.Before(f.Since) {
			continue
		}
		if f.OpenOnly && v.Acknowledged {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) AcknowledgeViolation(_ context.Context, id, by string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.violations[id]
	if !ok {
		return ErrNotFound
	}
	v.Acknowledged = true
	v.AcknowledgedBy = &by
	v.AcknowledgedAt = &at
	m.violations[id] = v
	return nil
}

func (m *Memory) CountUnacknowledged(_ context.Context, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, v := range m.violations {
		if !v.Acknowledged && !v.DetectedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteViolationsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, v := range m.violations {
		if v.DetectedAt.Before(cutoff) {
			delete(m.violations, id)
			n++
		}
	}
	return n, nil
}

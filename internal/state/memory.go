package state

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memLease struct {
	token   string
	expires time.Time
}

// MemoryLeases is a process-local LeaseTable for tests and single-process runs.
type MemoryLeases struct {
	mu       sync.Mutex
	leases   map[string]memLease
	lastTick time.Time
	now      func() time.Time
}

var _ LeaseTable = (*MemoryLeases)(nil)

func NewMemoryLeases() *MemoryLeases {
	return &MemoryLeases{leases: make(map[string]memLease), now: time.Now}
}

// SetClock replaces the time source used for expiry.
func (m *MemoryLeases) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryLeases) live(ruleID string) (memLease, bool) {
	l, ok := m.leases[ruleID]
	if !ok {
		return memLease{}, false
	}
	if !m.now().Before(l.expires) {
		delete(m.leases, ruleID)
		return memLease{}, false
	}
	return l, true
}

func (m *MemoryLeases) Acquire(_ context.Context, ruleID string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(ruleID); ok {
		return "", false, nil
	}
	token := uuid.New().String()
	m.leases[ruleID] = memLease{token: token, expires: m.now().Add(ttl)}
	return token, true, nil
}

func (m *MemoryLeases) Release(_ context.Context, ruleID, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.live(ruleID)
	if !ok || l.token != token {
		return false, nil
	}
	delete(m.leases, ruleID)
	return true, nil
}

func (m *MemoryLeases) Extend(_ context.Context, ruleID, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.live(ruleID)
	if !ok || l.token != token {
		return false, nil
	}
	l.expires = m.now().Add(ttl)
	m.leases[ruleID] = l
	return true, nil
}

func (m *MemoryLeases) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id := range m.leases {
		if _, ok := m.live(id); ok {
			n++
		}
	}
	return n, nil
}

func (m *MemoryLeases) Heartbeat(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTick = at.UTC()
	return nil
}

func (m *MemoryLeases) LastTick(_ context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTick, nil
}

// MemorySuppression is a process-local SuppressionTable.
type MemorySuppression struct {
	mu   sync.Mutex
	last map[string]time.Time
}

var _ SuppressionTable = (*MemorySuppression)(nil)

func NewMemorySuppression() *MemorySuppression {
	return &MemorySuppression{last: make(map[string]time.Time)}
}

func (m *MemorySuppression) TryMark(_ context.Context, ruleID string, now time.Time, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.last[ruleID]; ok && now.Sub(last) < cooldown {
		return false, nil
	}
	m.last[ruleID] = now
	return true, nil
}

func (m *MemorySuppression) LastAlerted(_ context.Context, ruleID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.last[ruleID]
	return t, ok, nil
}

func (m *MemorySuppression) Reset(_ context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, ruleID)
	return nil
}

package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Queue used by tests and single-process CLI runs.
type Memory struct {
	mu     sync.Mutex
	items  []Request
	signal chan struct{}
}

var _ Queue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{signal: make(chan struct{}, 1)}
}

func (m *Memory) Enqueue(_ context.Context, req Request) error {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.items = append(m.items, req)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) pop() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return Request{}, false
	}
	req := m.items[0]
	m.items = m.items[1:]
	return req, true
}

func (m *Memory) Dequeue(ctx context.Context, wait time.Duration) (Request, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if req, ok := m.pop(); ok {
			return req, true, nil
		}
		select {
		case <-ctx.Done():
			return Request{}, false, ctx.Err()
		case <-timer.C:
			req, ok := m.pop()
			return req, ok, nil
		case <-m.signal:
		}
	}
}

func (m *Memory) Depth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}

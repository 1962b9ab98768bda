package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local counter for single-instance deployments and
// tests.
type Memory struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{hits: map[string][]time.Time{}, now: time.Now}
}

func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	hits := append(m.prune(key, now, window), now)
	m.hits[key] = hits
	m.sweep(now, window)
	return int64(len(hits)), hits[0].Add(window).Sub(now), nil
}

func (m *Memory) Count(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	hits := m.prune(key, now, window)
	if len(hits) == 0 {
		delete(m.hits, key)
		return 0, 0, nil
	}
	m.hits[key] = hits
	return int64(len(hits)), hits[0].Add(window).Sub(now), nil
}

// prune drops hits that left the trailing window; hits are kept in order.
func (m *Memory) prune(key string, now time.Time, window time.Duration) []time.Time {
	hits := m.hits[key]
	cutoff := now.Add(-window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

func (m *Memory) sweep(now time.Time, window time.Duration) {
	if len(m.hits) < 1024 {
		return
	}
	for k, hits := range m.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(now.Add(-window)) {
			delete(m.hits, k)
		}
	}
}

package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
)

type entry struct {
	raw     []byte
	expires time.Time
}

// Memory keeps jobs in-process. Records are copied through JSON so callers
// never share a job value with the store.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]entry
	ttl  time.Duration
	now  func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{jobs: map[string]entry{}, ttl: ttl, now: time.Now}
}

func (m *Memory) Create(_ context.Context, job *domain.DeliveryJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict()
	if _, ok := m.jobs[job.ID]; ok {
		return domain.WrapError(domain.ErrConflict, "create job", fmt.Errorf("job %s exists", job.ID))
	}
	m.jobs[job.ID] = entry{raw: raw, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(id)
	if !ok {
		return nil, domain.WrapError(domain.ErrJobNotFound, "get job", fmt.Errorf("job %s", id))
	}
	return decode(e.raw)
}

func (m *Memory) Update(_ context.Context, id string, fn func(*domain.DeliveryJob) error) (*domain.DeliveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(id)
	if !ok {
		return nil, domain.WrapError(domain.ErrJobNotFound, "update job", fmt.Errorf("job %s", id))
	}
	job, err := decode(e.raw)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	m.jobs[id] = entry{raw: raw, expires: e.expires}
	return job, nil
}

func (m *Memory) lookup(id string) (entry, bool) {
	e, ok := m.jobs[id]
	if !ok {
		return entry{}, false
	}
	if !m.now().Before(e.expires) {
		delete(m.jobs, id)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) evict() {
	now := m.now()
	for id, e := range m.jobs {
		if !now.Before(e.expires) {
			delete(m.jobs, id)
		}
	}
}

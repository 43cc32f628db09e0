package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRegistry keeps records in process memory. It backs single-host
// deployments where every process shares one orchestrator, and tests.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]Record // ID -> Record
	now     func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

func (m *MemoryRegistry) Register(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("register: empty service id")
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryRegistry) Services(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	recs := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	sortRecords(recs)
	return recs, nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Count returns the number of records.
func (m *MemoryRegistry) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryRegistry) Close() error { return nil }

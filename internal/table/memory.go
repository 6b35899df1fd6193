package table

import (
	"context"
	"sync"

	"github.com/red2n/alerts/internal/models"
)

// Memory is a map-backed table with the same read contract as Store. It is
// always ready and never unavailable.
type Memory struct {
	mu      sync.RWMutex
	records map[models.Digest]models.ThresholdRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[models.Digest]models.ThresholdRecord)}
}

func (m *Memory) Get(_ context.Context, d models.Digest) (models.ThresholdRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[d]
	return rec, ok, nil
}

// Put replaces the record for rec.Digest.
func (m *Memory) Put(rec models.ThresholdRecord) {
	m.mu.Lock()
	m.records[rec.Digest] = rec
	m.mu.Unlock()
}

func (m *Memory) Delete(d models.Digest) {
	m.mu.Lock()
	delete(m.records, d)
	m.mu.Unlock()
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

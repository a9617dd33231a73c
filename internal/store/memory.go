package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tailorcv/backend/internal/status"
)

type stageRecord struct {
	completedAt time.Time
	resource    json.RawMessage
}

// Memory is an in-process StatusStore.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]map[status.Stage]stageRecord
}

// NewMemory creates an in-process store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]map[status.Stage]stageRecord)}
}

func (m *Memory) Apply(ctx context.Context, jobID string, stage status.Stage, completedAt time.Time, resource json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stages, ok := m.jobs[jobID]
	if !ok {
		stages = make(map[status.Stage]stageRecord)
		m.jobs[jobID] = stages
	}

	// Duplicate or stale delivery: keep the newest record.
	if existing, ok := stages[stage]; ok && !completedAt.After(existing.completedAt) {
		return nil
	}
	stages[stage] = stageRecord{completedAt: completedAt, resource: resource}
	return nil
}

func (m *Memory) Snapshot(ctx context.Context, jobID string) (status.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w := status.Watermark{}
	for stage, rec := range m.jobs[jobID] {
		w[stage] = rec.completedAt
	}
	return w.Snapshot(), nil
}

func (m *Memory) Resource(ctx context.Context, jobID string, stage status.Stage) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.jobs[jobID][stage]
	if !ok || rec.resource == nil {
		return nil, ErrNotFound
	}
	return rec.resource, nil
}

func (m *Memory) Close() error {
	return nil
}

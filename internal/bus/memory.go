package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/tailorcv/backend/internal/status"
)

const subBuffer = 64

// Memory is an in-process Bus for single-binary deployments and tests.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memorySub)}
}

type memorySub struct {
	bus   *Memory
	jobID string
	ch    chan status.Snapshot
	once  sync.Once
}

func (s *memorySub) Events() <-chan status.Snapshot { return s.ch }

func (s *memorySub) Close() error {
	s.bus.remove(s)
	return nil
}

// Publish delivers snap to every subscriber of jobID. A subscriber whose
// buffer is full misses the delta; the stream layer recovers via catch-up
// replay on resubscribe, so delivery here is allowed to be lossy under
// sustained overload rather than block the publisher.
func (m *Memory) Publish(ctx context.Context, jobID string, snap status.Snapshot) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("bus closed")
	}
	for _, sub := range m.subs[jobID] {
		select {
		case sub.ch <- snap.Clone():
		default:
			log.Printf("bus subscriber for job %s too slow, dropping delta", jobID)
		}
	}
	return nil
}

// Subscribe registers a new subscriber for jobID.
func (m *Memory) Subscribe(jobID string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("bus closed")
	}
	sub := &memorySub{bus: m, jobID: jobID, ch: make(chan status.Snapshot, subBuffer)}
	m.subs[jobID] = append(m.subs[jobID], sub)
	return sub, nil
}

func (m *Memory) remove(sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[sub.jobID]
	for i, s := range subs {
		if s == sub {
			m.subs[sub.jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.subs[sub.jobID]) == 0 {
		delete(m.subs, sub.jobID)
	}
	sub.once.Do(func() { close(sub.ch) })
}

// Close shuts down the bus and closes all subscriber channels.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	m.subs = make(map[string][]*memorySub)
	return nil
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps everything in process. It backs deployments without a
// database and tests that need to inspect what the handler persisted.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	turns    map[string]Turn
	latency  map[string]LatencyRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		turns:    make(map[string]Turn),
		latency:  make(map[string]LatencyRecord),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("session %s not found", s.ID)
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) CreateTurn(_ context.Context, t *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.turns[t.ID]; ok {
		return fmt.Errorf("turn %s already exists", t.ID)
	}
	m.turns[t.ID] = *t
	return nil
}

func (m *MemoryStore) UpdateTurn(_ context.Context, t *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.turns[t.ID]; !ok {
		return fmt.Errorf("turn %s not found", t.ID)
	}
	m.turns[t.ID] = *t
	return nil
}

func (m *MemoryStore) NextTurnNumber(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	highest := 0
	for _, t := range m.turns {
		if t.SessionID == sessionID && t.Number > highest {
			highest = t.Number
		}
	}
	return highest + 1, nil
}

func (m *MemoryStore) CreateLatencyMetrics(_ context.Context, r *LatencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency[r.TurnID] = *r
	return nil
}

// Session returns a copy of the stored session.
func (m *MemoryStore) Session(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Turns returns the session's turns ordered by number.
func (m *MemoryStore) Turns(sessionID string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Turn
	for _, t := range m.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Latency returns the stored metrics for a turn.
func (m *MemoryStore) Latency(turnID string) (LatencyRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.latency[turnID]
	return r, ok
}

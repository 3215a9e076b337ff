package procedures

import (
	"context"
	"sync"
)

// MockStore is an in-memory procedure store for tests.
type MockStore struct {
	mu         sync.Mutex
	ByID       map[string]*Procedure
	Match      *MatchResult
	MatchErr   error
	Selections []string
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		ByID:  make(map[string]*Procedure),
		Match: &MatchResult{Matched: false},
	}
}

// Search implements Store.
func (m *MockStore) Search(_ context.Context, _ string) ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Candidate, 0, len(m.ByID))
	for _, p := range m.ByID {
		out = append(out, Candidate{ID: p.ID, Title: p.Title, Score: p.Confidence})
	}
	return out, nil
}

// SelectBestMatch implements Store.
func (m *MockStore) SelectBestMatch(_ context.Context, _, _, _ string) (*MatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MatchErr != nil {
		return nil, m.MatchErr
	}
	return m.Match, nil
}

// FetchByID implements Store.
func (m *MockStore) FetchByID(_ context.Context, id string) (*Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.ByID[id]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

// LogSelection implements Store.
func (m *MockStore) LogSelection(_ context.Context, _, procedureID string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Selections = append(m.Selections, procedureID)
	return nil
}

package ticketing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory ticketing backend for tests.
type MockClient struct {
	mu            sync.Mutex
	Conversations map[string]*Conversation
	Notes         []string
	Sent          []string
	Attributes    map[string]string
	SnoozedUntil  time.Time

	SendErr      error
	NoteErr      error
	AttributeErr error
	SnoozeErr    error
}

// NewMockClient creates an empty mock backend.
func NewMockClient() *MockClient {
	return &MockClient{
		Conversations: make(map[string]*Conversation),
		Attributes:    make(map[string]string),
	}
}

// GetConversation implements Client.
func (m *MockClient) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.Conversations[id]; ok {
		return conv, nil
	}
	return nil, fmt.Errorf("conversation %s not found", id)
}

// AddNote implements Client.
func (m *MockClient) AddNote(_ context.Context, _, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NoteErr != nil {
		return m.NoteErr
	}
	m.Notes = append(m.Notes, text)
	return nil
}

// SendMessage implements Client.
func (m *MockClient) SendMessage(_ context.Context, _, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, text)
	return nil
}

// SetCustomAttribute implements Client.
func (m *MockClient) SetCustomAttribute(_ context.Context, _, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AttributeErr != nil {
		return m.AttributeErr
	}
	m.Attributes[name] = value
	return nil
}

// Snooze implements Client.
func (m *MockClient) Snooze(_ context.Context, _ string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SnoozeErr != nil {
		return m.SnoozeErr
	}
	m.SnoozedUntil = until
	return nil
}

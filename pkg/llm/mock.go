package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockClient is a scripted LLMClient for tests. Responses are consumed in
// FIFO order; the last response repeats once the queue drains.
type MockClient struct {
	mu        sync.Mutex
	responses []CompletionResponse
	errs      []error
	requests  []CompletionRequest
}

// NewMockClient creates an empty mock client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// QueueToolCall queues a response carrying one tool call whose parameters
// are the JSON encoding of value. This is how structured outputs are stubbed.
func (m *MockClient) QueueToolCall(toolName string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("mock llm: marshal stub for %s: %v", toolName, err))
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		panic(fmt.Sprintf("mock llm: stub for %s is not an object: %v", toolName, err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, CompletionResponse{
		ToolCalls:  []ToolCall{{ID: fmt.Sprintf("call_%d", len(m.responses)), Name: toolName, Parameters: params}},
		StopReason: "tool_use",
	})
	m.errs = append(m.errs, nil)
}

// QueueText queues a plain-text response with no tool calls.
func (m *MockClient) QueueText(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, CompletionResponse{Content: content, StopReason: "end_turn"})
	m.errs = append(m.errs, nil)
}

// QueueError queues a failing completion.
func (m *MockClient) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, CompletionResponse{})
	m.errs = append(m.errs, err)
}

// Requests returns a copy of the captured completion requests.
func (m *MockClient) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Complete implements LLMClient.
func (m *MockClient) Complete(_ context.Context, in CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, in)
	if len(m.responses) == 0 {
		return CompletionResponse{}, fmt.Errorf("mock llm: no responses queued")
	}

	resp, err := m.responses[0], m.errs[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
		m.errs = m.errs[1:]
	}
	if err != nil {
		return CompletionResponse{}, err
	}
	return resp, nil
}

// GetModelName implements LLMClient.
func (m *MockClient) GetModelName() string {
	return "mock-model"
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory gateway for tests. Results are registered per
// tool name; unregistered tools fail the call.
type MockClient struct {
	mu      sync.Mutex
	tools   []ToolDefinition
	results map[string][]*Result
	errs    map[string]error
	calls   []MockCall
}

// MockCall records one CallTool invocation.
type MockCall struct {
	Name    string
	Params  map[string]any
	Timeout time.Duration
}

// NewMockClient creates a mock gateway exposing the given tools.
func NewMockClient(tools []ToolDefinition) *MockClient {
	return &MockClient{
		tools:   tools,
		results: make(map[string][]*Result),
		errs:    make(map[string]error),
	}
}

// StubResult queues a result for a tool; repeated calls consume in order,
// with the last result repeating once the queue drains.
func (m *MockClient) StubResult(name string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("mock gateway: marshal stub for %s: %v", name, err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[name] = append(m.results[name], &Result{
		Content: []ContentItem{{Type: "text", Text: string(data)}},
	})
}

// StubError makes every call to the tool fail with err.
func (m *MockClient) StubError(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[name] = err
}

// Calls returns a copy of the recorded invocations.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ListTools implements Client.
func (m *MockClient) ListTools(_ context.Context) ([]ToolDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolDefinition, len(m.tools))
	copy(out, m.tools)
	return out, nil
}

// CallTool implements Client.
func (m *MockClient) CallTool(_ context.Context, name string, params map[string]any, timeout time.Duration) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockCall{Name: name, Params: params, Timeout: timeout})

	if err, ok := m.errs[name]; ok {
		return nil, err
	}
	queue := m.results[name]
	if len(queue) == 0 {
		return nil, fmt.Errorf("mock gateway: no result registered for tool %s", name)
	}
	res := queue[0]
	if len(queue) > 1 {
		m.results[name] = queue[1:]
	}
	return res, nil
}

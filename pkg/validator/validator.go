// Package validator provides the client for the external reply validator,
// which checks a candidate reply against policy and intent rules.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"supportflow/pkg/logx"
)

// Verdict is the validator's judgement on a candidate reply. Only
// OverallPassed is interpreted; the raw payload is preserved for audit.
type Verdict struct {
	OverallPassed bool   `json:"overall_passed"`
	Raw           string `json:"-"`
}

// Client is the reply validator interface.
type Client interface {
	// Validate checks the candidate reply. The timeout is call-scoped.
	Validate(ctx context.Context, replyText string, timeout time.Duration) (*Verdict, error)
}

// HTTPClient talks to the validator service over HTTP.
type HTTPClient struct {
	endpoint string
	http     *http.Client
	logger   *logx.Logger
}

// NewHTTPClient creates a validator client for the given endpoint URL.
func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		http:     &http.Client{},
		logger:   logx.NewLogger("validator"),
	}
}

// Validate implements Client.
func (c *HTTPClient) Validate(ctx context.Context, replyText string, timeout time.Duration) (*Verdict, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(map[string]any{"reply": replyText})
	if err != nil {
		return nil, fmt.Errorf("marshal validate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validator call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read validator response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("validator returned status %d", resp.StatusCode)
	}

	var verdict Verdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return nil, fmt.Errorf("decode validator verdict: %w", err)
	}
	verdict.Raw = string(raw)

	c.logger.Info("✅ Validator verdict in %s: passed=%t", time.Since(start).Round(time.Millisecond), verdict.OverallPassed)
	return &verdict, nil
}

// MockClient is a scripted validator for tests. Verdicts are consumed in
// FIFO order; the last verdict repeats once the queue drains.
type MockClient struct {
	mu       sync.Mutex
	verdicts []*Verdict
	errs     []error
	Calls    []string
}

// NewMockClient creates an empty mock validator.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// QueueVerdict queues a pass/fail verdict with a raw diagnostic payload.
func (m *MockClient) QueueVerdict(passed bool, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if raw == "" {
		raw = fmt.Sprintf(`{"overall_passed":%t}`, passed)
	}
	m.verdicts = append(m.verdicts, &Verdict{OverallPassed: passed, Raw: raw})
	m.errs = append(m.errs, nil)
}

// QueueError queues a failing validator call.
func (m *MockClient) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts = append(m.verdicts, nil)
	m.errs = append(m.errs, err)
}

// Validate implements Client.
func (m *MockClient) Validate(_ context.Context, replyText string, _ time.Duration) (*Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, replyText)
	if len(m.verdicts) == 0 {
		return nil, fmt.Errorf("mock validator: no verdicts queued")
	}
	verdict, err := m.verdicts[0], m.errs[0]
	if len(m.verdicts) > 1 {
		m.verdicts = m.verdicts[1:]
		m.errs = m.errs[1:]
	}
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

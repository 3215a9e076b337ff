package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"supportflow/pkg/logx"
)

// Client is the tool gateway interface consumed by the Gather and Action
// stages. Implementations must honor the per-call timeout.
type Client interface {
	// ListTools returns every tool the gateway exposes.
	ListTools(ctx context.Context) ([]ToolDefinition, error)

	// CallTool invokes a named tool and returns its raw result. The timeout
	// is call-scoped; zero means no deadline beyond the parent context.
	CallTool(ctx context.Context, name string, params map[string]any, timeout time.Duration) (*Result, error)
}

// HTTPClient talks to the gateway over its HTTP surface.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *logx.Logger
}

// NewHTTPClient creates a gateway client for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{},
		logger:  logx.NewLogger("gateway"),
	}
}

type listToolsResponse struct {
	Tools []ToolDefinition `json:"tools"`
}

type callToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ListTools implements Client.
func (c *HTTPClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/list", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build list_tools request: %w", err)
	}

	var resp listToolsResponse
	if err := c.do(req, &resp); err != nil {
		return nil, logx.Wrap(err, "list_tools")
	}

	c.logger.Info("🔧 Gateway exposed %d tools", len(resp.Tools))
	return resp.Tools, nil
}

// CallTool implements Client.
func (c *HTTPClient) CallTool(ctx context.Context, name string, params map[string]any, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(callToolRequest{Name: name, Arguments: params})
	if err != nil {
		return nil, fmt.Errorf("marshal call_tool request for %s: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build call_tool request for %s: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	var result Result
	if err := c.do(req, &result); err != nil {
		return nil, fmt.Errorf("call_tool %s: %w", name, err)
	}

	c.logger.Debug("Tool %s completed in %s", name, time.Since(start).Round(time.Millisecond))
	if result.IsError {
		return &result, fmt.Errorf("tool %s reported an error result", name)
	}
	return &result, nil
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

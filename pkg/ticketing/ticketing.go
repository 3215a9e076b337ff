// Package ticketing provides the conversation backend client: fetching
// conversations, posting notes and messages, setting attributes, and
// snoozing. Every write operation supports dry-run, which validates and
// logs but issues no network write.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"supportflow/pkg/logx"
	"supportflow/pkg/proto"
)

// Message is one normalized conversation turn.
type Message struct {
	Role        proto.MessageRole `json:"role"`
	Text        string            `json:"text"`
	Attachments []string          `json:"attachments,omitempty"`
}

// Conversation is the normalized view of a backend conversation. Backend
// payload shapes are resolved here, at the boundary, never downstream.
type Conversation struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject"`
	Messages     []Message `json:"messages"`
	ContactName  string    `json:"contact_name"`
	ContactEmail string    `json:"contact_email"`
}

// Client is the conversation backend interface.
type Client interface {
	// GetConversation fetches messages, authorship, subject, and contact
	// identity for a conversation.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// AddNote posts an internal note invisible to the user.
	AddNote(ctx context.Context, id, text string) error

	// SendMessage sends a user-visible reply.
	SendMessage(ctx context.Context, id, text string) error

	// SetCustomAttribute sets a named custom attribute on the conversation.
	SetCustomAttribute(ctx context.Context, id, name, value string) error

	// Snooze hides the conversation until the given time.
	Snooze(ctx context.Context, id string, until time.Time) error
}

// HTTPClient talks to the ticketing backend over HTTP.
type HTTPClient struct {
	baseURL string
	dryRun  bool
	http    *http.Client
	logger  *logx.Logger
}

// NewHTTPClient creates a backend client. With dryRun set, all write
// operations log and return a marker success without touching the network.
func NewHTTPClient(baseURL string, dryRun bool) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		dryRun:  dryRun,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logx.NewLogger("ticketing"),
	}
}

// GetConversation implements Client. Reads run even in dry-run mode.
func (c *HTTPClient) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+id, nil, &out); err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &out, nil
}

// AddNote implements Client.
func (c *HTTPClient) AddNote(ctx context.Context, id, text string) error {
	if c.dryRun {
		c.logger.Info("🧪 Dry-run: note on %s: %s", id, firstLine(text))
		return nil
	}
	return c.do(ctx, http.MethodPost, "/conversations/"+id+"/notes", map[string]any{"body": text}, nil)
}

// SendMessage implements Client.
func (c *HTTPClient) SendMessage(ctx context.Context, id, text string) error {
	if c.dryRun {
		c.logger.Info("🧪 Dry-run: message to %s: %s", id, firstLine(text))
		return nil
	}
	return c.do(ctx, http.MethodPost, "/conversations/"+id+"/messages", map[string]any{"body": text}, nil)
}

// SetCustomAttribute implements Client.
func (c *HTTPClient) SetCustomAttribute(ctx context.Context, id, name, value string) error {
	if c.dryRun {
		c.logger.Info("🧪 Dry-run: attribute %q=%q on %s", name, value, id)
		return nil
	}
	return c.do(ctx, http.MethodPost, "/conversations/"+id+"/attributes", map[string]any{"name": name, "value": value}, nil)
}

// Snooze implements Client.
func (c *HTTPClient) Snooze(ctx context.Context, id string, until time.Time) error {
	if c.dryRun {
		c.logger.Info("🧪 Dry-run: snooze %s until %s", id, until.UTC().Format(time.RFC3339))
		return nil
	}
	return c.do(ctx, http.MethodPost, "/conversations/"+id+"/snooze", map[string]any{"until": until.Unix()}, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ticketing backend returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i := range s {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}

// Package procedures provides the client for the internal runbook store:
// search, best-match selection, direct fetch, and selection logging.
package procedures

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"supportflow/pkg/logx"
)

var errStatusNotFound = errors.New("procedure store returned status 404")

// Procedure is a matched runbook. ActionTools lists the action tools the
// runbook mandates; AllowedTools, when non-empty, restricts the run's
// capability list to the named tools.
type Procedure struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Confidence   float64  `json:"confidence"`
	Reasoning    string   `json:"reasoning"`
	ActionTools  []string `json:"action_tools,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// Candidate is one ranked search hit.
type Candidate struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// MatchResult is the outcome of best-match selection.
type MatchResult struct {
	Matched   bool       `json:"matched"`
	Procedure *Procedure `json:"procedure,omitempty"`
}

// Store is the procedure store interface.
type Store interface {
	// Search returns ranked candidates for a free-text query.
	Search(ctx context.Context, query string) ([]Candidate, error)

	// SelectBestMatch asks the store to evaluate the conversation and return
	// the applicable procedure, if any.
	SelectBestMatch(ctx context.Context, conversationID, subject, transcript string) (*MatchResult, error)

	// FetchByID retrieves a procedure directly.
	FetchByID(ctx context.Context, id string) (*Procedure, error)

	// LogSelection records the selection outcome for audit. Best-effort.
	LogSelection(ctx context.Context, conversationID, procedureID string, matched bool) error
}

// HTTPStore talks to the procedure store over HTTP.
type HTTPStore struct {
	baseURL string
	http    *http.Client
	logger  *logx.Logger
}

// NewHTTPStore creates a store client for the given base URL.
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		http:    &http.Client{},
		logger:  logx.NewLogger("procedures"),
	}
}

// Search implements Store.
func (s *HTTPStore) Search(ctx context.Context, query string) ([]Candidate, error) {
	var out struct {
		Candidates []Candidate `json:"candidates"`
	}
	err := s.post(ctx, "/procedures/search", map[string]any{"query": query}, &out)
	if err != nil {
		return nil, logx.Wrap(err, "procedure search")
	}
	return out.Candidates, nil
}

// SelectBestMatch implements Store.
func (s *HTTPStore) SelectBestMatch(ctx context.Context, conversationID, subject, transcript string) (*MatchResult, error) {
	var out MatchResult
	err := s.post(ctx, "/procedures/select", map[string]any{
		"conversation_id": conversationID,
		"subject":         subject,
		"transcript":      transcript,
	}, &out)
	if err != nil {
		return nil, logx.Wrap(err, "procedure select")
	}
	return &out, nil
}

// FetchByID implements Store.
func (s *HTTPStore) FetchByID(ctx context.Context, id string) (*Procedure, error) {
	var out Procedure
	err := s.post(ctx, "/procedures/get", map[string]any{"id": id}, &out)
	if errors.Is(err, errStatusNotFound) {
		return nil, fmt.Errorf("procedure %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch procedure %s: %w", id, err)
	}
	return &out, nil
}

// LogSelection implements Store.
func (s *HTTPStore) LogSelection(ctx context.Context, conversationID, procedureID string, matched bool) error {
	err := s.post(ctx, "/procedures/log_selection", map[string]any{
		"conversation_id": conversationID,
		"procedure_id":    procedureID,
		"matched":         matched,
	}, nil)
	if err != nil {
		s.logger.Warn("Procedure selection logging failed: %v", err)
	}
	return err
}

func (s *HTTPStore) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return errStatusNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("procedure store returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

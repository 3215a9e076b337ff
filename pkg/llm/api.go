// Package llm provides the text-generation client interface, its provider
// implementations, and the structured-output wrapper used by the pipeline.
package llm

import (
	"context"

	"supportflow/pkg/gateway"
)

// CompletionRole represents the role of a message in a completion request.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant CompletionRole = "assistant"
)

const (
	// TemperaturePlanner is used for planning and judgement calls where
	// determinism matters more than variety.
	TemperaturePlanner = 0.0

	// TemperatureDrafter is used for reply drafting. Slight randomness avoids
	// repetitive phrasing while staying consistent.
	TemperatureDrafter = 0.2

	// DefaultMaxTokens bounds a single completion.
	DefaultMaxTokens = 4096
)

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Content string
	Role    CompletionRole
}

// ToolCall represents a tool call made by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	Tools       []gateway.ToolDefinition
	ToolChoice  string
	MaxTokens   int
	Temperature float32
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	ToolCalls  []ToolCall
	Content    string
	StopReason string
}

// LLMClient defines the interface for text-generation interactions.
type LLMClient interface { //nolint:revive // Established name across the codebase
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model name for this client.
	GetModelName() string
}

// NewCompletionRequest creates a completion request with default values.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperaturePlanner,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

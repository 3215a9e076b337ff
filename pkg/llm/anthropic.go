package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"supportflow/pkg/gateway"
	"supportflow/pkg/llm/llmerrors"
)

// ClaudeClient wraps the Anthropic API client to implement LLMClient.
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClient creates a raw Claude client; retry middleware is applied
// at a higher level.
func NewClaudeClient(apiKey, model string) *ClaudeClient {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ClaudeClient{
		client: client,
		model:  anthropic.Model(model),
	}
}

// prepareMessages extracts system messages to the top-level system parameter
// and merges consecutive user messages so the sequence alternates
// user/assistant and ends on a user turn, as the API requires.
func prepareMessages(messages []CompletionMessage) (systemPrompt string, alternating []CompletionMessage, err error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var rest []CompletionMessage
	for i := range messages {
		msg := &messages[i]
		if msg.Role == RoleSystem {
			systemParts = append(systemParts, msg.Content)
		} else {
			rest = append(rest, *msg)
		}
	}
	systemPrompt = strings.Join(systemParts, "\n\n")

	if len(rest) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}

	var merged []CompletionMessage
	var userParts []string
	for i := range rest {
		msg := &rest[i]
		if msg.Role == RoleAssistant {
			if len(userParts) > 0 {
				merged = append(merged, CompletionMessage{Role: RoleUser, Content: strings.Join(userParts, "\n\n")})
				userParts = nil
			}
			merged = append(merged, *msg)
		} else {
			userParts = append(userParts, msg.Content)
		}
	}
	if len(userParts) > 0 {
		merged = append(merged, CompletionMessage{Role: RoleUser, Content: strings.Join(userParts, "\n\n")})
	}

	if merged[0].Role != RoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", merged[0].Role)
	}
	if merged[len(merged)-1].Role != RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got: %s", merged[len(merged)-1].Role)
	}
	return systemPrompt, merged, nil
}

// anthropicProperties converts an input schema's properties recursively.
func anthropicProperties(props map[string]gateway.Property) map[string]any {
	out := make(map[string]any, len(props))
	for name := range props {
		prop := props[name]
		out[name] = anthropicProperty(&prop)
	}
	return out
}

func anthropicProperty(prop *gateway.Property) map[string]any {
	m := map[string]any{"type": prop.Type}
	if prop.Description != "" {
		m["description"] = prop.Description
	}
	if len(prop.Enum) > 0 {
		m["enum"] = prop.Enum
	}
	if prop.Type == "array" && prop.Items != nil {
		m["items"] = anthropicProperty(prop.Items)
	}
	if prop.Type == "object" && prop.Properties != nil {
		nested := make(map[string]any, len(prop.Properties))
		for name, child := range prop.Properties {
			if child != nil {
				nested[name] = anthropicProperty(child)
			}
		}
		m["properties"] = nested
	}
	return m
}

// Complete implements LLMClient.
func (c *ClaudeClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	systemPrompt, alternating, err := prepareMessages(in.Messages)
	if err != nil {
		return CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message preparation error: %v", err))
	}

	messages := make([]anthropic.MessageParam, 0, len(alternating))
	for i := range alternating {
		msg := &alternating[i]
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: systemPrompt,
			Type: "text",
		}}
	}

	if len(in.Tools) > 0 {
		var tools []anthropic.ToolUnionParam
		for i := range in.Tools {
			tool := &in.Tools[i]
			toolParam := anthropic.ToolParam{
				Name: tool.Name,
				InputSchema: anthropic.ToolInputSchemaParam{
					Type:       "object",
					Properties: anthropicProperties(tool.InputSchema.Properties),
					Required:   tool.InputSchema.Required,
				},
			}
			tools = append(tools, anthropic.ToolUnionParamOfTool(toolParam.InputSchema, toolParam.Name))
		}
		params.Tools = tools

		switch in.ToolChoice {
		case "any":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{
				OfAny: &anthropic.ToolChoiceAnyParam{},
			}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{
				OfAuto: &anthropic.ToolChoiceAutoParam{},
			}
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, classifyAnthropicError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty or nil response from Claude API")
	}

	var responseText string
	var toolCalls []ToolCall
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			responseText += block.AsText().Text
		case "tool_use":
			toolUseBlock := block.AsToolUse()
			var callParams map[string]any
			if err := json.Unmarshal(toolUseBlock.Input, &callParams); err != nil {
				return CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeMalformedOutput, err, "tool input was not valid JSON")
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:         toolUseBlock.ID,
				Name:       toolUseBlock.Name,
				Parameters: callParams,
			})
		}
	}

	return CompletionResponse{
		Content:    responseText,
		ToolCalls:  toolCalls,
		StopReason: string(resp.StopReason),
	}, nil
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

// classifyAnthropicError maps SDK errors to the structured error types.
func classifyAnthropicError(err error) *llmerrors.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request canceled")
	}

	errStr := err.Error()
	switch statusCode := extractStatusCode(errStr); statusCode {
	case 401, 403:
		return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, statusCode, "authentication failed - check API key")
	case 429:
		return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, statusCode, "rate limit exceeded")
	case 400:
		return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, statusCode, "bad request - check prompt format and parameters")
	case 500, 502, 503, 504:
		return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, statusCode, "server error")
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "network"),
		strings.Contains(errStr, "EOF"),
		strings.Contains(lower, "reset"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "network or connection error")
	case strings.Contains(lower, "rate"), strings.Contains(lower, "quota"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(lower, "auth"), strings.Contains(lower, "unauthorized"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "authentication error")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "unclassified error")
}

// extractStatusCode pulls an HTTP status code out of an SDK error string.
func extractStatusCode(errStr string) int {
	patterns := []string{"status code: ", "status: ", "http "}
	lower := strings.ToLower(errStr)
	for _, pattern := range patterns {
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		start := idx + len(pattern)
		if start+3 > len(errStr) {
			continue
		}
		switch lower[start : start+3] {
		case "400":
			return 400
		case "401":
			return 401
		case "403":
			return 403
		case "429":
			return 429
		case "500":
			return 500
		case "502":
			return 502
		case "503":
			return 503
		case "504":
			return 504
		}
	}
	return 0
}

package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"supportflow/pkg/gateway"
	"supportflow/pkg/llm/llmerrors"
)

// OllamaClient wraps the Ollama API client to implement LLMClient. Ollama is
// a local runtime for open-source models, useful for offline test runs.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates a client for an Ollama server, e.g.
// "http://localhost:11434".
func NewOllamaClient(hostURL, model string) *OllamaClient {
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}
	return &OllamaClient{
		client: api.NewClient(parsedURL, http.DefaultClient),
		model:  model,
	}
}

// Complete implements LLMClient.
func (o *OllamaClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	if len(in.Messages) == 0 {
		return CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	messages := make([]api.Message, 0, len(in.Messages))
	for i := range in.Messages {
		msg := &in.Messages[i]
		messages = append(messages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if len(in.Tools) > 0 {
		req.Tools = ollamaTools(in.Tools)
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return CompletionResponse{}, classifyOllamaError(err)
	}

	result := CompletionResponse{
		Content:    response.Message.Content,
		StopReason: ollamaStopReason(&response),
	}
	if len(response.Message.ToolCalls) > 0 {
		calls := make([]ToolCall, len(response.Message.ToolCalls))
		for i := range response.Message.ToolCalls {
			call := &response.Message.ToolCalls[i]
			id := call.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			calls[i] = ToolCall{
				ID:         id,
				Name:       call.Function.Name,
				Parameters: call.Function.Arguments.ToMap(),
			}
		}
		result.ToolCalls = calls
	}
	return result, nil
}

// GetModelName returns the model name for this client.
func (o *OllamaClient) GetModelName() string {
	return o.model
}

// ollamaTools converts tool definitions to Ollama's Tool format.
func ollamaTools(toolDefs []gateway.ToolDefinition) api.Tools {
	out := make(api.Tools, len(toolDefs))
	for i := range toolDefs {
		td := &toolDefs[i]
		properties := api.NewToolPropertiesMap()
		for name := range td.InputSchema.Properties {
			prop := td.InputSchema.Properties[name]
			properties.Set(name, ollamaProperty(&prop))
		}
		out[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       td.InputSchema.Type,
					Properties: properties,
					Required:   td.InputSchema.Required,
				},
			},
		}
	}
	return out
}

func ollamaProperty(prop *gateway.Property) api.ToolProperty {
	out := api.ToolProperty{
		Type:        api.PropertyType{prop.Type},
		Description: prop.Description,
	}
	if len(prop.Enum) > 0 {
		enumVals := make([]any, len(prop.Enum))
		for i, v := range prop.Enum {
			enumVals[i] = v
		}
		out.Enum = enumVals
	}
	if prop.Properties != nil {
		nested := make(map[string]api.ToolProperty)
		for name, child := range prop.Properties {
			if child != nil {
				nested[name] = ollamaProperty(child)
			}
		}
		out.Items = map[string]any{
			"type":       "object",
			"properties": nested,
		}
	}
	if prop.Items != nil {
		out.Items = ollamaProperty(prop.Items)
	}
	return out
}

func ollamaStopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

// classifyOllamaError converts Ollama errors to the structured error types.
func classifyOllamaError(err error) error {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "Ollama model not found")
	case strings.Contains(errStr, "context canceled"), strings.Contains(errStr, "timeout"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request canceled or timed out")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "Ollama API error")
	}
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"supportflow/pkg/gateway"
	"supportflow/pkg/llm/llmerrors"
)

// OpenAIClient wraps the official OpenAI Go client to implement LLMClient.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates a raw OpenAI client; retry middleware is applied
// at a higher level.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIClient{
		client: client,
		model:  model,
	}
}

// openaiPropertySchema recursively converts a property to OpenAI schema format.
func openaiPropertySchema(prop *gateway.Property) map[string]any {
	schema := map[string]any{
		"type":        prop.Type,
		"description": prop.Description,
	}
	if len(prop.Enum) > 0 {
		schema["enum"] = prop.Enum
	}
	if prop.Type == "array" && prop.Items != nil {
		schema["items"] = openaiPropertySchema(prop.Items)
	}
	if prop.Type == "object" && prop.Properties != nil {
		properties := make(map[string]any)
		for name, child := range prop.Properties {
			if child != nil {
				properties[name] = openaiPropertySchema(child)
			}
		}
		schema["properties"] = properties
	}
	return schema
}

// Complete implements LLMClient using the Responses API.
func (o *OpenAIClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	// The Responses API takes a single input string; fold the conversation
	// into one prompt with role prefixes.
	var inputText string
	for i := range in.Messages {
		msg := &in.Messages[i]
		switch msg.Role {
		case RoleSystem:
			inputText += fmt.Sprintf("System: %s\n\n", msg.Content)
		case RoleUser:
			inputText += msg.Content
		case RoleAssistant:
			inputText += fmt.Sprintf("Assistant: %s\n\n", msg.Content)
		}
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(in.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(inputText)},
	}

	if len(in.Tools) > 0 {
		toolParams := make([]responses.ToolUnionParam, len(in.Tools))
		for i := range in.Tools {
			tool := &in.Tools[i]
			properties := make(map[string]any)
			for name, prop := range tool.InputSchema.Properties {
				properties[name] = openaiPropertySchema(&prop)
			}
			toolParams[i] = responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters: openai.FunctionParameters(map[string]any{
						"type":       "object",
						"properties": properties,
						"required":   tool.InputSchema.Required,
					}),
				},
			}
		}
		params.Tools = toolParams
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "OpenAI Responses API failed")
	}
	if resp == nil {
		return CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	var content string
	var toolCalls []ToolCall
	for i := range resp.Output {
		item := &resp.Output[i]
		switch item.Type {
		case "function_call":
			funcItem := item.AsFunctionCall()
			var parameters map[string]any
			if funcItem.Arguments != "" {
				if err := json.Unmarshal([]byte(funcItem.Arguments), &parameters); err != nil {
					return CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeMalformedOutput, err, "function arguments were not valid JSON")
				}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:         funcItem.ID,
				Name:       funcItem.Name,
				Parameters: parameters,
			})
		default:
			// Text and reasoning items are collected via OutputText below.
			continue
		}
	}
	if content == "" {
		content = resp.OutputText()
	}

	return CompletionResponse{
		Content:   content,
		ToolCalls: toolCalls,
	}, nil
}

// GetModelName returns the model name for this client.
func (o *OpenAIClient) GetModelName() string {
	return o.model
}

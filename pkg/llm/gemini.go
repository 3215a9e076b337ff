package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"supportflow/pkg/gateway"
	"supportflow/pkg/llm/llmerrors"
)

// GeminiClient wraps the Google GenAI client to implement LLMClient.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiClient creates a raw Gemini client; client construction needs a
// context, so it is deferred to the first Complete call.
func NewGeminiClient(apiKey, model string) *GeminiClient {
	return &GeminiClient{
		apiKey: apiKey,
		model:  model,
	}
}

// Complete implements LLMClient.
func (g *GeminiClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	if g.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "failed to create Gemini client")
		}
		g.client = client
	}

	contents, systemInstruction, err := geminiContents(in.Messages)
	if err != nil {
		return CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	//nolint:gosec // MaxTokens validated at higher layer
	maxTokens := int32(in.MaxTokens)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &in.Temperature,
		MaxOutputTokens: maxTokens,
	}
	if systemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}

	if len(in.Tools) > 0 {
		cfg.Tools = []*genai.Tool{
			{FunctionDeclarations: geminiDeclarations(in.Tools)},
		}
		// Force tool use. Gemini may return empty responses when not forced
		// to call one of the provided tools.
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAny,
			},
		}
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "Gemini API call failed")
	}
	if result == nil {
		return CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	response := CompletionResponse{
		Content:    result.Text(),
		StopReason: "end_turn",
	}
	if functionCalls := result.FunctionCalls(); len(functionCalls) > 0 {
		calls := make([]ToolCall, len(functionCalls))
		for i, call := range functionCalls {
			id := call.ID
			if id == "" {
				id = call.Name
			}
			calls[i] = ToolCall{ID: id, Name: call.Name, Parameters: call.Args}
		}
		response.ToolCalls = calls
	}
	return response, nil
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

// geminiContents converts messages to Gemini's Content format.
func geminiContents(messages []CompletionMessage) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var systemInstruction string
	var contents []*genai.Content
	for i := range messages {
		msg := &messages[i]
		if msg.Role == RoleSystem {
			if systemInstruction != "" {
				systemInstruction += "\n\n" + msg.Content
			} else {
				systemInstruction = msg.Content
			}
			continue
		}

		var role string
		switch msg.Role {
		case RoleUser:
			role = "user"
		case RoleAssistant:
			role = "model" // Gemini uses "model" instead of "assistant"
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		if msg.Content != "" {
			contents = append(contents, &genai.Content{
				Role:  role,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	return contents, systemInstruction, nil
}

// geminiDeclarations converts tool definitions to function declarations.
func geminiDeclarations(toolDefs []gateway.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(toolDefs))
	for i := range toolDefs {
		tool := &toolDefs[i]
		properties := make(map[string]*genai.Schema)
		for propName, prop := range tool.InputSchema.Properties {
			properties[propName] = geminiSchema(&prop)
		}
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   tool.InputSchema.Required,
			},
		}
	}
	return declarations
}

// geminiSchema recursively converts a property to Gemini schema format.
func geminiSchema(prop *gateway.Property) *genai.Schema {
	schema := &genai.Schema{
		Description: prop.Description,
	}
	switch prop.Type {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = geminiSchema(prop.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if prop.Properties != nil {
			properties := make(map[string]*genai.Schema)
			for name, child := range prop.Properties {
				if child != nil {
					properties[name] = geminiSchema(child)
				}
			}
			schema.Properties = properties
		}
	default:
		schema.Type = genai.TypeString
	}
	if len(prop.Enum) > 0 {
		schema.Enum = prop.Enum
	}
	return schema
}

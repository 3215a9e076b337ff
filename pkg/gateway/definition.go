// Package gateway provides the client for the external tool-execution
// gateway: tool discovery, typed tool descriptors, and tool invocation with
// call-scoped timeouts.
package gateway

import (
	"encoding/json"
	"fmt"

	"supportflow/pkg/proto"
)

// Property describes a single field in a tool's input schema.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
}

// InputSchema is the JSON-schema object describing a tool's parameters.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// ToolDefinition describes one tool exposed by the gateway.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema InputSchema    `json:"input_schema"`
	Kind        proto.ToolKind `json:"kind"`
}

// RequiredSet returns the required parameter names as a set.
func (t *ToolDefinition) RequiredSet() map[string]struct{} {
	required := make(map[string]struct{}, len(t.InputSchema.Required))
	for _, name := range t.InputSchema.Required {
		required[name] = struct{}{}
	}
	return required
}

// SchemaJSON renders the input schema as a JSON document, used both for
// prompt enrichment and for parameter validation.
func (t *ToolDefinition) SchemaJSON() (string, error) {
	data, err := json.Marshal(t.InputSchema)
	if err != nil {
		return "", fmt.Errorf("marshal schema for %s: %w", t.Name, err)
	}
	return string(data), nil
}

// ContentItem is one typed element of a tool call result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Result is the raw outcome of a tool invocation.
type Result struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ParseResult decodes the first text content item. Tool results arrive as
// JSON encoded inside a text item; plain text that fails to decode is
// returned as-is so callers never lose the payload.
func ParseResult(res *Result) (any, error) {
	if res == nil || len(res.Content) == 0 {
		return nil, fmt.Errorf("empty tool result")
	}
	for i := range res.Content {
		item := &res.Content[i]
		if item.Type != "text" {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(item.Text), &decoded); err != nil {
			return item.Text, nil //nolint:nilerr // Plain-text results are valid
		}
		return decoded, nil
	}
	return nil, fmt.Errorf("tool result carried no text content")
}

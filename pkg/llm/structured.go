package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"supportflow/pkg/gateway"
	"supportflow/pkg/llm/llmerrors"
	"supportflow/pkg/logx"
)

// StructuredRequest describes one structured-output generation call. The
// output shape is declared as a tool schema and the model is forced to call
// it, which yields typed JSON instead of free text.
type StructuredRequest struct {
	System      string
	User        string
	OutputName  string
	Schema      gateway.InputSchema
	Temperature float32
	MaxTokens   int
}

// StructuredClient wraps an LLMClient with typed-object generation and a
// call-scoped timeout.
type StructuredClient struct {
	client  LLMClient
	timeout time.Duration
	logger  *logx.Logger
}

// NewStructuredClient creates a structured-output wrapper. A zero timeout
// disables the per-call deadline.
func NewStructuredClient(client LLMClient, timeout time.Duration) *StructuredClient {
	return &StructuredClient{
		client:  client,
		timeout: timeout,
		logger:  logx.NewLogger("llm"),
	}
}

// Generate runs one completion forced through the output tool and decodes
// the result into out. Shape failures come back as malformed-output errors,
// distinguishable from transport failures via llmerrors.IsMalformedOutput.
func (s *StructuredClient) Generate(ctx context.Context, req StructuredRequest, out any) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	completion := CompletionRequest{
		Messages: []CompletionMessage{
			NewSystemMessage(req.System),
			NewUserMessage(req.User),
		},
		Tools: []gateway.ToolDefinition{{
			Name:        req.OutputName,
			Description: "Record the structured result of this analysis.",
			InputSchema: req.Schema,
		}},
		ToolChoice:  "any",
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	start := time.Now()
	resp, err := s.client.Complete(ctx, completion)
	if err != nil {
		return err
	}
	s.logger.Debug("Structured call %s completed in %s", req.OutputName, time.Since(start).Round(time.Millisecond))

	call := findToolCall(resp.ToolCalls, req.OutputName)
	if call == nil {
		return llmerrors.NewError(llmerrors.ErrorTypeMalformedOutput,
			fmt.Sprintf("model did not call the %s output tool (stop reason: %s)", req.OutputName, resp.StopReason))
	}

	data, err := json.Marshal(call.Parameters)
	if err != nil {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeMalformedOutput, err, "re-encode tool parameters")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeMalformedOutput, err,
			fmt.Sprintf("output did not match the %s shape", req.OutputName))
	}
	return nil
}

// ModelName returns the underlying client's model name.
func (s *StructuredClient) ModelName() string {
	return s.client.GetModelName()
}

func findToolCall(calls []ToolCall, name string) *ToolCall {
	for i := range calls {
		if calls[i].Name == name {
			return &calls[i]
		}
	}
	if len(calls) > 0 {
		// Some models rename the forced tool; take the only call rather than
		// discarding a usable payload.
		return &calls[0]
	}
	return nil
}

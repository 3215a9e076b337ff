package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportflow/pkg/gateway"
	"supportflow/pkg/llm/llmerrors"
)

type verdictShape struct {
	Sufficient bool   `json:"sufficient"`
	Reason     string `json:"reason"`
}

func verdictSchema() gateway.InputSchema {
	return gateway.InputSchema{
		Type: "object",
		Properties: map[string]gateway.Property{
			"sufficient": {Type: "boolean"},
			"reason":     {Type: "string"},
		},
		Required: []string{"sufficient", "reason"},
	}
}

func TestStructuredGenerateDecodesToolCall(t *testing.T) {
	mock := NewMockClient()
	mock.QueueToolCall("record_verdict", map[string]any{"sufficient": true, "reason": "all data present"})

	client := NewStructuredClient(mock, 0)
	var out verdictShape
	err := client.Generate(context.Background(), StructuredRequest{
		System:     "judge",
		User:       "is it enough?",
		OutputName: "record_verdict",
		Schema:     verdictSchema(),
	}, &out)
	require.NoError(t, err)
	assert.True(t, out.Sufficient)
	assert.Equal(t, "all data present", out.Reason)

	// The output tool was forced.
	requests := mock.Requests()
	require.Len(t, requests, 1)
	require.Len(t, requests[0].Tools, 1)
	assert.Equal(t, "record_verdict", requests[0].Tools[0].Name)
	assert.Equal(t, "any", requests[0].ToolChoice)
}

func TestStructuredGenerateAcceptsRenamedToolCall(t *testing.T) {
	mock := NewMockClient()
	mock.QueueToolCall("some_other_name", map[string]any{"sufficient": false, "reason": "missing order data"})

	client := NewStructuredClient(mock, 0)
	var out verdictShape
	err := client.Generate(context.Background(), StructuredRequest{
		OutputName: "record_verdict",
		Schema:     verdictSchema(),
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "missing order data", out.Reason)
}

func TestStructuredGenerateNoToolCallIsMalformed(t *testing.T) {
	mock := NewMockClient()
	mock.QueueText("I think the data is sufficient.")

	client := NewStructuredClient(mock, 0)
	var out verdictShape
	err := client.Generate(context.Background(), StructuredRequest{
		OutputName: "record_verdict",
		Schema:     verdictSchema(),
	}, &out)
	require.Error(t, err)
	assert.True(t, llmerrors.IsMalformedOutput(err))
}

func TestStructuredGenerateShapeMismatchIsMalformed(t *testing.T) {
	mock := NewMockClient()
	mock.QueueToolCall("record_verdict", map[string]any{"sufficient": "yes"})

	client := NewStructuredClient(mock, 0)
	var out verdictShape
	err := client.Generate(context.Background(), StructuredRequest{
		OutputName: "record_verdict",
		Schema:     verdictSchema(),
	}, &out)
	require.Error(t, err)
	assert.True(t, llmerrors.IsMalformedOutput(err))
}

func TestStructuredGeneratePassesThroughTransportErrors(t *testing.T) {
	mock := NewMockClient()
	mock.QueueError(llmerrors.NewError(llmerrors.ErrorTypeTransient, "connection reset"))

	client := NewStructuredClient(mock, 0)
	var out verdictShape
	err := client.Generate(context.Background(), StructuredRequest{
		OutputName: "record_verdict",
		Schema:     verdictSchema(),
	}, &out)
	require.Error(t, err)
	assert.False(t, llmerrors.IsMalformedOutput(err))
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeTransient))
}

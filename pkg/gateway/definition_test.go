package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportflow/pkg/proto"
)

func TestParseResult(t *testing.T) {
	tests := []struct {
		name    string
		result  *Result
		want    any
		wantErr bool
	}{
		{
			name:   "json payload decodes",
			result: &Result{Content: []ContentItem{{Type: "text", Text: `{"match_found":true}`}}},
			want:   map[string]any{"match_found": true},
		},
		{
			name:   "plain text survives as-is",
			result: &Result{Content: []ContentItem{{Type: "text", Text: "no structured data"}}},
			want:   "no structured data",
		},
		{
			name: "first text item wins",
			result: &Result{Content: []ContentItem{
				{Type: "image"},
				{Type: "text", Text: `[1,2]`},
			}},
			want: []any{1.0, 2.0},
		},
		{
			name:    "nil result fails",
			result:  nil,
			wantErr: true,
		},
		{
			name:    "no text content fails",
			result:  &Result{Content: []ContentItem{{Type: "image"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResult(tt.result)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchemaJSON(t *testing.T) {
	tool := ToolDefinition{
		Name: "issue_refund",
		Kind: proto.ToolKindInternalAction,
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"amount": {Type: "number", Description: "refund amount"},
			},
			Required: []string{"amount"},
		},
	}

	doc, err := tool.SchemaJSON()
	require.NoError(t, err)
	assert.Contains(t, doc, `"amount"`)
	assert.Contains(t, doc, `"required":["amount"]`)

	assert.Equal(t, map[string]struct{}{"amount": {}}, tool.RequiredSet())
}

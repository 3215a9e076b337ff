// Package schema validates action-tool parameters against their declared
// JSON schemas and injects runtime-trusted values over model-supplied ones.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"supportflow/pkg/gateway"
)

// TrustedValues carries the runtime values that always override whatever the
// model proposed. The model is never the source of truth for these.
type TrustedValues struct {
	ConversationID string
	DryRun         bool
}

// Inject overlays trusted values onto params for every matching parameter
// the tool's schema declares. Returns the merged copy; params is not
// mutated.
func Inject(tool *gateway.ToolDefinition, params map[string]any, trusted TrustedValues) map[string]any {
	merged := make(map[string]any, len(params)+2)
	for k, v := range params {
		merged[k] = v
	}
	if _, declared := tool.InputSchema.Properties["conversation_id"]; declared {
		merged["conversation_id"] = trusted.ConversationID
	}
	if _, declared := tool.InputSchema.Properties["dry_run"]; declared {
		merged["dry_run"] = trusted.DryRun
	}
	return merged
}

// CheckRequired reports which required parameters are still missing after
// injection.
func CheckRequired(tool *gateway.ToolDefinition, params map[string]any) error {
	var missing []string
	for _, name := range tool.InputSchema.Required {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("tool %s missing required parameters: %s", tool.Name, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateParams validates the parameter set against the tool's declared
// input schema. The returned error text is suitable for threading back into
// a retry prompt.
func ValidateParams(tool *gateway.ToolDefinition, params map[string]any) error {
	schemaDoc, err := tool.SchemaJSON()
	if err != nil {
		return err
	}

	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("inline://%s.schema.json", tool.Name)
	if err := compiler.AddResource(resource, strings.NewReader(schemaDoc)); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", tool.Name, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", tool.Name, err)
	}

	// Round-trip through JSON so typed values (e.g. int vs float64) are
	// normalized the way the validator expects.
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal parameters for %s: %w", tool.Name, err)
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("normalize parameters for %s: %w", tool.Name, err)
	}

	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("parameters for %s failed schema validation: %v", tool.Name, err)
	}
	return nil
}

package stages

import (
	"encoding/json"
	"fmt"
	"strings"

	"supportflow/pkg/gateway"
	"supportflow/pkg/proto"
	"supportflow/pkg/state"
)

// transcriptTokenLimit bounds the prompt material built from the
// conversation transcript. Older turns are dropped first.
const transcriptTokenLimit = 8000

// transcript renders the conversation turns oldest-first, truncated from the
// head so the most recent turns always survive.
func (d *Deps) transcript(st *state.ConversationState) string {
	var b strings.Builder
	for i := range st.Messages {
		msg := &st.Messages[i]
		author := "Customer"
		if msg.Role == proto.RoleAssistant {
			author = "Agent"
		}
		fmt.Fprintf(&b, "%s: %s\n", author, msg.Text)
		for _, attachment := range msg.Attachments {
			fmt.Fprintf(&b, "  [attachment: %s]\n", attachment)
		}
	}
	return d.Tokens.TruncateHead(b.String(), transcriptTokenLimit)
}

// toolCatalog renders name, kind, and description for each tool, one per
// line. Used by the plan prompt.
func toolCatalog(tools []gateway.ToolDefinition) string {
	var b strings.Builder
	for i := range tools {
		t := &tools[i]
		fmt.Fprintf(&b, "- %s (%s): %s\n", t.Name, t.Kind, t.Description)
	}
	return b.String()
}

// actionCatalog renders each action candidate with its full parameter
// schema, so the coverage model can emit complete parameter sets.
func actionCatalog(tools []gateway.ToolDefinition) string {
	var b strings.Builder
	for i := range tools {
		t := &tools[i]
		doc, err := t.SchemaJSON()
		if err != nil {
			doc = "{}"
		}
		fmt.Fprintf(&b, "### %s\n%s\nParameters: %s\n\n", t.Name, t.Description, doc)
	}
	return b.String()
}

// renderJSON pretty-prints a value for prompt interpolation. Never fails;
// unrenderable values degrade to their Go representation.
func renderJSON(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// executedActionsSummary renders the action history for the coverage prompt.
func executedActionsSummary(st *state.ConversationState) string {
	if len(st.Actions) == 0 {
		return ""
	}
	var b strings.Builder
	for i := range st.Actions {
		a := &st.Actions[i]
		outcome := "succeeded"
		if !a.Success {
			outcome = fmt.Sprintf("failed: %s", a.Error)
		}
		fmt.Fprintf(&b, "- %s (hop %d): %s\n", a.ToolName, a.Hop, outcome)
	}
	return b.String()
}

// escalateWithError records a fatal stage error and routes to Escalate.
func escalateWithError(st *state.ConversationState, err error) {
	st.SetError(err)
	if st.EscalationReason == "" {
		st.EscalationReason = err.Error()
	}
	st.Route(proto.RouteEscalate)
}

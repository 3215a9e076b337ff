package stages

import (
	"context"
	"fmt"

	"supportflow/pkg/gateway"
	"supportflow/pkg/llm"
	"supportflow/pkg/prompts"
	"supportflow/pkg/proto"
	"supportflow/pkg/state"
)

type draftResponse struct {
	ResponseText     string `json:"response_text"`
	ResponseKind     string `json:"response_kind"`
	EscalationReason string `json:"escalation_reason"`
}

func draftSchema() gateway.InputSchema {
	return gateway.InputSchema{
		Type: "object",
		Properties: map[string]gateway.Property{
			"response_text": {Type: "string", Description: "The complete reply to send to the customer."},
			"response_kind": {
				Type:        "string",
				Description: "REPLY answers the customer; ROUTE_TO_TEAM is closure text before a human handoff.",
				Enum:        []string{"REPLY", "ROUTE_TO_TEAM"},
			},
			"escalation_reason": {Type: "string", Description: "Required when response_kind is ROUTE_TO_TEAM."},
		},
		Required: []string{"response_text", "response_kind"},
	}
}

// Draft generates the candidate reply. On a validation retry the failed
// verdict is threaded into the prompt so the next draft can address it. A
// ROUTE_TO_TEAM draft still proceeds through validation like any reply.
func (d *Deps) Draft(ctx context.Context, st *state.ConversationState) error {
	logger := d.logger(st.RunID)

	data := &prompts.Data{
		Subject:         st.Subject,
		Transcript:      d.transcript(st),
		UserName:        st.User.Name,
		AccumulatedData: renderJSON(st.ToolData),
		DocsData:        renderJSON(st.DocsData),
		ExecutedActions: executedActionsSummary(st),
	}
	if coverage := st.LatestCoverage(); coverage != nil {
		data.CoverageReasoning = coverage.Reasoning
	}
	if st.Procedure != nil {
		data.ProcedureTitle = st.Procedure.Title
		data.ProcedureContent = st.Procedure.Content
	}
	if last := st.LastValidation(); last != nil && !last.Passed {
		data.ValidationFeedback = last.RawVerdict
	}

	prompt, err := d.Prompts.Render(prompts.DraftTemplate, data)
	if err != nil {
		escalateWithError(st, fmt.Errorf("draft: %w", err))
		return nil
	}

	var resp draftResponse
	err = d.LLM.Generate(ctx, llm.StructuredRequest{
		System:      "You write the reply for a customer support conversation, grounded strictly in the data provided.",
		User:        prompt,
		OutputName:  "record_draft",
		Schema:      draftSchema(),
		Temperature: llm.TemperatureDrafter,
	}, &resp)
	if err != nil {
		escalateWithError(st, fmt.Errorf("draft: generation failed: %w", err))
		return nil
	}
	if resp.ResponseText == "" {
		escalateWithError(st, fmt.Errorf("draft: model returned an empty reply"))
		return nil
	}

	kind := proto.ResponseKind(resp.ResponseKind)
	if kind != proto.ResponseReply && kind != proto.ResponseRouteToTeam {
		logger.Warn("Draft returned unknown response kind %q; treating as REPLY", resp.ResponseKind)
		kind = proto.ResponseReply
	}

	st.CurrentDraft = &state.Draft{
		Text:             resp.ResponseText,
		Kind:             kind,
		EscalationReason: resp.EscalationReason,
	}
	logger.Info("✍️ Draft ready: kind=%s, %d chars (attempt %d)", kind, len(resp.ResponseText), st.ValidationAttempts()+1)
	st.Route(proto.RouteValidate)
	return nil
}

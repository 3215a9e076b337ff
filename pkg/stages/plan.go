package stages

import (
	"context"
	"fmt"

	"supportflow/pkg/gateway"
	"supportflow/pkg/llm"
	"supportflow/pkg/metrics"
	"supportflow/pkg/prompts"
	"supportflow/pkg/proto"
	"supportflow/pkg/state"
)

type plannedCall struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
	Reasoning  string         `json:"reasoning"`
}

type planResponse struct {
	Reasoning   string        `json:"reasoning"`
	GatherCalls []plannedCall `json:"gather_calls"`
	ActionCalls []plannedCall `json:"action_calls"`
}

func planSchema() gateway.InputSchema {
	call := gateway.Property{
		Type: "object",
		Properties: map[string]*gateway.Property{
			"tool_name":  {Type: "string", Description: "Exact name of a tool from the catalog."},
			"parameters": {Type: "object", Description: "Parameters for the call."},
			"reasoning":  {Type: "string", Description: "Why this call is needed."},
		},
	}
	return gateway.InputSchema{
		Type: "object",
		Properties: map[string]gateway.Property{
			"reasoning":    {Type: "string", Description: "Overall plan reasoning for this hop."},
			"gather_calls": {Type: "array", Description: "Data-fetching calls to run this hop.", Items: &call},
			"action_calls": {Type: "array", Description: "Action calls proposed for later consideration.", Items: &call},
		},
		Required: []string{"reasoning", "gather_calls", "action_calls"},
	}
}

// Plan opens a new hop and asks the model which tool calls this hop should
// run. Invented tool names are dropped, never executed. A generation failure
// is fatal; the planner has no business fallback.
func (d *Deps) Plan(ctx context.Context, st *state.ConversationState) error {
	logger := d.logger(st.RunID)
	hop := st.BeginHop()
	metrics.HopsTotal.Inc()

	data := &prompts.Data{
		Subject:         st.Subject,
		Transcript:      d.transcript(st),
		UserName:        st.User.Name,
		ToolCatalog:     toolCatalog(st.Tools),
		AccumulatedData: renderJSON(st.ToolData),
		DocsData:        renderJSON(st.DocsData),
		HopNumber:       hop.Number,
		MaxHops:         st.MaxHops,
	}
	if st.Procedure != nil {
		data.ProcedureTitle = st.Procedure.Title
		data.ProcedureContent = st.Procedure.Content
	}
	prompt, err := d.Prompts.Render(prompts.PlanTemplate, data)
	if err != nil {
		escalateWithError(st, fmt.Errorf("plan hop %d: %w", hop.Number, err))
		return nil
	}

	var resp planResponse
	err = d.LLM.Generate(ctx, llm.StructuredRequest{
		System:      "You plan tool calls for a customer support conversation. Use only tools from the catalog.",
		User:        prompt,
		OutputName:  "record_plan",
		Schema:      planSchema(),
		Temperature: llm.TemperaturePlanner,
	}, &resp)
	if err != nil {
		escalateWithError(st, fmt.Errorf("plan hop %d: generation failed: %w", hop.Number, err))
		return nil
	}

	record := &state.PlanRecord{Reasoning: resp.Reasoning}
	for _, call := range resp.GatherCalls {
		tool, ok := st.FindTool(call.ToolName)
		if !ok {
			logger.Warn("Plan hop %d proposed unknown gather tool %q; dropped", hop.Number, call.ToolName)
			continue
		}
		if tool.Kind.IsAction() {
			logger.Warn("Plan hop %d listed action tool %q as a gather call; moved to actions", hop.Number, call.ToolName)
			record.ActionCalls = append(record.ActionCalls, state.PlannedCall(call))
			continue
		}
		record.GatherCalls = append(record.GatherCalls, state.PlannedCall(call))
	}
	for _, call := range resp.ActionCalls {
		tool, ok := st.FindTool(call.ToolName)
		if !ok {
			logger.Warn("Plan hop %d proposed unknown action tool %q; dropped", hop.Number, call.ToolName)
			continue
		}
		if !tool.Kind.IsAction() {
			logger.Warn("Plan hop %d listed gather tool %q as an action; dropped from actions", hop.Number, call.ToolName)
			continue
		}
		record.ActionCalls = append(record.ActionCalls, state.PlannedCall(call))
	}

	hop.Plan = record
	logger.Info("🗺️ Plan hop %d: %d gather calls, %d proposed actions",
		hop.Number, len(record.GatherCalls), len(record.ActionCalls))
	st.Route(proto.RouteGather)
	return nil
}

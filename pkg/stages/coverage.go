package stages

import (
	"context"
	"fmt"

	"supportflow/pkg/gateway"
	"supportflow/pkg/llm"
	"supportflow/pkg/llm/llmerrors"
	"supportflow/pkg/prompts"
	"supportflow/pkg/proto"
	"supportflow/pkg/schema"
	"supportflow/pkg/state"
)

type coverageGap struct {
	GapType     string `json:"gap_type"`
	Description string `json:"description"`
}

type coverageDecision struct {
	ToolName   string         `json:"action_tool_name"`
	Reasoning  string         `json:"reasoning"`
	Parameters map[string]any `json:"parameters"`
}

type coverageResponse struct {
	DataSufficient   bool              `json:"data_sufficient"`
	MissingData      []coverageGap     `json:"missing_data"`
	Reasoning        string            `json:"reasoning"`
	Confidence       float64           `json:"confidence"`
	NextAction       string            `json:"next_action"`
	EscalationReason string            `json:"escalation_reason"`
	ActionDecision   *coverageDecision `json:"action_decision"`
}

func coverageSchema() gateway.InputSchema {
	gap := gateway.Property{
		Type: "object",
		Properties: map[string]*gateway.Property{
			"gap_type":    {Type: "string", Description: "Category of the missing data."},
			"description": {Type: "string", Description: "What is missing and why it matters."},
		},
	}
	return gateway.InputSchema{
		Type: "object",
		Properties: map[string]gateway.Property{
			"data_sufficient": {Type: "boolean", Description: "Whether the accumulated data can support a reply."},
			"missing_data":    {Type: "array", Description: "Specific gaps when data is insufficient.", Items: &gap},
			"reasoning":       {Type: "string", Description: "The sufficiency judgement in full."},
			"confidence":      {Type: "number", Description: "Confidence in the judgement, 0 to 1."},
			"next_action": {
				Type:        "string",
				Description: "What the run should do next.",
				Enum:        []string{"continue", "gather_more", "execute_action", "escalate"},
			},
			"escalation_reason": {Type: "string", Description: "Required when next_action is escalate."},
			"action_decision": {
				Type:        "object",
				Description: "Required when next_action is execute_action.",
				Properties: map[string]*gateway.Property{
					"action_tool_name": {Type: "string", Description: "Exact name of the action tool to run."},
					"reasoning":        {Type: "string", Description: "Why this action should run now."},
					"parameters":       {Type: "object", Description: "Complete parameters per the tool's schema."},
				},
			},
		},
		Required: []string{"data_sufficient", "reasoning", "confidence", "next_action"},
	}
}

// Coverage judges whether the accumulated data can support a reply and picks
// the run's next move. Business overrides run after the model's choice: hop
// and action ceilings are enforced here, and an action naming a tool the
// plan never proposed is demoted to drafting. Malformed output and invalid
// action parameters retry with feedback a bounded number of times before
// escalating.
func (d *Deps) Coverage(ctx context.Context, st *state.ConversationState) error {
	logger := d.logger(st.RunID)
	hop := st.CurrentHop()
	if hop == nil || hop.Plan == nil {
		escalateWithError(st, fmt.Errorf("coverage reached without a planned hop"))
		return nil
	}

	candidates := d.actionCandidates(st, hop)
	malformedLeft := d.Config.Limits.MalformedOutputRetries
	paramsLeft := d.Config.Limits.InvalidParamsRetries
	feedback := ""

	for {
		resp, err := d.coverageCall(ctx, st, hop, candidates, feedback)
		if err != nil {
			if llmerrors.IsMalformedOutput(err) && malformedLeft > 0 {
				malformedLeft--
				feedback = err.Error()
				logger.Warn("Coverage hop %d output malformed, retrying (%d left): %v", hop.Number, malformedLeft, err)
				continue
			}
			escalateWithError(st, fmt.Errorf("coverage hop %d: %w", hop.Number, err))
			return nil
		}

		record := &state.CoverageRecord{
			DataSufficient:   resp.DataSufficient,
			Reasoning:        resp.Reasoning,
			Confidence:       resp.Confidence,
			NextAction:       proto.CoverageNextAction(resp.NextAction),
			EscalationReason: resp.EscalationReason,
		}
		for _, gap := range resp.MissingData {
			record.MissingData = append(record.MissingData, state.DataGap(gap))
		}
		if resp.ActionDecision != nil {
			record.ActionDecision = &state.ActionDecision{
				ToolName:   resp.ActionDecision.ToolName,
				Reasoning:  resp.ActionDecision.Reasoning,
				Parameters: resp.ActionDecision.Parameters,
			}
		}

		switch record.NextAction {
		case proto.CoverageContinue, proto.CoverageGatherMore, proto.CoverageExecuteAction, proto.CoverageEscalate:
		default:
			if malformedLeft > 0 {
				malformedLeft--
				feedback = fmt.Sprintf("next_action %q is not a valid choice", resp.NextAction)
				continue
			}
			escalateWithError(st, fmt.Errorf("coverage hop %d: model returned unusable next_action %q", hop.Number, resp.NextAction))
			return nil
		}
		if record.NextAction == proto.CoverageExecuteAction && record.ActionDecision == nil {
			if malformedLeft > 0 {
				malformedLeft--
				feedback = "next_action was execute_action but action_decision was missing"
				continue
			}
			escalateWithError(st, fmt.Errorf("coverage hop %d: execute_action without an action decision", hop.Number))
			return nil
		}

		d.applyOverrides(st, record, candidates)

		if record.NextAction == proto.CoverageExecuteAction {
			retry, fatal := d.prepareAction(st, record)
			if fatal != nil {
				hop.Coverage = record
				record.NextAction = proto.CoverageEscalate
				record.EscalationReason = fatal.Error()
				escalateWithError(st, fatal)
				return nil
			}
			if retry != "" {
				if paramsLeft > 0 {
					paramsLeft--
					feedback = retry
					logger.Warn("Coverage hop %d action parameters invalid, retrying (%d left): %s", hop.Number, paramsLeft, retry)
					continue
				}
				hop.Coverage = record
				record.NextAction = proto.CoverageEscalate
				record.EscalationReason = fmt.Sprintf("action parameter validation failed for %s: %s", record.ActionDecision.ToolName, retry)
				st.EscalationReason = record.EscalationReason
				st.Route(proto.RouteEscalate)
				return nil
			}
		}

		hop.Coverage = record
		logger.Info("📊 Coverage hop %d: sufficient=%t next=%s confidence=%.2f overridden=%t",
			hop.Number, record.DataSufficient, record.NextAction, record.Confidence, record.Overridden)

		switch record.NextAction {
		case proto.CoverageContinue:
			st.Route(proto.RouteRespond)
		case proto.CoverageGatherMore:
			st.Route(proto.RoutePlan)
		case proto.CoverageExecuteAction:
			st.Route(proto.RouteAction)
		case proto.CoverageEscalate:
			st.EscalationReason = record.EscalationReason
			st.Route(proto.RouteEscalate)
		}
		return nil
	}
}

// actionCandidates resolves the action tools coverage may legitimately pick:
// the plan's proposals plus any procedure-mandated tools, restricted to the
// capability list.
func (d *Deps) actionCandidates(st *state.ConversationState, hop *state.HopRecord) []gateway.ToolDefinition {
	seen := make(map[string]bool)
	var out []gateway.ToolDefinition
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if tool, ok := st.FindTool(name); ok && tool.Kind.IsAction() {
			out = append(out, *tool)
		}
	}
	for _, call := range hop.Plan.ActionCalls {
		add(call.ToolName)
	}
	for _, name := range st.ProcedureActionTools {
		add(name)
	}
	return out
}

func (d *Deps) coverageCall(ctx context.Context, st *state.ConversationState, hop *state.HopRecord, candidates []gateway.ToolDefinition, feedback string) (*coverageResponse, error) {
	data := &prompts.Data{
		Subject:         st.Subject,
		Transcript:      d.transcript(st),
		AccumulatedData: renderJSON(st.ToolData),
		DocsData:        renderJSON(st.DocsData),
		ActionCatalog:   actionCatalog(candidates),
		ExecutedActions: executedActionsSummary(st),
		HopNumber:       hop.Number,
		MaxHops:         st.MaxHops,
		ActionsTaken:    st.ActionsTaken,
		MaxActions:      st.MaxActions,
		ErrorFeedback:   feedback,
	}
	if hop.Plan != nil {
		data.CoverageReasoning = hop.Plan.Reasoning
	}
	if st.Procedure != nil {
		data.ProcedureTitle = st.Procedure.Title
		data.ProcedureContent = st.Procedure.Content
	}
	prompt, err := d.Prompts.Render(prompts.CoverageTemplate, data)
	if err != nil {
		return nil, err
	}

	var resp coverageResponse
	err = d.LLM.Generate(ctx, llm.StructuredRequest{
		System:      "You judge whether the gathered data is sufficient to answer a customer support conversation, and decide the next step.",
		User:        prompt,
		OutputName:  "record_coverage",
		Schema:      coverageSchema(),
		Temperature: llm.TemperaturePlanner,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// applyOverrides enforces the run ceilings on the model's choice. Overrides
// are idempotent: re-applying them to an already overridden record changes
// nothing.
func (d *Deps) applyOverrides(st *state.ConversationState, record *state.CoverageRecord, candidates []gateway.ToolDefinition) {
	if record.NextAction == proto.CoverageGatherMore && st.HopNumber() >= st.MaxHops {
		record.Overridden = true
		record.OverrideReason = fmt.Sprintf("exceeded maximum hops (%d)", st.MaxHops)
		record.NextAction = proto.CoverageEscalate
		record.EscalationReason = record.OverrideReason
		return
	}
	if record.NextAction != proto.CoverageExecuteAction {
		return
	}
	if st.ActionsTaken >= st.MaxActions {
		record.Overridden = true
		record.OverrideReason = fmt.Sprintf("action ceiling reached (%d); proceeding to draft", st.MaxActions)
		record.NextAction = proto.CoverageContinue
		return
	}
	if record.ActionDecision != nil {
		for i := range candidates {
			if candidates[i].Name == record.ActionDecision.ToolName {
				return
			}
		}
		record.Overridden = true
		record.OverrideReason = fmt.Sprintf("tool %s was never proposed by the plan; proceeding to draft", record.ActionDecision.ToolName)
		record.NextAction = proto.CoverageContinue
	}
}

// prepareAction injects trusted values and validates the decision's
// parameters against the tool schema. Returns retry feedback for repairable
// failures, or a fatal error when the tool itself is unusable.
func (d *Deps) prepareAction(st *state.ConversationState, record *state.CoverageRecord) (retry string, fatal error) {
	decision := record.ActionDecision
	tool, ok := st.FindTool(decision.ToolName)
	if !ok {
		return "", fmt.Errorf("action tool %s is not in the capability list", decision.ToolName)
	}

	merged := schema.Inject(tool, decision.Parameters, schema.TrustedValues{
		ConversationID: st.ConversationID,
		DryRun:         st.DryRun,
	})
	if err := schema.CheckRequired(tool, merged); err != nil {
		return err.Error(), nil
	}
	if err := schema.ValidateParams(tool, merged); err != nil {
		return err.Error(), nil
	}
	decision.Parameters = merged
	return "", nil
}

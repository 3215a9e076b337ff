package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportflow/pkg/config"
	"supportflow/pkg/gateway"
	"supportflow/pkg/llm"
	"supportflow/pkg/logx"
	"supportflow/pkg/procedures"
	"supportflow/pkg/prompts"
	"supportflow/pkg/proto"
	"supportflow/pkg/state"
	"supportflow/pkg/ticketing"
	"supportflow/pkg/tokens"
	"supportflow/pkg/validator"
)

type fixture struct {
	cfg       *config.Config
	deps      *Deps
	llm       *llm.MockClient
	gateway   *gateway.MockClient
	ticketing *ticketing.MockClient
	store     *procedures.MockStore
	validator *validator.MockClient
}

func newFixture(t *testing.T, tools ...gateway.ToolDefinition) *fixture {
	t.Helper()

	renderer, err := prompts.NewRenderer()
	require.NoError(t, err)
	counter, err := tokens.NewCounter()
	require.NoError(t, err)

	cfg := config.Default()
	f := &fixture{
		cfg:       &cfg,
		llm:       llm.NewMockClient(),
		gateway:   gateway.NewMockClient(tools),
		ticketing: ticketing.NewMockClient(),
		store:     procedures.NewMockStore(),
		validator: validator.NewMockClient(),
	}
	f.deps = &Deps{
		Config:     f.cfg,
		LLM:        llm.NewStructuredClient(f.llm, 0),
		Gateway:    f.gateway,
		Ticketing:  f.ticketing,
		Procedures: f.store,
		Validator:  f.validator,
		Prompts:    renderer,
		Tokens:     counter,
		Logger:     logx.NewLogger("test"),
	}
	return f
}

func gatherTool(name string) gateway.ToolDefinition {
	return gateway.ToolDefinition{
		Name:        name,
		Description: "fetches data",
		Kind:        proto.ToolKindGather,
		InputSchema: gateway.InputSchema{
			Type: "object",
			Properties: map[string]gateway.Property{
				"conversation_id": {Type: "string"},
				"query":           {Type: "string"},
			},
		},
	}
}

func actionTool(name string, required ...string) gateway.ToolDefinition {
	props := map[string]gateway.Property{
		"conversation_id": {Type: "string"},
	}
	for _, r := range required {
		props[r] = gateway.Property{Type: "string"}
	}
	return gateway.ToolDefinition{
		Name:        name,
		Description: "performs a side effect",
		Kind:        proto.ToolKindInternalAction,
		InputSchema: gateway.InputSchema{Type: "object", Properties: props, Required: required},
	}
}

func newState(tools ...gateway.ToolDefinition) *state.ConversationState {
	st := state.New("run1", "conv1")
	st.Subject = "Refund request"
	st.Messages = []state.Message{{Role: proto.RoleUser, Text: "I need help with my refund."}}
	st.Tools = tools
	return st
}

// beginPlannedHop opens a hop with a plan record, the precondition for
// Gather, Coverage, and Action.
func beginPlannedHop(st *state.ConversationState, plan *state.PlanRecord) *state.HopRecord {
	hop := st.BeginHop()
	hop.Plan = plan
	return hop
}

func coveragePayload(next string, overrides map[string]any) map[string]any {
	payload := map[string]any{
		"data_sufficient": true,
		"reasoning":       "enough data",
		"confidence":      0.9,
		"next_action":     next,
	}
	for k, v := range overrides {
		payload[k] = v
	}
	return payload
}

func TestInitializeRequiresConversationID(t *testing.T) {
	f := newFixture(t)
	st := state.New("run1", "")

	require.NoError(t, f.deps.Initialize(context.Background(), st))

	assert.Equal(t, proto.RouteEscalate, st.NextRoute)
	assert.True(t, st.HasError())
}

func TestInitializeFetchesConversationAndFiltersTools(t *testing.T) {
	tools := []gateway.ToolDefinition{
		gatherTool("lookup_account"),
		actionTool("issue_refund", "amount"),
		{Name: "search_procedures", Kind: proto.ToolKindGather},
		{Name: "untyped_tool"},
	}
	f := newFixture(t, tools...)
	f.ticketing.Conversations["conv1"] = &ticketing.Conversation{
		ID:          "conv1",
		Subject:     "Refund request",
		ContactName: "Dana",
		Messages:    []ticketing.Message{{Role: proto.RoleUser, Text: "Where is my refund?"}},
	}

	st := state.New("run1", "conv1")
	require.NoError(t, f.deps.Initialize(context.Background(), st))

	assert.Equal(t, proto.RouteProcedure, st.NextRoute)
	assert.Equal(t, "Refund request", st.Subject)
	assert.Equal(t, "Dana", st.User.Name)
	require.Len(t, st.Messages, 1)

	names := make([]string, 0, len(st.Tools))
	for i := range st.Tools {
		names = append(names, st.Tools[i].Name)
	}
	assert.NotContains(t, names, "search_procedures")
	assert.Contains(t, names, "untyped_tool")
	untyped, ok := st.FindTool("untyped_tool")
	require.True(t, ok)
	assert.Equal(t, proto.ToolKindGather, untyped.Kind)

	assert.Equal(t, f.cfg.Limits.MaxHops, st.MaxHops)
	assert.Equal(t, f.cfg.Limits.MaxActions, st.MaxActions)
}

func TestInitializeEscalatesOnFetchFailure(t *testing.T) {
	f := newFixture(t, gatherTool("lookup_account"))

	st := state.New("run1", "missing")
	require.NoError(t, f.deps.Initialize(context.Background(), st))

	assert.Equal(t, proto.RouteEscalate, st.NextRoute)
	assert.True(t, st.HasError())
}

func TestProcedureDirectFetchRestrictsTools(t *testing.T) {
	f := newFixture(t)
	f.store.ByID["proc-1"] = &procedures.Procedure{
		ID:           "proc-1",
		Title:        "Refund handling",
		Content:      "Verify the order, then refund.",
		ActionTools:  []string{"issue_refund"},
		AllowedTools: []string{"lookup_account"},
	}

	st := newState(gatherTool("lookup_account"), gatherTool("lookup_orders"), actionTool("issue_refund", "amount"))
	st.RequestedProcedureID = "proc-1"
	require.NoError(t, f.deps.Procedure(context.Background(), st))

	assert.Equal(t, proto.RoutePlan, st.NextRoute)
	require.NotNil(t, st.Procedure)
	assert.Equal(t, []string{"issue_refund"}, st.ProcedureActionTools)

	_, hasDropped := st.FindTool("lookup_orders")
	assert.False(t, hasDropped)
	_, hasAllowed := st.FindTool("lookup_account")
	assert.True(t, hasAllowed)
	_, hasMandated := st.FindTool("issue_refund")
	assert.True(t, hasMandated)

	assert.Equal(t, []string{"proc-1"}, f.store.Selections)
	require.NotEmpty(t, f.ticketing.Notes)
	assert.Contains(t, f.ticketing.Notes[0], "📋 Procedure matched")
}

func TestProcedureNoMatchContinuesUnguided(t *testing.T) {
	f := newFixture(t)

	st := newState(gatherTool("lookup_account"))
	require.NoError(t, f.deps.Procedure(context.Background(), st))

	assert.Equal(t, proto.RoutePlan, st.NextRoute)
	assert.Nil(t, st.Procedure)
	assert.False(t, st.HasError())
}

func TestProcedureStoreFailureContinuesUnguided(t *testing.T) {
	f := newFixture(t)
	f.store.MatchErr = fmt.Errorf("store unavailable")

	st := newState(gatherTool("lookup_account"))
	require.NoError(t, f.deps.Procedure(context.Background(), st))

	assert.Equal(t, proto.RoutePlan, st.NextRoute)
	assert.Nil(t, st.Procedure)
}

func TestPlanDropsInventedTools(t *testing.T) {
	f := newFixture(t)
	f.llm.QueueToolCall("record_plan", map[string]any{
		"reasoning": "look up the account first",
		"gather_calls": []map[string]any{
			{"tool_name": "lookup_account", "parameters": map[string]any{}, "reasoning": "need account"},
			{"tool_name": "made_up_tool", "parameters": map[string]any{}, "reasoning": "hallucinated"},
		},
		"action_calls": []map[string]any{
			{"tool_name": "issue_refund", "parameters": map[string]any{}, "reasoning": "may need a refund"},
		},
	})

	st := newState(gatherTool("lookup_account"), actionTool("issue_refund", "amount"))
	require.NoError(t, f.deps.Plan(context.Background(), st))

	assert.Equal(t, proto.RouteGather, st.NextRoute)
	require.Equal(t, 1, st.HopNumber())
	hop := st.CurrentHop()
	require.NotNil(t, hop.Plan)
	require.Len(t, hop.Plan.GatherCalls, 1)
	assert.Equal(t, "lookup_account", hop.Plan.GatherCalls[0].ToolName)
	require.Len(t, hop.Plan.ActionCalls, 1)
	assert.Equal(t, "issue_refund", hop.Plan.ActionCalls[0].ToolName)
}

func TestPlanGenerationFailureEscalates(t *testing.T) {
	f := newFixture(t)
	f.llm.QueueError(fmt.Errorf("provider down"))

	st := newState(gatherTool("lookup_account"))
	require.NoError(t, f.deps.Plan(context.Background(), st))

	assert.Equal(t, proto.RouteEscalate, st.NextRoute)
	assert.True(t, st.HasError())
}

func TestGatherIsolatesPerCallFailures(t *testing.T) {
	f := newFixture(t, gatherTool("lookup_account"), gatherTool("lookup_orders"))
	f.gateway.StubResult("lookup_account", map[string]any{"plan": "pro"})
	f.gateway.StubError("lookup_orders", fmt.Errorf("backend timeout"))

	st := newState(gatherTool("lookup_account"), gatherTool("lookup_orders"))
	beginPlannedHop(st, &state.PlanRecord{GatherCalls: []state.PlannedCall{
		{ToolName: "lookup_account", Parameters: map[string]any{}},
		{ToolName: "lookup_orders", Parameters: map[string]any{}},
	}})

	require.NoError(t, f.deps.Gather(context.Background(), st))

	assert.Equal(t, proto.RouteCoverage, st.NextRoute)
	hop := st.CurrentHop()
	require.NotNil(t, hop.Gather)
	require.Len(t, hop.Gather.Calls, 2)
	assert.InDelta(t, 0.5, hop.Gather.SuccessRate, 0.001)
	assert.Contains(t, st.ToolData, "lookup_account")
	assert.NotContains(t, st.ToolData, "lookup_orders")

	// Trusted injection happened for the declared parameter.
	calls := f.gateway.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "conv1", calls[0].Params["conversation_id"])
	assert.Equal(t, f.cfg.Timeouts.Gather, calls[0].Timeout)
}

func TestGatherEmptyPlanHasFullSuccessRate(t *testing.T) {
	f := newFixture(t)

	st := newState(gatherTool("lookup_account"))
	beginPlannedHop(st, &state.PlanRecord{})

	require.NoError(t, f.deps.Gather(context.Background(), st))

	assert.Equal(t, proto.RouteCoverage, st.NextRoute)
	assert.InDelta(t, 1.0, st.CurrentHop().Gather.SuccessRate, 0.001)
}

func TestGatherKeysDocumentationByQuery(t *testing.T) {
	f := newFixture(t, gatherTool("search_documentation"))
	f.gateway.StubResult("search_documentation", map[string]any{"articles": []string{"refund policy"}})

	st := newState(gatherTool("search_documentation"))
	beginPlannedHop(st, &state.PlanRecord{GatherCalls: []state.PlannedCall{
		{ToolName: "search_documentation", Parameters: map[string]any{"query": "refund policy"}},
	}})

	require.NoError(t, f.deps.Gather(context.Background(), st))

	assert.Contains(t, st.DocsData, "refund policy (hop 1)")
	assert.NotContains(t, st.ToolData, "search_documentation")
}

func TestCoverageContinueRoutesToDraft(t *testing.T) {
	f := newFixture(t)
	f.llm.QueueToolCall("record_coverage", coveragePayload("continue", nil))

	st := newState(gatherTool("lookup_account"))
	beginPlannedHop(st, &state.PlanRecord{Reasoning: "looked up the account"})

	require.NoError(t, f.deps.Coverage(context.Background(), st))

	assert.Equal(t, proto.RouteRespond, st.NextRoute)
	coverage := st.CurrentHop().Coverage
	require.NotNil(t, coverage)
	assert.Equal(t, proto.CoverageContinue, coverage.NextAction)
	assert.False(t, coverage.Overridden)
}

func TestCoverageGatherMoreAtHopCeilingEscalates(t *testing.T) {
	f := newFixture(t)
	f.llm.QueueToolCall("record_coverage", coveragePayload("gather_more", nil))

	st := newState(gatherTool("lookup_account"))
	st.MaxHops = 1
	beginPlannedHop(st, &state.PlanRecord{})

	require.NoError(t, f.deps.Coverage(context.Background(), st))

	assert.Equal(t, proto.RouteEscalate, st.NextRoute)
	coverage := st.CurrentHop().Coverage
	require.NotNil(t, coverage)
	assert.Equal(t, proto.CoverageEscalate, coverage.NextAction)
	assert.True(t, coverage.Overridden)
	assert.Contains(t, coverage.EscalationReason, "exceeded maximum hops")
}

func TestCoverageActionAtCeilingDemotedToDraft(t *testing.T) {
	f := newFixture(t)
	f.llm.QueueToolCall("record_coverage", coveragePayload("execute_action", map[string]any{
		"action_decision": map[string]any{
			"action_tool_name": "issue_refund",
			"reasoning":        "refund is due",
			"parameters":       map[string]any{"amount": "10"},
		},
	}))

	st := newState(actionTool("issue_refund", "amount"))
	st.MaxActions = 1
	st.RecordAction(state.ActionRecord{ToolName: "issue_refund", Success: true, Hop: 1})
	hop := beginPlannedHop(st, &state.PlanRecord{ActionCalls: []state.PlannedCall{{ToolName: "issue_refund"}}})

	require.NoError(t, f.deps.Coverage(context.Background(), st))

	assert.Equal(t, proto.RouteRespond, st.NextRoute)
	assert.True(t, hop.Coverage.Overridden)
	assert.Equal(t, proto.CoverageContinue, hop.Coverage.NextAction)
}

func TestCoverageUnproposedToolDemotedToDraft(t *testing.T) {
	f := newFixture(t)
	f.llm.QueueToolCall("record_coverage", coveragePayload("execute_action", map[string]any{
		"action_decision": map[string]any{
			"action_tool_name": "close_account",
			"reasoning":        "sneaky",
			"parameters":       map[string]any{},
		},
	}))

	st := newState(actionTool("issue_refund", "amount"), actionTool("close_account"))
	hop := beginPlannedHop(st, &state.PlanRecord{ActionCalls: []state.PlannedCall{{ToolName: "issue_refund"}}})

	require.NoError(t, f.deps.Coverage(context.Background(), st))

	assert.Equal(t, proto.RouteRespond, st.NextRoute)
	assert.True(t, hop.Coverage.Overridden)
	assert.Contains(t, hop.Coverage.OverrideReason, "never proposed")
}

func TestCoverageProcedureMandatedToolIsProposable(t *testing.T) {
	f := newFixture(t)
	f.llm.QueueToolCall("record_coverage", coveragePayload("execute_action", map[string]any{
		"action_decision": map[string]any{
			"action_tool_name": "issue_refund",
			"reasoning":        "procedure mandates it",
			"parameters":       map[string]any{"amount": "10"},
		},
	}))

	st := newState(actionTool("issue_refund", "amount"))
	st.ProcedureActionTools = []string{"issue_refund"}
	beginPlannedHop(st, &state.PlanRecord{})

	require.NoError(t, f.deps.Coverage(context.Background(), st))

	assert.Equal(t, proto.RouteAction, st.NextRoute)
	decision := st.CurrentHop().Coverage.ActionDecision
	require.NotNil(t, decision)
	assert.Equal(t, "conv1", decision.Parameters["conversation_id"])
}

func TestCoverageMalformedOutputRetriesWithFeedback(t *testing.T) {
	f := newFixture(t)
	f.llm.QueueText("not a tool call")
	f.llm.QueueToolCall("record_coverage", coveragePayload("continue", nil))

	st := newState(gatherTool("lookup_account"))
	beginPlannedHop(st, &state.PlanRecord{})

	require.NoError(t, f.deps.Coverage(context.Background(), st))

	assert.Equal(t, proto.RouteRespond, st.NextRoute)
	requests := f.llm.Requests()
	require.Len(t, requests, 2)
	assert.Contains(t, requests[1].Messages[1].Content, "Previous attempt failed")
}

func TestCoverageMalformedOutputExhaustionEscalates(t *testing.T) {
	f := newFixture(t)
	f.cfg.Limits.MalformedOutputRetries = 1
	f.llm.QueueText("junk")
	f.llm.QueueText("still junk")

	st := newState(gatherTool("lookup_account"))
	beginPlannedHop(st, &state.PlanRecord{})

	require.NoError(t, f.deps.Coverage(context.Background(), st))

	assert.Equal(t, proto.RouteEscalate, st.NextRoute)
	assert.True(t, st.HasError())
}

func TestCoverageInvalidParamsRetryThenSuccess(t *testing.T) {
	f := newFixture(t)
	f.llm.QueueToolCall("record_coverage", coveragePayload("execute_action", map[string]any{
		"action_decision": map[string]any{
			"action_tool_name": "issue_refund",
			"reasoning":        "refund",
			"parameters":       map[string]any{},
		},
	}))
	f.llm.QueueToolCall("record_coverage", coveragePayload("execute_action", map[string]any{
		"action_decision": map[string]any{
			"action_tool_name": "issue_refund",
			"reasoning":        "refund",
			"parameters":       map[string]any{"amount": "10"},
		},
	}))

	st := newState(actionTool("issue_refund", "amount"))
	beginPlannedHop(st, &state.PlanRecord{ActionCalls: []state.PlannedCall{{ToolName: "issue_refund"}}})

	require.NoError(t, f.deps.Coverage(context.Background(), st))

	assert.Equal(t, proto.RouteAction, st.NextRoute)
	requests := f.llm.Requests()
	require.Len(t, requests, 2)
	assert.Contains(t, requests[1].Messages[1].Content, "missing required parameters")
}

func TestCoverageInvalidParamsExhaustionEscalates(t *testing.T) {
	f := newFixture(t)
	f.cfg.Limits.InvalidParamsRetries = 0
	f.llm.QueueToolCall("record_coverage", coveragePayload("execute_action", map[string]any{
		"action_decision": map[string]any{
			"action_tool_name": "issue_refund",
			"reasoning":        "refund",
			"parameters":       map[string]any{},
		},
	}))

	st := newState(actionTool("issue_refund", "amount"))
	beginPlannedHop(st, &state.PlanRecord{ActionCalls: []state.PlannedCall{{ToolName: "issue_refund"}}})

	require.NoError(t, f.deps.Coverage(context.Background(), st))

	assert.Equal(t, proto.RouteEscalate, st.NextRoute)
	coverage := st.CurrentHop().Coverage
	require.NotNil(t, coverage)
	assert.Equal(t, proto.CoverageEscalate, coverage.NextAction)
	assert.Contains(t, coverage.EscalationReason, "parameter validation failed")
	// Never falls through to a reply when parameters cannot be repaired.
	assert.NotEqual(t, proto.RouteRespond, st.NextRoute)
}

func TestActionSuccessReturnsToCoverage(t *testing.T) {
	f := newFixture(t, actionTool("issue_refund", "amount"))
	f.gateway.StubResult("issue_refund", map[string]any{"refund_id": "r-1"})

	st := newState(actionTool("issue_refund", "amount"))
	hop := beginPlannedHop(st, &state.PlanRecord{})
	hop.Coverage = &state.CoverageRecord{
		NextAction: proto.CoverageExecuteAction,
		ActionDecision: &state.ActionDecision{
			ToolName:   "issue_refund",
			Reasoning:  "refund is due",
			Parameters: map[string]any{"amount": "10", "conversation_id": "conv1"},
		},
	}

	require.NoError(t, f.deps.Action(context.Background(), st))

	assert.Equal(t, proto.RouteCoverage, st.NextRoute)
	require.Len(t, st.Actions, 1)
	assert.Equal(t, 1, st.ActionsTaken)
	assert.True(t, st.Actions[0].Success)
	assert.True(t, st.Actions[0].RequiresReview)
	require.NotEmpty(t, f.ticketing.Notes)
	assert.Contains(t, f.ticketing.Notes[0], "⚙️ Action executed: issue_refund")

	calls := f.gateway.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, f.cfg.Timeouts.Action, calls[0].Timeout)
}

func TestActionFailureEscalatesWithReview(t *testing.T) {
	f := newFixture(t, actionTool("issue_refund", "amount"))
	f.gateway.StubError("issue_refund", fmt.Errorf("backend rejected"))

	st := newState(actionTool("issue_refund", "amount"))
	hop := beginPlannedHop(st, &state.PlanRecord{})
	hop.Coverage = &state.CoverageRecord{
		NextAction: proto.CoverageExecuteAction,
		ActionDecision: &state.ActionDecision{
			ToolName:   "issue_refund",
			Parameters: map[string]any{"amount": "10"},
		},
	}

	require.NoError(t, f.deps.Action(context.Background(), st))

	assert.Equal(t, proto.RouteEscalate, st.NextRoute)
	require.Len(t, st.Actions, 1)
	assert.False(t, st.Actions[0].Success)
	assert.True(t, st.Actions[0].RequiresReview)
	assert.Contains(t, st.EscalationReason, "issue_refund failed")
}

func TestActionReviewPolicy(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		result   any
		exempt   []string
		requires bool
	}{
		{
			name:     "default requires review",
			tool:     "issue_refund",
			result:   map[string]any{"ok": true},
			requires: true,
		},
		{
			name:     "exempt tool skips review",
			tool:     "generate_reset_form_link",
			result:   map[string]any{"ok": true},
			exempt:   []string{"generate_reset_form_link"},
			requires: false,
		},
		{
			name:     "link tool without a match skips review",
			tool:     "match_and_link_conversation_to_ticket",
			result:   map[string]any{"match_found": false},
			requires: false,
		},
		{
			name:     "link tool with a match requires review",
			tool:     "match_and_link_conversation_to_ticket",
			result:   map[string]any{"match_found": true},
			requires: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.exempt != nil {
				f.cfg.ReviewExemptTools = tt.exempt
			}
			assert.Equal(t, tt.requires, f.deps.requiresReview(tt.tool, tt.result))
		})
	}
}

func TestDraftThreadsValidationFeedback(t *testing.T) {
	f := newFixture(t)
	f.llm.QueueToolCall("record_draft", map[string]any{
		"response_text": "Your refund has been processed.",
		"response_kind": "REPLY",
	})

	st := newState(gatherTool("lookup_account"))
	hop := beginPlannedHop(st, &state.PlanRecord{})
	hop.Coverage = &state.CoverageRecord{NextAction: proto.CoverageContinue, Reasoning: "data is sufficient"}
	st.AppendValidation(state.ValidationRecord{
		Passed:     false,
		RawVerdict: "tone too casual",
		NextStep:   proto.RouteDraft,
	})

	require.NoError(t, f.deps.Draft(context.Background(), st))

	assert.Equal(t, proto.RouteValidate, st.NextRoute)
	require.NotNil(t, st.CurrentDraft)
	assert.Equal(t, proto.ResponseReply, st.CurrentDraft.Kind)

	requests := f.llm.Requests()
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].Messages[1].Content, "tone too casual")
}

func TestDraftRouteToTeamStillValidates(t *testing.T) {
	f := newFixture(t)
	f.llm.QueueToolCall("record_draft", map[string]any{
		"response_text":     "A specialist will take over from here.",
		"response_kind":     "ROUTE_TO_TEAM",
		"escalation_reason": "requires legal review",
	})

	st := newState(gatherTool("lookup_account"))
	hop := beginPlannedHop(st, &state.PlanRecord{})
	hop.Coverage = &state.CoverageRecord{NextAction: proto.CoverageContinue}

	require.NoError(t, f.deps.Draft(context.Background(), st))

	assert.Equal(t, proto.RouteValidate, st.NextRoute)
	assert.Equal(t, proto.ResponseRouteToTeam, st.CurrentDraft.Kind)
	assert.Equal(t, "requires legal review", st.CurrentDraft.EscalationReason)
}

func TestValidatePassRoutesToRespond(t *testing.T) {
	f := newFixture(t)
	f.validator.QueueVerdict(true, `{"overall_passed":true}`)

	st := newState()
	st.CurrentDraft = &state.Draft{Text: "Hello", Kind: proto.ResponseReply}

	require.NoError(t, f.deps.Validate(context.Background(), st))

	assert.Equal(t, proto.RouteDeliver, st.NextRoute)
	require.Len(t, st.Validations, 1)
	assert.True(t, st.Validations[0].Passed)
	require.NotEmpty(t, f.ticketing.Notes)
	assert.Contains(t, f.ticketing.Notes[0], "🔍 Validation attempt 1")
}

func TestValidateRetryThenEscalate(t *testing.T) {
	f := newFixture(t)
	f.validator.QueueVerdict(false, "missing refund amount")
	f.validator.QueueVerdict(false, "still missing refund amount")

	st := newState()
	st.MaxValidationRetries = 1
	st.CurrentDraft = &state.Draft{Text: "Hello", Kind: proto.ResponseReply}

	require.NoError(t, f.deps.Validate(context.Background(), st))
	assert.Equal(t, proto.RouteDraft, st.NextRoute)

	require.NoError(t, f.deps.Validate(context.Background(), st))
	assert.Equal(t, proto.RouteEscalate, st.NextRoute)
	assert.Equal(t, "Validation failed after 2 attempts", st.EscalationReason)
	assert.Len(t, st.Validations, 2)
	assert.LessOrEqual(t, len(st.Validations), st.MaxValidationRetries+1)
}

func TestValidateOutageConsumesAttempt(t *testing.T) {
	f := newFixture(t)
	f.validator.QueueError(fmt.Errorf("validator down"))

	st := newState()
	st.MaxValidationRetries = 1
	st.CurrentDraft = &state.Draft{Text: "Hello", Kind: proto.ResponseReply}

	require.NoError(t, f.deps.Validate(context.Background(), st))

	assert.Equal(t, proto.RouteDraft, st.NextRoute)
	require.Len(t, st.Validations, 1)
	assert.False(t, st.Validations[0].Passed)
	assert.Contains(t, st.Validations[0].RawVerdict, "validator call failed")
}

func TestRespondDeliveryFailureEscalates(t *testing.T) {
	f := newFixture(t)
	f.ticketing.SendErr = fmt.Errorf("send rejected")

	st := newState()
	st.CurrentDraft = &state.Draft{Text: "Hello", Kind: proto.ResponseReply}

	require.NoError(t, f.deps.Respond(context.Background(), st))

	assert.Equal(t, proto.RouteEscalate, st.NextRoute)
	require.NotNil(t, st.Delivery)
	assert.False(t, st.Delivery.Success)
	assert.Contains(t, st.EscalationReason, "message delivery failed")
}

func TestRespondRouteToTeamEscalatesAfterSend(t *testing.T) {
	f := newFixture(t)

	st := newState()
	st.CurrentDraft = &state.Draft{
		Text:             "Handing off to a specialist.",
		Kind:             proto.ResponseRouteToTeam,
		EscalationReason: "requires legal review",
	}

	require.NoError(t, f.deps.Respond(context.Background(), st))

	assert.Equal(t, proto.RouteEscalate, st.NextRoute)
	require.Len(t, f.ticketing.Sent, 1)
	assert.True(t, st.Delivery.Delivered)
	assert.Equal(t, "requires legal review", st.EscalationReason)
}

func TestRespondReviewableActionsEscalate(t *testing.T) {
	f := newFixture(t)

	st := newState()
	st.CurrentDraft = &state.Draft{Text: "Refund issued.", Kind: proto.ResponseReply}
	st.RecordAction(state.ActionRecord{ToolName: "issue_refund", Success: true, RequiresReview: true, Hop: 1})

	require.NoError(t, f.deps.Respond(context.Background(), st))

	assert.Equal(t, proto.RouteEscalate, st.NextRoute)
	assert.Contains(t, st.EscalationReason, "issue_refund")
}

func TestRespondCleanRunFinalizes(t *testing.T) {
	f := newFixture(t)

	st := newState()
	st.CurrentDraft = &state.Draft{Text: "All set.", Kind: proto.ResponseReply}

	require.NoError(t, f.deps.Respond(context.Background(), st))

	assert.Equal(t, proto.RouteFinalize, st.NextRoute)
	assert.True(t, st.Delivery.Delivered)
}

func TestEscalateSourcePriority(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(st *state.ConversationState)
		source proto.EscalationSource
	}{
		{
			name: "action review wins over everything",
			mutate: func(st *state.ConversationState) {
				st.RecordAction(state.ActionRecord{ToolName: "issue_refund", RequiresReview: true, Error: "boom"})
				st.CurrentDraft = &state.Draft{Kind: proto.ResponseRouteToTeam}
				st.AppendValidation(state.ValidationRecord{Passed: false})
			},
			source: proto.SourceActionReview,
		},
		{
			name: "route to team before validation",
			mutate: func(st *state.ConversationState) {
				st.CurrentDraft = &state.Draft{Kind: proto.ResponseRouteToTeam, EscalationReason: "handoff"}
				st.AppendValidation(state.ValidationRecord{Passed: false})
			},
			source: proto.SourceDraftRouteToTeam,
		},
		{
			name: "failed validation before coverage",
			mutate: func(st *state.ConversationState) {
				hop := st.BeginHop()
				hop.Coverage = &state.CoverageRecord{NextAction: proto.CoverageEscalate, EscalationReason: "limits"}
				st.AppendValidation(state.ValidationRecord{Passed: false})
			},
			source: proto.SourceValidationFailed,
		},
		{
			name: "coverage escalation",
			mutate: func(st *state.ConversationState) {
				hop := st.BeginHop()
				hop.Coverage = &state.CoverageRecord{NextAction: proto.CoverageEscalate, EscalationReason: "exceeded maximum hops (3)"}
			},
			source: proto.SourceCoverage,
		},
		{
			name: "draft error",
			mutate: func(st *state.ConversationState) {
				hop := st.BeginHop()
				hop.Coverage = &state.CoverageRecord{NextAction: proto.CoverageContinue}
				st.SetError(fmt.Errorf("draft blew up"))
			},
			source: proto.SourceDraftError,
		},
		{
			name: "initialization error",
			mutate: func(st *state.ConversationState) {
				st.SetError(fmt.Errorf("no conversation"))
			},
			source: proto.SourceInitialization,
		},
		{
			name:   "unknown",
			mutate: func(_ *state.ConversationState) {},
			source: proto.SourceUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			st := newState()
			tt.mutate(st)

			require.NoError(t, f.deps.Escalate(context.Background(), st))

			assert.Equal(t, proto.RouteFinalize, st.NextRoute)
			require.NotNil(t, st.Escalation)
			assert.Equal(t, tt.source, st.Escalation.Source)
			assert.NotEmpty(t, st.Escalation.Reason)
			require.NotEmpty(t, f.ticketing.Notes)
			assert.Contains(t, f.ticketing.Notes[0], "🚨 Escalation:")
			assert.True(t, st.Escalation.NotePosted)
		})
	}
}

func TestEscalateNoteFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.ticketing.NoteErr = fmt.Errorf("notes are down")

	st := newState()
	require.NoError(t, f.deps.Escalate(context.Background(), st))

	assert.Equal(t, proto.RouteFinalize, st.NextRoute)
	assert.False(t, st.Escalation.NotePosted)
}

func TestFinalizeStatusDerivation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(st *state.ConversationState)
		status proto.Status
	}{
		{
			name: "clean delivery is success",
			mutate: func(st *state.ConversationState) {
				st.Delivery = &state.DeliveryRecord{Success: true, Delivered: true}
			},
			status: proto.StatusSuccess,
		},
		{
			name: "delivery failure dominates",
			mutate: func(st *state.ConversationState) {
				st.Delivery = &state.DeliveryRecord{Success: false}
				st.Escalation = &state.EscalationRecord{Source: proto.SourceDraftRouteToTeam}
			},
			status: proto.StatusMessageFailed,
		},
		{
			name: "validation escalation",
			mutate: func(st *state.ConversationState) {
				st.Escalation = &state.EscalationRecord{Source: proto.SourceValidationFailed}
			},
			status: proto.StatusValidationFailed,
		},
		{
			name: "team handoff",
			mutate: func(st *state.ConversationState) {
				st.Delivery = &state.DeliveryRecord{Success: true, Delivered: true}
				st.Escalation = &state.EscalationRecord{Source: proto.SourceDraftRouteToTeam}
			},
			status: proto.StatusRouteToTeam,
		},
		{
			name: "delivered reply with pending review is still success",
			mutate: func(st *state.ConversationState) {
				st.Delivery = &state.DeliveryRecord{Success: true, Delivered: true}
				st.Escalation = &state.EscalationRecord{Source: proto.SourceActionReview}
			},
			status: proto.StatusSuccess,
		},
		{
			name: "pending review without a delivered reply hands off",
			mutate: func(st *state.ConversationState) {
				st.Escalation = &state.EscalationRecord{Source: proto.SourceActionReview}
			},
			status: proto.StatusRouteToTeam,
		},
		{
			name: "coverage escalation hands off to the team",
			mutate: func(st *state.ConversationState) {
				st.Escalation = &state.EscalationRecord{Source: proto.SourceCoverage, Reason: "exceeded maximum hops (3)"}
			},
			status: proto.StatusRouteToTeam,
		},
		{
			name: "draft failure hands off to the team",
			mutate: func(st *state.ConversationState) {
				st.Escalation = &state.EscalationRecord{Source: proto.SourceDraftError}
			},
			status: proto.StatusRouteToTeam,
		},
		{
			name: "human request in the reason hands off regardless of source",
			mutate: func(st *state.ConversationState) {
				st.Escalation = &state.EscalationRecord{Source: proto.SourceUnknown, Reason: "Customer requested to talk to a human"}
			},
			status: proto.StatusRouteToTeam,
		},
		{
			name: "initialization failure is an error",
			mutate: func(st *state.ConversationState) {
				st.Escalation = &state.EscalationRecord{Source: proto.SourceInitialization, Reason: "no messages"}
			},
			status: proto.StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			st := newState()
			tt.mutate(st)

			require.NoError(t, f.deps.Finalize(context.Background(), st))

			require.NotNil(t, st.Final)
			assert.Equal(t, tt.status, st.Final.Status)
			assert.Equal(t, proto.RouteEnd, st.NextRoute)
			assert.Equal(t, string(tt.status), f.ticketing.Attributes[f.cfg.StatusAttribute])
			assert.True(t, st.Final.Snoozed)
			assert.False(t, f.ticketing.SnoozedUntil.IsZero())
		})
	}
}

func TestFinalizeReportsToHarnessInTestMode(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newFixture(t)
	f.cfg.Endpoints.HarnessWebhook = server.URL

	st := newState()
	st.Mode = proto.ModeTest
	st.Delivery = &state.DeliveryRecord{Success: true, Delivered: true}
	logx.NewLogger(st.RunID).Info("ready to finalize")

	require.NoError(t, f.deps.Finalize(context.Background(), st))

	require.NotNil(t, st.Final)
	assert.True(t, st.Final.Reported)
	assert.Equal(t, "SUCCESS", payload["status"])
	assert.Equal(t, "conv1", payload["conversation_id"])

	// The report carries this run's buffered log lines.
	tail, ok := payload["log_tail"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, tail)
	assert.Contains(t, fmt.Sprintf("%v", tail), "ready to finalize")
}

func TestFinalizeSideEffectFailuresAreNonFatal(t *testing.T) {
	f := newFixture(t)
	f.ticketing.AttributeErr = fmt.Errorf("attributes down")
	f.ticketing.SnoozeErr = fmt.Errorf("snooze down")

	st := newState()
	st.Delivery = &state.DeliveryRecord{Success: true, Delivered: true}

	require.NoError(t, f.deps.Finalize(context.Background(), st))

	require.NotNil(t, st.Final)
	assert.False(t, st.Final.AttributeSet)
	assert.False(t, st.Final.Snoozed)
	assert.Equal(t, proto.RouteEnd, st.NextRoute)
}

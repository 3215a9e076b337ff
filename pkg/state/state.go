// Package state defines the conversation state threaded through every stage
// of a run: identity and input, capabilities, accumulated data, and the
// append-only hop, action, and validation logs.
package state

import (
	"fmt"

	"supportflow/pkg/gateway"
	"supportflow/pkg/procedures"
	"supportflow/pkg/proto"
)

// Message is one turn of the inbound conversation.
type Message struct {
	Role        proto.MessageRole `json:"role"`
	Text        string            `json:"text"`
	Attachments []string          `json:"attachments,omitempty"`
}

// UserProfile identifies the conversation contact.
type UserProfile struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PlannedCall is one tool call proposed by the plan stage.
type PlannedCall struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
	Reasoning  string         `json:"reasoning"`
}

// PlanRecord captures the plan decision for one hop.
type PlanRecord struct {
	Reasoning   string        `json:"reasoning"`
	GatherCalls []PlannedCall `json:"gather_calls"`
	ActionCalls []PlannedCall `json:"action_calls"`
}

// GatherCallResult is the outcome of one gather tool invocation. Per-call
// failures are isolated; a failing tool never aborts its siblings.
type GatherCallResult struct {
	ToolName string `json:"tool_name"`
	Success  bool   `json:"success"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// GatherRecord captures the gather execution for one hop. An empty plan
// yields an empty record with a success rate of 1.0.
type GatherRecord struct {
	Calls       []GatherCallResult `json:"calls"`
	SuccessRate float64            `json:"success_rate"`
}

// DataGap names one piece of missing data identified by coverage.
type DataGap struct {
	GapType     string `json:"gap_type"`
	Description string `json:"description"`
}

// ActionDecision is the action choice coverage makes when it judges an
// action should run.
type ActionDecision struct {
	ToolName   string         `json:"action_tool_name"`
	Reasoning  string         `json:"reasoning"`
	Parameters map[string]any `json:"parameters"`
}

// CoverageRecord captures the coverage judgement for one hop, including any
// business-rule override applied after the model's own choice.
type CoverageRecord struct {
	DataSufficient   bool                     `json:"data_sufficient"`
	MissingData      []DataGap                `json:"missing_data,omitempty"`
	Reasoning        string                   `json:"reasoning"`
	Confidence       float64                  `json:"confidence"`
	NextAction       proto.CoverageNextAction `json:"next_action"`
	EscalationReason string                   `json:"escalation_reason,omitempty"`
	ActionDecision   *ActionDecision          `json:"action_decision,omitempty"`
	Overridden       bool                     `json:"overridden,omitempty"`
	OverrideReason   string                   `json:"override_reason,omitempty"`
}

// HopRecord is one iteration of the plan/gather/coverage loop. Only the most
// recent hop is ever written to; earlier hops are immutable history.
type HopRecord struct {
	Number   int             `json:"hop_number"`
	Plan     *PlanRecord     `json:"plan,omitempty"`
	Gather   *GatherRecord   `json:"gather,omitempty"`
	Coverage *CoverageRecord `json:"coverage,omitempty"`
}

// ActionRecord is one executed action and its review disposition.
type ActionRecord struct {
	ToolName       string `json:"tool_name"`
	Success        bool   `json:"success"`
	Result         any    `json:"result,omitempty"`
	Error          string `json:"error,omitempty"`
	AuditNote      string `json:"audit_note"`
	RequiresReview bool   `json:"requires_review"`
	Hop            int    `json:"hop"`
}

// Draft is the current candidate reply.
type Draft struct {
	Text             string             `json:"text"`
	Kind             proto.ResponseKind `json:"kind"`
	EscalationReason string             `json:"escalation_reason,omitempty"`
}

// ValidationRecord is one validator attempt. The attempt count is the length
// of the validation log, so the retry bound is self-enforcing.
type ValidationRecord struct {
	Passed     bool        `json:"passed"`
	RawVerdict string      `json:"raw_verdict"`
	NextStep   proto.Route `json:"next_step"`
}

// EscalationRecord is the terminal escalation outcome.
type EscalationRecord struct {
	Reason     string                 `json:"reason"`
	Source     proto.EscalationSource `json:"source"`
	NotePosted bool                   `json:"note_posted"`
}

// DeliveryRecord is the reply delivery outcome.
type DeliveryRecord struct {
	Success   bool  `json:"success"`
	Delivered bool  `json:"delivered"`
	LatencyMS int64 `json:"latency_ms"`
}

// FinalizeRecord is the terminal bookkeeping outcome.
type FinalizeRecord struct {
	Status       proto.Status `json:"status"`
	AttributeSet bool         `json:"attribute_set"`
	Snoozed      bool         `json:"snoozed"`
	Reported     bool         `json:"reported"`
}

// ConversationState is the sole unit of mutable shared data for one run.
// One goroutine owns it end to end; stages run strictly sequentially, so no
// locking is needed.
type ConversationState struct {
	RunID          string      `json:"run_id"`
	ConversationID string      `json:"conversation_id"`
	Messages       []Message   `json:"messages"`
	User           UserProfile `json:"user"`
	Subject        string      `json:"subject"`
	Mode           proto.Mode  `json:"mode"`
	DryRun         bool        `json:"dry_run"`

	Tools                []gateway.ToolDefinition `json:"tools"`
	Procedure            *procedures.Procedure    `json:"procedure,omitempty"`
	ProcedureActionTools []string                 `json:"procedure_action_tools,omitempty"`

	// ToolData maps tool name to its accumulated result; a tool called in
	// more than one hop accumulates into a list. DocsData keys documentation
	// lookups as "query (hop N)".
	ToolData map[string]any `json:"tool_data"`
	DocsData map[string]any `json:"docs_data"`

	Hops         []HopRecord        `json:"hops"`
	Actions      []ActionRecord     `json:"actions"`
	ActionsTaken int                `json:"actions_taken"`
	CurrentDraft *Draft             `json:"draft,omitempty"`
	Validations  []ValidationRecord `json:"validations"`

	Escalation *EscalationRecord `json:"escalation,omitempty"`
	Delivery   *DeliveryRecord   `json:"delivery,omitempty"`
	Final      *FinalizeRecord   `json:"finalize,omitempty"`

	// RequestedProcedureID, when set by the caller, makes the procedure
	// stage fetch that runbook directly instead of evaluating a match.
	RequestedProcedureID string `json:"requested_procedure_id,omitempty"`

	// EscalationReason is the pending reason set by whichever stage decided
	// to escalate; the escalate stage consumes it.
	EscalationReason string `json:"escalation_reason,omitempty"`

	Err       string      `json:"error,omitempty"`
	NextRoute proto.Route `json:"next_route,omitempty"`

	MaxHops              int `json:"max_hops"`
	MaxActions           int `json:"max_actions"`
	MaxValidationRetries int `json:"max_validation_retries"`
}

// New creates a state with default ceilings for a conversation run.
func New(runID, conversationID string) *ConversationState {
	return &ConversationState{
		RunID:                runID,
		ConversationID:       conversationID,
		ToolData:             make(map[string]any),
		DocsData:             make(map[string]any),
		Mode:                 proto.ModeProduction,
		MaxHops:              3,
		MaxActions:           1,
		MaxValidationRetries: 1,
	}
}

// BeginHop appends a new hop record numbered by its 1-based position and
// returns it. All subsequent plan/gather/coverage writes for this hop go
// through the returned pointer.
func (s *ConversationState) BeginHop() *HopRecord {
	s.Hops = append(s.Hops, HopRecord{Number: len(s.Hops) + 1})
	return &s.Hops[len(s.Hops)-1]
}

// CurrentHop returns the most recent hop record, or nil before the first hop.
func (s *ConversationState) CurrentHop() *HopRecord {
	if len(s.Hops) == 0 {
		return nil
	}
	return &s.Hops[len(s.Hops)-1]
}

// HopNumber returns the 1-based number of the current hop (0 before any hop).
func (s *ConversationState) HopNumber() int {
	return len(s.Hops)
}

// LatestCoverage returns the most recent coverage record, scanning backward
// so an action hop without coverage yet falls through to the prior hop.
func (s *ConversationState) LatestCoverage() *CoverageRecord {
	for i := len(s.Hops) - 1; i >= 0; i-- {
		if s.Hops[i].Coverage != nil {
			return s.Hops[i].Coverage
		}
	}
	return nil
}

// RecordAction appends an action record and bumps the counter, keeping the
// actions_taken == len(actions) invariant by construction.
func (s *ConversationState) RecordAction(rec ActionRecord) {
	s.Actions = append(s.Actions, rec)
	s.ActionsTaken = len(s.Actions)
}

// AppendValidation appends one validator attempt.
func (s *ConversationState) AppendValidation(rec ValidationRecord) {
	s.Validations = append(s.Validations, rec)
}

// ValidationAttempts returns how many validator attempts have run.
func (s *ConversationState) ValidationAttempts() int {
	return len(s.Validations)
}

// LastValidation returns the most recent validator attempt, or nil.
func (s *ConversationState) LastValidation() *ValidationRecord {
	if len(s.Validations) == 0 {
		return nil
	}
	return &s.Validations[len(s.Validations)-1]
}

// AccumulateToolData merges a tool result into the accumulated-data map.
// A repeat call to the same tool promotes the entry to a list.
func (s *ConversationState) AccumulateToolData(toolName string, value any) {
	existing, ok := s.ToolData[toolName]
	if !ok {
		s.ToolData[toolName] = value
		return
	}
	if list, isList := existing.([]any); isList {
		s.ToolData[toolName] = append(list, value)
		return
	}
	s.ToolData[toolName] = []any{existing, value}
}

// AccumulateDocsData records a documentation lookup keyed by query and hop.
func (s *ConversationState) AccumulateDocsData(query string, hop int, value any) {
	s.DocsData[fmt.Sprintf("%s (hop %d)", query, hop)] = value
}

// ReviewableActions returns the names of executed actions flagged for
// human review.
func (s *ConversationState) ReviewableActions() []string {
	var names []string
	for i := range s.Actions {
		if s.Actions[i].RequiresReview {
			names = append(names, s.Actions[i].ToolName)
		}
	}
	return names
}

// FindTool looks up a tool descriptor by name in the capability list.
func (s *ConversationState) FindTool(name string) (*gateway.ToolDefinition, bool) {
	for i := range s.Tools {
		if s.Tools[i].Name == name {
			return &s.Tools[i], true
		}
	}
	return nil, false
}

// ActionTools returns the capability subset with action kinds.
func (s *ConversationState) ActionTools() []gateway.ToolDefinition {
	var out []gateway.ToolDefinition
	for i := range s.Tools {
		if s.Tools[i].Kind.IsAction() {
			out = append(out, s.Tools[i])
		}
	}
	return out
}

// GatherTools returns the capability subset with the gather kind.
func (s *ConversationState) GatherTools() []gateway.ToolDefinition {
	var out []gateway.ToolDefinition
	for i := range s.Tools {
		if s.Tools[i].Kind == proto.ToolKindGather {
			out = append(out, s.Tools[i])
		}
	}
	return out
}

// SetError records a fatal stage error.
func (s *ConversationState) SetError(err error) {
	if err != nil {
		s.Err = err.Error()
	}
}

// HasError reports whether a fatal error is pending.
func (s *ConversationState) HasError() bool {
	return s.Err != ""
}

// Route sets the routing token consumed by the engine.
func (s *ConversationState) Route(r proto.Route) {
	s.NextRoute = r
}

// Package proto defines the closed token types shared across the pipeline:
// stage names, routing tokens, terminal statuses, and tool kinds.
package proto

// Stage identifies a node in the processing graph.
type Stage string

const (
	StageInitialize Stage = "initialize"
	StageProcedure  Stage = "procedure"
	StagePlan       Stage = "plan"
	StageGather     Stage = "gather"
	StageCoverage   Stage = "coverage"
	StageAction     Stage = "action"
	StageDraft      Stage = "draft"
	StageValidate   Stage = "validate"
	StageRespond    Stage = "respond"
	StageEscalate   Stage = "escalate"
	StageFinalize   Stage = "finalize"

	// StageEnd is the terminal pseudo-stage; the engine halts when routed here.
	StageEnd Stage = "end"
)

// Route is the routing token a stage writes into the state before returning.
// The engine consumes it to pick the next edge; stages always overwrite it.
type Route string

const (
	RouteProcedure Route = "procedure"
	RoutePlan      Route = "plan"
	RouteGather    Route = "gather"
	RouteCoverage  Route = "coverage"
	RouteAction    Route = "action"
	RouteRespond   Route = "respond" // proceed to Draft from Coverage
	RouteValidate  Route = "validate"
	RouteDraft     Route = "draft"
	RouteDeliver   Route = "deliver" // Validate passed, proceed to Respond
	RouteFinalize  Route = "finalize"
	RouteEscalate  Route = "escalate"
	RouteEnd       Route = "end"
)

// CoverageNextAction is the judgement token the coverage model emits.
// These are internal to the coverage stage and are always mapped to a Route
// before the engine sees them.
type CoverageNextAction string

const (
	CoverageContinue      CoverageNextAction = "continue"
	CoverageGatherMore    CoverageNextAction = "gather_more"
	CoverageExecuteAction CoverageNextAction = "execute_action"
	CoverageEscalate      CoverageNextAction = "escalate"
)

// ResponseKind classifies a drafted reply.
type ResponseKind string

const (
	// ResponseReply is a normal user-facing answer.
	ResponseReply ResponseKind = "REPLY"
	// ResponseRouteToTeam is closure text sent before handing off to a human
	// team. It still flows through Validate and Respond.
	ResponseRouteToTeam ResponseKind = "ROUTE_TO_TEAM"
)

// Status is the terminal status recorded by Finalize.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusValidationFailed Status = "VALIDATION_FAILED"
	StatusRouteToTeam      Status = "ROUTE_TO_TEAM"
	StatusMessageFailed    Status = "MESSAGE_FAILED"
	StatusError            Status = "ERROR"
)

// ToolKind classifies a tool descriptor by its side-effect profile.
type ToolKind string

const (
	// ToolKindGather is a read-only data-fetching tool.
	ToolKindGather ToolKind = "gather"
	// ToolKindInternalAction mutates internal systems only.
	ToolKindInternalAction ToolKind = "internal_action"
	// ToolKindExternalAction has user-visible or third-party side effects.
	ToolKindExternalAction ToolKind = "external_action"
)

// IsAction reports whether the kind carries real-world side effects.
func (k ToolKind) IsAction() bool {
	return k == ToolKindInternalAction || k == ToolKindExternalAction
}

// EscalationSource identifies which stage triggered an escalation, in the
// priority order Escalate inspects them.
type EscalationSource string

const (
	SourceActionReview     EscalationSource = "action_review"
	SourceDraftRouteToTeam EscalationSource = "draft_route_to_team"
	SourceValidationFailed EscalationSource = "validation_failed"
	SourceCoverage         EscalationSource = "coverage"
	SourceDraftError       EscalationSource = "draft_error"
	SourceInitialization   EscalationSource = "initialization"
	SourceUnknown          EscalationSource = "unknown"
)

// MessageRole is the authorship of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Mode selects the execution environment for a run.
type Mode string

const (
	ModeProduction Mode = "production"
	ModeTest       Mode = "test"
)

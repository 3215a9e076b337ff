// Package stages implements the handlers for every node of the processing
// graph. Each handler mutates the conversation state and sets the routing
// token the engine consumes; stage failures are recorded on the state and
// routed to Escalate rather than returned, so every run reaches Finalize.
package stages

import (
	"supportflow/pkg/config"
	"supportflow/pkg/gateway"
	"supportflow/pkg/graph"
	"supportflow/pkg/llm"
	"supportflow/pkg/logx"
	"supportflow/pkg/procedures"
	"supportflow/pkg/prompts"
	"supportflow/pkg/proto"
	"supportflow/pkg/ticketing"
	"supportflow/pkg/tokens"
	"supportflow/pkg/validator"
)

// Deps bundles the external collaborators every stage may need. One Deps
// value is shared across all handlers of a run; the collaborators are
// safe for concurrent use across runs.
type Deps struct {
	Config     *config.Config
	LLM        *llm.StructuredClient
	Gateway    gateway.Client
	Ticketing  ticketing.Client
	Procedures procedures.Store
	Validator  validator.Client
	Prompts    *prompts.Renderer
	Tokens     *tokens.Counter
	Logger     *logx.Logger
}

// Handlers returns the complete stage handler table for the engine.
func Handlers(d *Deps) map[proto.Stage]graph.Handler {
	return map[proto.Stage]graph.Handler{
		proto.StageInitialize: d.Initialize,
		proto.StageProcedure:  d.Procedure,
		proto.StagePlan:       d.Plan,
		proto.StageGather:     d.Gather,
		proto.StageCoverage:   d.Coverage,
		proto.StageAction:     d.Action,
		proto.StageDraft:      d.Draft,
		proto.StageValidate:   d.Validate,
		proto.StageRespond:    d.Respond,
		proto.StageEscalate:   d.Escalate,
		proto.StageFinalize:   d.Finalize,
	}
}

func (d *Deps) logger(runID string) *logx.Logger {
	if d.Logger != nil {
		return d.Logger.WithRunID(runID)
	}
	return logx.NewLogger(runID)
}

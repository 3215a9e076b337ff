// Package graph provides the execution engine for the stage graph: a fixed
// edge table, per-stage default edges, and strictly sequential execution of
// one conversation run.
package graph

import (
	"context"
	"fmt"
	"time"

	"supportflow/pkg/logx"
	"supportflow/pkg/proto"
	"supportflow/pkg/state"
)

// Handler executes one stage against the conversation state. Handlers
// mutate the state in place and must set the routing token before
// returning. A returned error is treated as an unexpected stage failure and
// forces an escalate transition.
type Handler func(ctx context.Context, st *state.ConversationState) error

// Observer is notified after each stage completes, for metrics.
type Observer func(stage proto.Stage, d time.Duration)

// maxSteps is a safety valve against a cyclic routing bug. The business
// ceilings bound every legal run far below this.
const maxSteps = 100

// Engine executes stages according to the fixed edge table. It performs no
// stage logic itself, only edge resolution. Execution is FIFO and
// single-threaded: no stage begins before the previous one returns.
type Engine struct {
	handlers map[proto.Stage]Handler
	edges    map[proto.Stage]map[proto.Route]proto.Stage
	defaults map[proto.Stage]proto.Stage
	observer Observer
	logger   *logx.Logger
}

// New creates an engine over the given stage handlers. Every stage in the
// edge table must have a handler.
func New(handlers map[proto.Stage]Handler, observer Observer) (*Engine, error) {
	engine := &Engine{
		handlers: handlers,
		edges:    edgeTable(),
		defaults: defaultEdges(),
		observer: observer,
		logger:   logx.NewLogger("engine"),
	}
	for stage := range engine.edges {
		if _, ok := handlers[stage]; !ok {
			return nil, fmt.Errorf("no handler registered for stage %s", stage)
		}
	}
	return engine, nil
}

// edgeTable is the fixed directed graph. Routing tokens not present for a
// stage fall back to the stage's default edge; transitions are never
// undefined.
func edgeTable() map[proto.Stage]map[proto.Route]proto.Stage {
	return map[proto.Stage]map[proto.Route]proto.Stage{
		proto.StageInitialize: {
			proto.RouteProcedure: proto.StageProcedure,
			proto.RouteEscalate:  proto.StageEscalate,
		},
		proto.StageProcedure: {
			proto.RoutePlan: proto.StagePlan,
		},
		proto.StagePlan: {
			proto.RouteGather:   proto.StageGather,
			proto.RouteEscalate: proto.StageEscalate,
		},
		proto.StageGather: {
			proto.RouteCoverage: proto.StageCoverage,
			proto.RouteEscalate: proto.StageEscalate,
		},
		proto.StageCoverage: {
			proto.RoutePlan:     proto.StagePlan,
			proto.RouteRespond:  proto.StageDraft,
			proto.RouteAction:   proto.StageAction,
			proto.RouteEscalate: proto.StageEscalate,
			proto.RouteEnd:      proto.StageEnd,
		},
		proto.StageAction: {
			proto.RouteCoverage: proto.StageCoverage,
			proto.RouteEscalate: proto.StageEscalate,
		},
		proto.StageDraft: {
			proto.RouteValidate: proto.StageValidate,
			proto.RouteEscalate: proto.StageEscalate,
		},
		proto.StageValidate: {
			proto.RouteDeliver:  proto.StageRespond,
			proto.RouteDraft:    proto.StageDraft,
			proto.RouteEscalate: proto.StageEscalate,
			proto.RouteEnd:      proto.StageEnd,
		},
		proto.StageRespond: {
			proto.RouteFinalize: proto.StageFinalize,
			proto.RouteEscalate: proto.StageEscalate,
		},
		proto.StageEscalate: {
			proto.RouteFinalize: proto.StageFinalize,
		},
		proto.StageFinalize: {},
	}
}

// defaultEdges maps each stage to its fallback target for unrecognized
// routing tokens.
func defaultEdges() map[proto.Stage]proto.Stage {
	return map[proto.Stage]proto.Stage{
		proto.StageInitialize: proto.StageEscalate,
		proto.StageProcedure:  proto.StagePlan,     // unconditional
		proto.StagePlan:       proto.StageEscalate,
		proto.StageGather:     proto.StageEscalate,
		proto.StageCoverage:   proto.StageEscalate,
		proto.StageAction:     proto.StageEscalate,
		proto.StageDraft:      proto.StageEscalate,
		proto.StageValidate:   proto.StageEscalate,
		proto.StageRespond:    proto.StageEscalate,
		proto.StageEscalate:   proto.StageFinalize, // unconditional
		proto.StageFinalize:   proto.StageEnd,      // terminal
	}
}

// Run executes the graph from Initialize until Finalize terminates the run.
func (e *Engine) Run(ctx context.Context, st *state.ConversationState) error {
	logger := e.logger.WithRunID(st.RunID)
	current := proto.StageInitialize

	for step := 0; ; step++ {
		if step >= maxSteps {
			return logx.Errorf("engine exceeded %d steps at stage %s; routing cycle suspected", maxSteps, current)
		}

		handler := e.handlers[current]
		start := time.Now()
		err := handler(ctx, st)
		elapsed := time.Since(start)
		if e.observer != nil {
			e.observer(current, elapsed)
		}
		logx.DebugFlow(ctx, "graph", string(current), "completed", elapsed.String())

		if err != nil {
			logger.Error("Stage %s failed unexpectedly: %v", current, err)
			st.SetError(err)
			if current == proto.StageEscalate || current == proto.StageFinalize {
				// Escalation paths must never loop on themselves.
				return fmt.Errorf("terminal stage %s failed: %w", current, err)
			}
			st.Route(proto.RouteEscalate)
		}

		next := e.resolve(current, st)
		logger.Info("🔄 Stage transition: %s → %s (route=%s)", current, next, st.NextRoute)

		if next == proto.StageEnd {
			return nil
		}
		current = next
	}
}

// resolve maps the state's routing token to the next stage, guarding the
// invariant that a pending error never reaches Respond without passing
// through Escalate.
func (e *Engine) resolve(current proto.Stage, st *state.ConversationState) proto.Stage {
	next, ok := e.edges[current][st.NextRoute]
	if !ok {
		next = e.defaults[current]
	}
	if next == proto.StageRespond && st.HasError() {
		return proto.StageEscalate
	}
	return next
}

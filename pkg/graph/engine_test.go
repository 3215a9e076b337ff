package graph

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportflow/pkg/proto"
	"supportflow/pkg/state"
)

// scriptedHandlers returns a handler table where every stage records its
// visit and routes per the script. Unscripted stages use their default edge.
func scriptedHandlers(visits *[]proto.Stage, script map[proto.Stage]proto.Route) map[proto.Stage]Handler {
	handlers := make(map[proto.Stage]Handler)
	for stage := range edgeTable() {
		stage := stage
		handlers[stage] = func(_ context.Context, st *state.ConversationState) error {
			*visits = append(*visits, stage)
			if route, ok := script[stage]; ok {
				st.Route(route)
			} else {
				st.Route(proto.Route("unscripted"))
			}
			return nil
		}
	}
	return handlers
}

func TestNewRequiresHandlerPerStage(t *testing.T) {
	var visits []proto.Stage
	handlers := scriptedHandlers(&visits, nil)
	delete(handlers, proto.StageCoverage)

	_, err := New(handlers, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coverage")
}

func TestRunHappyPath(t *testing.T) {
	var visits []proto.Stage
	engine, err := New(scriptedHandlers(&visits, map[proto.Stage]proto.Route{
		proto.StageInitialize: proto.RouteProcedure,
		proto.StageProcedure:  proto.RoutePlan,
		proto.StagePlan:       proto.RouteGather,
		proto.StageGather:     proto.RouteCoverage,
		proto.StageCoverage:   proto.RouteRespond,
		proto.StageDraft:      proto.RouteValidate,
		proto.StageValidate:   proto.RouteDeliver,
		proto.StageRespond:    proto.RouteFinalize,
		proto.StageFinalize:   proto.RouteEnd,
	}), nil)
	require.NoError(t, err)

	st := state.New("run1", "conv1")
	require.NoError(t, engine.Run(context.Background(), st))

	assert.Equal(t, []proto.Stage{
		proto.StageInitialize,
		proto.StageProcedure,
		proto.StagePlan,
		proto.StageGather,
		proto.StageCoverage,
		proto.StageDraft,
		proto.StageValidate,
		proto.StageRespond,
		proto.StageFinalize,
	}, visits)
}

func TestRunActionLoop(t *testing.T) {
	var visits []proto.Stage
	coverageCalls := 0

	handlers := scriptedHandlers(&visits, map[proto.Stage]proto.Route{
		proto.StageInitialize: proto.RouteProcedure,
		proto.StageProcedure:  proto.RoutePlan,
		proto.StagePlan:       proto.RouteGather,
		proto.StageGather:     proto.RouteCoverage,
		proto.StageAction:     proto.RouteCoverage,
		proto.StageDraft:      proto.RouteValidate,
		proto.StageValidate:   proto.RouteDeliver,
		proto.StageRespond:    proto.RouteFinalize,
		proto.StageFinalize:   proto.RouteEnd,
	})
	// First coverage pass runs an action, second proceeds to drafting.
	handlers[proto.StageCoverage] = func(_ context.Context, st *state.ConversationState) error {
		visits = append(visits, proto.StageCoverage)
		coverageCalls++
		if coverageCalls == 1 {
			st.Route(proto.RouteAction)
		} else {
			st.Route(proto.RouteRespond)
		}
		return nil
	}

	engine, err := New(handlers, nil)
	require.NoError(t, err)

	st := state.New("run1", "conv1")
	require.NoError(t, engine.Run(context.Background(), st))

	assert.Equal(t, 2, coverageCalls)
	assert.Contains(t, visits, proto.StageAction)
}

func TestUnknownRouteFallsBackToDefaultEdge(t *testing.T) {
	var visits []proto.Stage
	engine, err := New(scriptedHandlers(&visits, map[proto.Stage]proto.Route{
		// Initialize emits a token with no edge; the default is Escalate.
		proto.StageEscalate: proto.RouteFinalize,
		proto.StageFinalize: proto.RouteEnd,
	}), nil)
	require.NoError(t, err)

	st := state.New("run1", "conv1")
	require.NoError(t, engine.Run(context.Background(), st))

	assert.Equal(t, []proto.Stage{proto.StageInitialize, proto.StageEscalate, proto.StageFinalize}, visits)
}

func TestHandlerErrorRoutesToEscalate(t *testing.T) {
	var visits []proto.Stage
	handlers := scriptedHandlers(&visits, map[proto.Stage]proto.Route{
		proto.StageEscalate: proto.RouteFinalize,
		proto.StageFinalize: proto.RouteEnd,
	})
	handlers[proto.StageInitialize] = func(_ context.Context, _ *state.ConversationState) error {
		return fmt.Errorf("unexpected failure")
	}

	engine, err := New(handlers, nil)
	require.NoError(t, err)

	st := state.New("run1", "conv1")
	require.NoError(t, engine.Run(context.Background(), st))

	assert.True(t, st.HasError())
	assert.Equal(t, []proto.Stage{proto.StageEscalate, proto.StageFinalize}, visits)
}

func TestTerminalStageFailureReturnsError(t *testing.T) {
	var visits []proto.Stage
	handlers := scriptedHandlers(&visits, map[proto.Stage]proto.Route{
		proto.StageInitialize: proto.RouteEscalate,
	})
	handlers[proto.StageEscalate] = func(_ context.Context, _ *state.ConversationState) error {
		return fmt.Errorf("note system exploded")
	}

	engine, err := New(handlers, nil)
	require.NoError(t, err)

	st := state.New("run1", "conv1")
	err = engine.Run(context.Background(), st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal stage")
}

func TestErrorNeverReachesRespond(t *testing.T) {
	var visits []proto.Stage
	handlers := scriptedHandlers(&visits, map[proto.Stage]proto.Route{
		proto.StageInitialize: proto.RouteProcedure,
		proto.StageProcedure:  proto.RoutePlan,
		proto.StagePlan:       proto.RouteGather,
		proto.StageGather:     proto.RouteCoverage,
		proto.StageCoverage:   proto.RouteRespond,
		proto.StageDraft:      proto.RouteValidate,
		proto.StageEscalate:   proto.RouteFinalize,
		proto.StageFinalize:   proto.RouteEnd,
	})
	// Validate claims a pass but a fatal error is pending on the state.
	handlers[proto.StageValidate] = func(_ context.Context, st *state.ConversationState) error {
		visits = append(visits, proto.StageValidate)
		st.SetError(fmt.Errorf("corrupted state"))
		st.Route(proto.RouteDeliver)
		return nil
	}

	engine, err := New(handlers, nil)
	require.NoError(t, err)

	st := state.New("run1", "conv1")
	require.NoError(t, engine.Run(context.Background(), st))

	assert.NotContains(t, visits, proto.StageRespond)
	assert.Contains(t, visits, proto.StageEscalate)
}

func TestRoutingCycleTripsSafetyValve(t *testing.T) {
	var visits []proto.Stage
	handlers := scriptedHandlers(&visits, map[proto.Stage]proto.Route{
		proto.StageInitialize: proto.RouteProcedure,
		proto.StageProcedure:  proto.RoutePlan,
		proto.StagePlan:       proto.RouteGather,
		proto.StageGather:     proto.RouteCoverage,
		// Coverage loops back to Plan forever.
		proto.StageCoverage: proto.RoutePlan,
	})

	engine, err := New(handlers, nil)
	require.NoError(t, err)

	st := state.New("run1", "conv1")
	err = engine.Run(context.Background(), st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routing cycle")
}

func TestObserverSeesEveryStage(t *testing.T) {
	var visits []proto.Stage
	var observed []proto.Stage
	engine, err := New(scriptedHandlers(&visits, map[proto.Stage]proto.Route{
		proto.StageInitialize: proto.RouteEscalate,
		proto.StageEscalate:   proto.RouteFinalize,
		proto.StageFinalize:   proto.RouteEnd,
	}), func(stage proto.Stage, _ time.Duration) {
		observed = append(observed, stage)
	})
	require.NoError(t, err)

	st := state.New("run1", "conv1")
	require.NoError(t, engine.Run(context.Background(), st))
	assert.Equal(t, visits, observed)
}

package analytics

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportflow/pkg/proto"
	"supportflow/pkg/state"
)

func setupDB(t *testing.T) {
	t.Helper()
	require.NoError(t, Reset())
	require.NoError(t, Initialize(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = Reset() })
}

func finishedState() *state.ConversationState {
	st := state.New("run-abc", "conv1")
	hop := st.BeginHop()
	hop.Plan = &state.PlanRecord{Reasoning: "fetch account"}
	hop.Gather = &state.GatherRecord{SuccessRate: 1.0}
	hop.Coverage = &state.CoverageRecord{NextAction: proto.CoverageContinue, Confidence: 0.9}
	st.RecordAction(state.ActionRecord{ToolName: "issue_refund", Success: true, RequiresReview: true, Hop: 1})
	st.AppendValidation(state.ValidationRecord{Passed: true, NextStep: proto.RouteDeliver})
	st.Escalation = &state.EscalationRecord{Source: proto.SourceActionReview, Reason: "pending review"}
	st.Final = &state.FinalizeRecord{Status: proto.StatusSuccess}
	return st
}

func TestRecordRunPersistsAllRows(t *testing.T) {
	setupDB(t)

	require.NoError(t, RecordRun(finishedState()))

	db := GetDB()
	var status, escalationSource string
	var hops, actions, validations int
	require.NoError(t, db.QueryRow(
		`SELECT status, hop_count, action_count, validation_count, escalation_source FROM runs WHERE run_id = ?`,
		"run-abc",
	).Scan(&status, &hops, &actions, &validations, &escalationSource))

	assert.Equal(t, "SUCCESS", status)
	assert.Equal(t, 1, hops)
	assert.Equal(t, 1, actions)
	assert.Equal(t, 1, validations)
	assert.Equal(t, "action_review", escalationSource)

	var nextAction string
	require.NoError(t, db.QueryRow(
		`SELECT coverage_next_action FROM hops WHERE run_id = ? AND hop_number = 1`, "run-abc",
	).Scan(&nextAction))
	assert.Equal(t, "continue", nextAction)

	var toolName string
	var requiresReview bool
	require.NoError(t, db.QueryRow(
		`SELECT tool_name, requires_review FROM actions WHERE run_id = ? AND seq = 1`, "run-abc",
	).Scan(&toolName, &requiresReview))
	assert.Equal(t, "issue_refund", toolName)
	assert.True(t, requiresReview)
}

func TestRecordRunIsNoOpWithoutInitialization(t *testing.T) {
	require.NoError(t, Reset())
	assert.NoError(t, RecordRun(finishedState()))
	assert.False(t, IsInitialized())
}

func TestRecordRunRejectsDuplicateRunIDs(t *testing.T) {
	setupDB(t)

	st := finishedState()
	require.NoError(t, RecordRun(st))
	assert.Error(t, RecordRun(st))
}

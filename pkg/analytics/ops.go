package analytics

import (
	"fmt"

	"supportflow/pkg/state"
)

// RecordRun persists the audit rows for one completed run in a single
// transaction. Callers treat failures as non-fatal; the run itself already
// finished.
func RecordRun(st *state.ConversationState) error {
	if !IsInitialized() {
		return nil
	}
	db := GetDB()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin analytics transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status := ""
	if st.Final != nil {
		status = string(st.Final.Status)
	}
	escalationSource, escalationReason := "", ""
	if st.Escalation != nil {
		escalationSource = string(st.Escalation.Source)
		escalationReason = st.Escalation.Reason
	}

	if _, err := tx.Exec(
		`INSERT INTO runs (run_id, conversation_id, status, hop_count, action_count, validation_count, escalation_source, escalation_reason, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.RunID, st.ConversationID, status,
		len(st.Hops), len(st.Actions), len(st.Validations),
		escalationSource, escalationReason, st.Err,
	); err != nil {
		return fmt.Errorf("insert run row: %w", err)
	}

	for i := range st.Hops {
		hop := &st.Hops[i]
		planReasoning := ""
		if hop.Plan != nil {
			planReasoning = hop.Plan.Reasoning
		}
		successRate := 0.0
		if hop.Gather != nil {
			successRate = hop.Gather.SuccessRate
		}
		nextAction, confidence, overridden := "", 0.0, false
		if hop.Coverage != nil {
			nextAction = string(hop.Coverage.NextAction)
			confidence = hop.Coverage.Confidence
			overridden = hop.Coverage.Overridden
		}
		if _, err := tx.Exec(
			`INSERT INTO hops (run_id, hop_number, plan_reasoning, gather_success_rate, coverage_next_action, coverage_confidence, coverage_overridden)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.RunID, hop.Number, planReasoning, successRate, nextAction, confidence, overridden,
		); err != nil {
			return fmt.Errorf("insert hop row %d: %w", hop.Number, err)
		}
	}

	for i := range st.Actions {
		action := &st.Actions[i]
		if _, err := tx.Exec(
			`INSERT INTO actions (run_id, seq, tool_name, success, requires_review, hop_number, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.RunID, i+1, action.ToolName, action.Success, action.RequiresReview, action.Hop, action.Error,
		); err != nil {
			return fmt.Errorf("insert action row %d: %w", i+1, err)
		}
	}

	for i := range st.Validations {
		validation := &st.Validations[i]
		if _, err := tx.Exec(
			`INSERT INTO validations (run_id, attempt, passed, next_step)
			 VALUES (?, ?, ?, ?)`,
			st.RunID, i+1, validation.Passed, string(validation.NextStep),
		); err != nil {
			return fmt.Errorf("insert validation row %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit analytics transaction: %w", err)
	}
	return nil
}

package stages

import (
	"context"
	"fmt"

	"supportflow/pkg/gateway"
	"supportflow/pkg/metrics"
	"supportflow/pkg/proto"
	"supportflow/pkg/state"
)

// Action executes the single action coverage decided on. A failed action
// always requires review and escalates immediately; a successful one posts
// its audit note and returns to Coverage for a fresh sufficiency judgement.
func (d *Deps) Action(ctx context.Context, st *state.ConversationState) error {
	logger := d.logger(st.RunID)

	coverage := st.LatestCoverage()
	if coverage == nil || coverage.ActionDecision == nil {
		escalateWithError(st, fmt.Errorf("action reached without an action decision"))
		return nil
	}
	decision := coverage.ActionDecision

	tool, ok := st.FindTool(decision.ToolName)
	if !ok {
		escalateWithError(st, fmt.Errorf("action tool %s is not in the capability list", decision.ToolName))
		return nil
	}

	logger.Info("⚙️ Executing action %s (hop %d, action %d/%d)",
		decision.ToolName, st.HopNumber(), st.ActionsTaken+1, st.MaxActions)

	res, err := d.Gateway.CallTool(ctx, decision.ToolName, decision.Parameters, d.Config.Timeouts.Action)
	if err != nil {
		record := state.ActionRecord{
			ToolName:       decision.ToolName,
			Error:          err.Error(),
			RequiresReview: true,
			Hop:            st.HopNumber(),
		}
		record.AuditNote = d.auditNote(&record, decision)
		d.postAuditNote(ctx, st, &record)
		st.RecordAction(record)
		metrics.RecordAction(decision.ToolName, false)

		st.EscalationReason = fmt.Sprintf("action %s failed: %v", decision.ToolName, err)
		logger.Error("Action %s failed: %v", decision.ToolName, err)
		st.Route(proto.RouteEscalate)
		return nil
	}

	value, parseErr := gateway.ParseResult(res)
	if parseErr != nil {
		value = nil
	}
	record := state.ActionRecord{
		ToolName:       decision.ToolName,
		Success:        true,
		Result:         value,
		RequiresReview: d.requiresReview(tool.Name, value),
		Hop:            st.HopNumber(),
	}
	record.AuditNote = d.auditNote(&record, decision)
	d.postAuditNote(ctx, st, &record)
	st.RecordAction(record)
	metrics.RecordAction(decision.ToolName, true)

	logger.Info("⚙️ Action %s succeeded (requires_review=%t)", decision.ToolName, record.RequiresReview)
	st.Route(proto.RouteCoverage)
	return nil
}

// requiresReview applies the review policy to a successful action. The
// exempt list is configuration; the link tool is exempt only when it made no
// link, which is the one data-dependent case.
func (d *Deps) requiresReview(toolName string, result any) bool {
	if d.Config.IsReviewExempt(toolName) {
		return false
	}
	if toolName == d.Config.LinkTicketTool {
		if m, ok := result.(map[string]any); ok {
			if matched, ok := m["match_found"].(bool); ok && !matched {
				return false
			}
		}
	}
	return true
}

func (d *Deps) auditNote(record *state.ActionRecord, decision *state.ActionDecision) string {
	outcome := "✅ succeeded"
	if !record.Success {
		outcome = fmt.Sprintf("❌ failed: %s", record.Error)
	}
	review := "no review needed"
	if record.RequiresReview {
		review = "requires human review"
	}
	return fmt.Sprintf("⚙️ Action executed: %s\nOutcome: %s\nReview: %s\nReasoning: %s\nParameters: %s",
		record.ToolName, outcome, review, decision.Reasoning, renderJSON(decision.Parameters))
}

// postAuditNote posts the audit note to the conversation. Best-effort: a
// note failure never changes the run's course.
func (d *Deps) postAuditNote(ctx context.Context, st *state.ConversationState, record *state.ActionRecord) {
	if err := d.Ticketing.AddNote(ctx, st.ConversationID, record.AuditNote); err != nil {
		d.logger(st.RunID).Warn("Audit note for %s failed: %v", record.ToolName, err)
	}
}

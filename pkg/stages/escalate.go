package stages

import (
	"context"
	"fmt"

	"supportflow/pkg/metrics"
	"supportflow/pkg/proto"
	"supportflow/pkg/state"
)

// Escalate classifies why the run left the happy path and posts the
// escalation note. Source attribution follows a fixed priority: action
// review, team handoff, failed validation, coverage escalation, draft
// error, initialization error, then unknown. The note is best-effort; the
// run proceeds to Finalize regardless.
func (d *Deps) Escalate(ctx context.Context, st *state.ConversationState) error {
	logger := d.logger(st.RunID)

	source := d.escalationSource(st)
	reason := d.escalationReason(st, source)

	record := &state.EscalationRecord{Reason: reason, Source: source}
	note := fmt.Sprintf("🚨 Escalation: %s", reason)
	if err := d.Ticketing.AddNote(ctx, st.ConversationID, note); err != nil {
		logger.Warn("Escalation note failed: %v", err)
	} else {
		record.NotePosted = true
	}

	st.Escalation = record
	metrics.RecordEscalation(source)
	logger.Info("🚨 Escalated (source=%s): %s", source, reason)
	st.Route(proto.RouteFinalize)
	return nil
}

func (d *Deps) escalationSource(st *state.ConversationState) proto.EscalationSource {
	for i := range st.Actions {
		if st.Actions[i].RequiresReview {
			return proto.SourceActionReview
		}
	}
	if st.CurrentDraft != nil && st.CurrentDraft.Kind == proto.ResponseRouteToTeam {
		return proto.SourceDraftRouteToTeam
	}
	if last := st.LastValidation(); last != nil && !last.Passed {
		return proto.SourceValidationFailed
	}
	coverage := st.LatestCoverage()
	if coverage != nil && coverage.NextAction == proto.CoverageEscalate {
		return proto.SourceCoverage
	}
	if st.HasError() {
		if coverage != nil && coverage.NextAction == proto.CoverageContinue && st.CurrentDraft == nil {
			return proto.SourceDraftError
		}
		if len(st.Hops) == 0 {
			return proto.SourceInitialization
		}
	}
	return proto.SourceUnknown
}

func (d *Deps) escalationReason(st *state.ConversationState, source proto.EscalationSource) string {
	if st.EscalationReason != "" {
		return st.EscalationReason
	}
	switch source {
	case proto.SourceActionReview:
		for i := range st.Actions {
			if st.Actions[i].RequiresReview {
				if st.Actions[i].Error != "" {
					return fmt.Sprintf("action %s failed: %s", st.Actions[i].ToolName, st.Actions[i].Error)
				}
				return fmt.Sprintf("action %s requires human review", st.Actions[i].ToolName)
			}
		}
	case proto.SourceDraftRouteToTeam:
		if st.CurrentDraft != nil && st.CurrentDraft.EscalationReason != "" {
			return st.CurrentDraft.EscalationReason
		}
		return "draft requested a team handoff"
	case proto.SourceValidationFailed:
		return fmt.Sprintf("Validation failed after %d attempts", st.ValidationAttempts())
	case proto.SourceCoverage:
		if coverage := st.LatestCoverage(); coverage != nil && coverage.EscalationReason != "" {
			return coverage.EscalationReason
		}
	}
	if st.Err != "" {
		return st.Err
	}
	return "unknown"
}

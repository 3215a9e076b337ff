package stages

import (
	"context"
	"fmt"

	"supportflow/pkg/metrics"
	"supportflow/pkg/proto"
	"supportflow/pkg/state"
)

// Validate submits the draft to the external validator. The attempt count is
// the length of the validation log; the retry ceiling allows at most
// max_validation_retries re-drafts before escalating. The raw verdict is
// always posted as a note, pass or fail.
func (d *Deps) Validate(ctx context.Context, st *state.ConversationState) error {
	logger := d.logger(st.RunID)

	if st.CurrentDraft == nil {
		escalateWithError(st, fmt.Errorf("validate reached without a draft"))
		return nil
	}

	passed := false
	raw := ""
	verdict, err := d.Validator.Validate(ctx, st.CurrentDraft.Text, d.Config.Timeouts.Validator)
	if err != nil {
		// A validator outage consumes an attempt like any failed verdict.
		raw = fmt.Sprintf("validator call failed: %v", err)
		logger.Warn("Validator call failed on attempt %d: %v", st.ValidationAttempts()+1, err)
	} else {
		passed = verdict.OverallPassed
		raw = verdict.Raw
	}

	record := state.ValidationRecord{Passed: passed, RawVerdict: raw}
	switch {
	case passed:
		record.NextStep = proto.RouteDeliver
	case st.ValidationAttempts() < st.MaxValidationRetries:
		record.NextStep = proto.RouteDraft
	default:
		record.NextStep = proto.RouteEscalate
	}
	st.AppendValidation(record)
	metrics.RecordValidation(passed)

	attempt := st.ValidationAttempts()
	note := fmt.Sprintf("🔍 Validation attempt %d: passed=%t\n%s", attempt, passed, raw)
	if noteErr := d.Ticketing.AddNote(ctx, st.ConversationID, note); noteErr != nil {
		logger.Warn("Validation note failed: %v", noteErr)
	}

	logger.Info("🔍 Validation attempt %d: passed=%t next=%s", attempt, passed, record.NextStep)
	if record.NextStep == proto.RouteEscalate {
		st.EscalationReason = fmt.Sprintf("Validation failed after %d attempts", attempt)
	}
	st.Route(record.NextStep)
	return nil
}

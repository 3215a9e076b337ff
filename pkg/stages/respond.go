package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"supportflow/pkg/proto"
	"supportflow/pkg/state"
)

// Respond delivers the validated draft to the customer. Delivery failure
// escalates without a finalized reply. After a successful send the stage
// still escalates when the draft was a team handoff or when any executed
// action is pending human review; only a clean run proceeds straight to
// Finalize.
func (d *Deps) Respond(ctx context.Context, st *state.ConversationState) error {
	logger := d.logger(st.RunID)

	if st.CurrentDraft == nil {
		escalateWithError(st, fmt.Errorf("respond reached without a draft"))
		return nil
	}

	start := time.Now()
	err := d.Ticketing.SendMessage(ctx, st.ConversationID, st.CurrentDraft.Text)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		st.Delivery = &state.DeliveryRecord{Success: false, Delivered: false, LatencyMS: latency}
		st.EscalationReason = fmt.Sprintf("message delivery failed: %v", err)
		logger.Error("Message delivery failed: %v", err)
		st.Route(proto.RouteEscalate)
		return nil
	}
	st.Delivery = &state.DeliveryRecord{Success: true, Delivered: true, LatencyMS: latency}
	logger.Info("📤 Reply delivered in %dms", latency)

	if st.CurrentDraft.Kind == proto.ResponseRouteToTeam {
		reason := st.CurrentDraft.EscalationReason
		if reason == "" {
			reason = "draft requested a team handoff"
		}
		st.EscalationReason = reason
		st.Route(proto.RouteEscalate)
		return nil
	}

	if reviewable := st.ReviewableActions(); len(reviewable) > 0 {
		st.EscalationReason = fmt.Sprintf("Actions pending human review: %s", strings.Join(reviewable, ", "))
		st.Route(proto.RouteEscalate)
		return nil
	}

	st.Route(proto.RouteFinalize)
	return nil
}

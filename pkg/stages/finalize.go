package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"supportflow/pkg/analytics"
	"supportflow/pkg/logx"
	"supportflow/pkg/metrics"
	"supportflow/pkg/proto"
	"supportflow/pkg/state"
)

// Finalize derives the terminal status and performs the closing side
// effects: status attribute, snooze, harness report in test mode, and the
// audit row. Every side effect is non-fatal; Finalize always ends the run.
func (d *Deps) Finalize(ctx context.Context, st *state.ConversationState) error {
	logger := d.logger(st.RunID)

	status := terminalStatus(st)
	record := &state.FinalizeRecord{Status: status}

	if err := d.Ticketing.SetCustomAttribute(ctx, st.ConversationID, d.Config.StatusAttribute, string(status)); err != nil {
		logger.Warn("Status attribute write failed: %v", err)
	} else {
		record.AttributeSet = true
	}

	until := time.Now().Add(d.Config.SnoozeDuration)
	if err := d.Ticketing.Snooze(ctx, st.ConversationID, until); err != nil {
		logger.Warn("Snooze failed: %v", err)
	} else {
		record.Snoozed = true
	}

	if st.Mode == proto.ModeTest && d.Config.Endpoints.HarnessWebhook != "" {
		if err := d.reportToHarness(ctx, st, status); err != nil {
			logger.Warn("Harness report failed: %v", err)
		} else {
			record.Reported = true
		}
	}

	st.Final = record
	metrics.RecordRun(status)
	if err := analytics.RecordRun(st); err != nil {
		logger.Warn("Audit row write failed: %v", err)
	}

	logger.Info("🏁 Run finished: status=%s hops=%d actions=%d validations=%d",
		status, len(st.Hops), len(st.Actions), len(st.Validations))
	st.Route(proto.RouteEnd)
	return nil
}

// terminalStatus derives the run's terminal status from the state record.
// Delivery failure dominates. Escalations from coverage, draft, or a user
// asking for a human are team handoffs; a delivered reply with only a
// review escalation still counts as success. Initialization and unknown
// failures are errors.
func terminalStatus(st *state.ConversationState) proto.Status {
	if st.Delivery != nil && !st.Delivery.Success {
		return proto.StatusMessageFailed
	}
	if st.Escalation == nil {
		if st.Delivery != nil && st.Delivery.Delivered {
			return proto.StatusSuccess
		}
		return proto.StatusError
	}
	if strings.Contains(strings.ToLower(st.Escalation.Reason), "requested to talk to a human") {
		return proto.StatusRouteToTeam
	}
	switch st.Escalation.Source {
	case proto.SourceValidationFailed:
		return proto.StatusValidationFailed
	case proto.SourceDraftRouteToTeam, proto.SourceCoverage, proto.SourceDraftError:
		return proto.StatusRouteToTeam
	case proto.SourceActionReview:
		if st.Delivery != nil && st.Delivery.Delivered {
			return proto.StatusSuccess
		}
		return proto.StatusRouteToTeam
	default:
		return proto.StatusError
	}
}

// runLogTail collects this run's buffered log lines for the harness report.
func runLogTail(runID string) []string {
	var tail []string
	for _, entry := range logx.RecentEntries("") {
		if entry.RunID != runID {
			continue
		}
		tail = append(tail, fmt.Sprintf("%s %s: %s", entry.Timestamp, entry.Level, entry.Message))
	}
	return tail
}

// reportToHarness posts the run outcome to the test harness webhook.
func (d *Deps) reportToHarness(ctx context.Context, st *state.ConversationState, status proto.Status) error {
	payload := map[string]any{
		"run_id":          st.RunID,
		"conversation_id": st.ConversationID,
		"status":          string(status),
		"hops":            len(st.Hops),
		"actions":         len(st.Actions),
		"validations":     len(st.Validations),
	}
	if st.Escalation != nil {
		payload["escalation_source"] = string(st.Escalation.Source)
		payload["escalation_reason"] = st.Escalation.Reason
	}
	if st.CurrentDraft != nil {
		payload["reply"] = st.CurrentDraft.Text
	}
	payload["log_tail"] = runLogTail(st.RunID)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal harness report: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Config.Endpoints.HarnessWebhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build harness report: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("harness returned status %d", resp.StatusCode)
	}
	return nil
}

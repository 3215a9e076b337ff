package stages

import (
	"context"
	"fmt"

	"supportflow/pkg/proto"
	"supportflow/pkg/state"
)

// Initialize loads the conversation, discovers the tool capability list, and
// applies the run ceilings. Any failure here is fatal for the run and routes
// straight to Escalate; no partial state ever proceeds to Plan.
func (d *Deps) Initialize(ctx context.Context, st *state.ConversationState) error {
	logger := d.logger(st.RunID)

	if st.ConversationID == "" {
		escalateWithError(st, fmt.Errorf("initialization failed: conversation id is required"))
		return nil
	}

	st.Mode = d.Config.Mode
	st.DryRun = d.Config.DryRun
	st.MaxHops = d.Config.Limits.MaxHops
	st.MaxActions = d.Config.Limits.MaxActions
	st.MaxValidationRetries = d.Config.Limits.MaxValidationRetries

	// Callers may pre-supply messages and contact identity; fetch only what
	// is missing.
	if len(st.Messages) == 0 {
		conv, err := d.Ticketing.GetConversation(ctx, st.ConversationID)
		if err != nil {
			escalateWithError(st, fmt.Errorf("initialization failed: fetch conversation: %w", err))
			return nil
		}
		st.Subject = conv.Subject
		st.User = state.UserProfile{Name: conv.ContactName, Email: conv.ContactEmail}
		for i := range conv.Messages {
			st.Messages = append(st.Messages, state.Message{
				Role:        conv.Messages[i].Role,
				Text:        conv.Messages[i].Text,
				Attachments: conv.Messages[i].Attachments,
			})
		}
	}

	if len(st.Messages) == 0 && st.Subject == "" {
		escalateWithError(st, fmt.Errorf("initialization failed: conversation %s has no messages and no subject", st.ConversationID))
		return nil
	}

	tools, err := d.Gateway.ListTools(ctx)
	if err != nil {
		escalateWithError(st, fmt.Errorf("initialization failed: list tools: %w", err))
		return nil
	}
	for i := range tools {
		// The procedure lookup runs through its own store, not the run's
		// capability list.
		if tools[i].Name == d.Config.ProcedureSearchTool {
			continue
		}
		if tools[i].Kind == "" {
			tools[i].Kind = proto.ToolKindGather
		}
		st.Tools = append(st.Tools, tools[i])
	}
	if len(st.Tools) == 0 {
		escalateWithError(st, fmt.Errorf("initialization failed: gateway exposed no usable tools"))
		return nil
	}

	logger.Info("📥 Initialized conversation %s: %d messages, %d tools, mode=%s dry_run=%t",
		st.ConversationID, len(st.Messages), len(st.Tools), st.Mode, st.DryRun)
	st.Route(proto.RouteProcedure)
	return nil
}

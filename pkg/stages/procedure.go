package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"supportflow/pkg/procedures"
	"supportflow/pkg/proto"
	"supportflow/pkg/state"
)

// Procedure resolves the runbook for this conversation. Matching is
// best-effort: a store failure or no match leaves the run unguided but never
// blocks it, and the stage always routes to Plan.
func (d *Deps) Procedure(ctx context.Context, st *state.ConversationState) error {
	logger := d.logger(st.RunID)

	matched, err := d.resolveProcedure(ctx, st)
	if err != nil {
		logger.Warn("Procedure resolution failed, continuing unguided: %v", err)
	}

	if matched != nil {
		st.Procedure = matched
		st.ProcedureActionTools = matched.ActionTools
		d.applyAllowedTools(st, matched)

		note := fmt.Sprintf("📋 Procedure matched: %s (%s), confidence %.2f\n%s",
			matched.Title, matched.ID, matched.Confidence, matched.Reasoning)
		if noteErr := d.Ticketing.AddNote(ctx, st.ConversationID, note); noteErr != nil {
			logger.Warn("Procedure note failed: %v", noteErr)
		}
		_ = d.Procedures.LogSelection(ctx, st.ConversationID, matched.ID, true)
		logger.Info("📋 Procedure %s guides this run (%d mandated actions)", matched.ID, len(matched.ActionTools))
	} else {
		logger.Info("📋 No procedure matched; run proceeds unguided")
	}

	st.Route(proto.RoutePlan)
	return nil
}

func (d *Deps) resolveProcedure(ctx context.Context, st *state.ConversationState) (*procedures.Procedure, error) {
	if st.RequestedProcedureID != "" {
		proc, err := d.Procedures.FetchByID(ctx, st.RequestedProcedureID)
		if err != nil {
			if errors.Is(err, procedures.ErrNotFound) {
				return nil, fmt.Errorf("requested procedure %s not found", st.RequestedProcedureID)
			}
			return nil, err
		}
		if proc.Confidence == 0 {
			proc.Confidence = 1.0
		}
		if proc.Reasoning == "" {
			proc.Reasoning = "requested directly by caller"
		}
		return proc, nil
	}

	result, err := d.Procedures.SelectBestMatch(ctx, st.ConversationID, st.Subject, d.transcript(st))
	if err != nil {
		return nil, err
	}
	if result == nil || !result.Matched || result.Procedure == nil {
		return nil, nil
	}
	return result.Procedure, nil
}

// applyAllowedTools restricts the capability list to the procedure's allowed
// set. Mandated action tools are always kept even if the list omits them.
func (d *Deps) applyAllowedTools(st *state.ConversationState, proc *procedures.Procedure) {
	if len(proc.AllowedTools) == 0 {
		return
	}
	allowed := make(map[string]bool, len(proc.AllowedTools)+len(proc.ActionTools))
	for _, name := range proc.AllowedTools {
		allowed[name] = true
	}
	for _, name := range proc.ActionTools {
		allowed[name] = true
	}

	kept := st.Tools[:0]
	var dropped []string
	for i := range st.Tools {
		if allowed[st.Tools[i].Name] {
			kept = append(kept, st.Tools[i])
		} else {
			dropped = append(dropped, st.Tools[i].Name)
		}
	}
	st.Tools = kept
	if len(dropped) > 0 {
		d.logger(st.RunID).Info("📋 Procedure %s restricted tools; dropped: %s", proc.ID, strings.Join(dropped, ", "))
	}
}

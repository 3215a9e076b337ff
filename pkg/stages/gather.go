package stages

import (
	"context"
	"fmt"
	"strings"

	"supportflow/pkg/gateway"
	"supportflow/pkg/proto"
	"supportflow/pkg/schema"
	"supportflow/pkg/state"
)

// Gather executes every gather call the current hop's plan proposed.
// Per-call failures are isolated: a failing tool is recorded and its
// siblings still run. Results accumulate into the shared data maps.
func (d *Deps) Gather(ctx context.Context, st *state.ConversationState) error {
	logger := d.logger(st.RunID)
	hop := st.CurrentHop()
	if hop == nil || hop.Plan == nil {
		escalateWithError(st, fmt.Errorf("gather reached without a planned hop"))
		return nil
	}

	trusted := schema.TrustedValues{ConversationID: st.ConversationID, DryRun: st.DryRun}
	record := &state.GatherRecord{}
	succeeded := 0

	for _, call := range hop.Plan.GatherCalls {
		tool, ok := st.FindTool(call.ToolName)
		if !ok {
			record.Calls = append(record.Calls, state.GatherCallResult{
				ToolName: call.ToolName,
				Error:    "tool not in capability list",
			})
			continue
		}

		params := schema.Inject(tool, call.Parameters, trusted)
		res, err := d.Gateway.CallTool(ctx, call.ToolName, params, d.Config.Timeouts.Gather)
		if err != nil {
			logger.Warn("Gather call %s failed: %v", call.ToolName, err)
			record.Calls = append(record.Calls, state.GatherCallResult{
				ToolName: call.ToolName,
				Error:    err.Error(),
			})
			continue
		}

		value, err := gateway.ParseResult(res)
		if err != nil {
			logger.Warn("Gather call %s returned an unusable result: %v", call.ToolName, err)
			record.Calls = append(record.Calls, state.GatherCallResult{
				ToolName: call.ToolName,
				Error:    err.Error(),
			})
			continue
		}

		record.Calls = append(record.Calls, state.GatherCallResult{
			ToolName: call.ToolName,
			Success:  true,
			Result:   value,
		})
		succeeded++

		if query, isDocs := docsQuery(call.ToolName, params); isDocs {
			st.AccumulateDocsData(query, hop.Number, value)
		} else {
			st.AccumulateToolData(call.ToolName, value)
		}
	}

	if len(record.Calls) == 0 {
		record.SuccessRate = 1.0
	} else {
		record.SuccessRate = float64(succeeded) / float64(len(record.Calls))
	}
	hop.Gather = record

	logger.Info("🔎 Gather hop %d: %d/%d calls succeeded", hop.Number, succeeded, len(record.Calls))
	st.Route(proto.RouteCoverage)
	return nil
}

// docsQuery reports whether a call is a documentation lookup, keyed by its
// free-text query rather than the tool name.
func docsQuery(toolName string, params map[string]any) (string, bool) {
	if !strings.Contains(toolName, "documentation") {
		return "", false
	}
	query, ok := params["query"].(string)
	if !ok || query == "" {
		return "", false
	}
	return query, true
}

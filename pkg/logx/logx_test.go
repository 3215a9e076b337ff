package logx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentEntriesFiltersByDomain(t *testing.T) {
	SetDebug(true, nil)
	t.Cleanup(func() { SetDebug(false, nil) })

	ctx := WithRunIDContext(context.Background(), "run-logx")
	Debug(ctx, "coverage", "judged hop %d", 1)
	Debug(ctx, "gather", "called %d tools", 2)

	var sawCoverage, sawGather bool
	for _, entry := range RecentEntries("coverage") {
		switch entry.Message {
		case "judged hop 1":
			sawCoverage = true
			assert.Equal(t, "run-logx", entry.RunID)
		case "called 2 tools":
			sawGather = true
		}
	}
	assert.True(t, sawCoverage)
	assert.False(t, sawGather)
}

func TestDebugFlowRecordsStep(t *testing.T) {
	SetDebug(true, []string{"graph"})
	t.Cleanup(func() { SetDebug(false, nil) })

	ctx := WithRunIDContext(context.Background(), "run-flow")
	DebugFlow(ctx, "graph", "coverage", "completed", "route=respond")

	entries := RecentEntries("graph")
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "Flow coverage: completed - route=respond", last.Message)
	assert.Equal(t, "run-flow", last.RunID)
	assert.Equal(t, "graph", last.Domain)
}

func TestDebugFlowIsSilencedOutsideEnabledDomains(t *testing.T) {
	SetDebug(true, []string{"graph"})
	t.Cleanup(func() { SetDebug(false, nil) })

	ctx := WithRunIDContext(context.Background(), "run-quiet")
	DebugFlow(ctx, "coverage", "judgement", "started")

	for _, entry := range RecentEntries("coverage") {
		assert.NotEqual(t, "run-quiet", entry.RunID)
	}
}

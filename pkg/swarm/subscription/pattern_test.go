package subscription

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bullish-design/remora/pkg/swarm/event"
)

func TestPatternMatchesOnEventKind(t *testing.T) {
	p := Pattern{EventKinds: []event.Kind{event.KindFileSaved, event.KindContentChanged}}
	e := &event.Envelope{Kind: event.KindFileSaved}
	require.True(t, p.Matches(e))

	e.Kind = event.KindToolCall
	require.False(t, p.Matches(e))
}

func TestPatternMatchesOnToAgentExact(t *testing.T) {
	p := Pattern{ToAgent: "agent-1"}
	require.True(t, p.Matches(&event.Envelope{ToAgent: "agent-1"}))
	require.False(t, p.Matches(&event.Envelope{ToAgent: "agent-2"}))
}

func TestPatternMatchesFromAgentGlob(t *testing.T) {
	p := Pattern{FromAgents: []string{"worker-*"}}
	require.True(t, p.Matches(&event.Envelope{FromAgent: "worker-7"}))
	require.False(t, p.Matches(&event.Envelope{FromAgent: "coordinator"}))
	require.False(t, p.Matches(&event.Envelope{FromAgent: ""}))
}

func TestPatternMatchesPathGlobSingleSegment(t *testing.T) {
	p := Pattern{PathGlob: "src/*.py"}
	require.True(t, p.Matches(&event.Envelope{Path: "src/main.py"}))
	require.False(t, p.Matches(&event.Envelope{Path: "src/nested/main.py"}))
}

func TestPatternMatchesPathGlobCrossSegment(t *testing.T) {
	p := Pattern{PathGlob: "src/**/*.py"}
	require.True(t, p.Matches(&event.Envelope{Path: "src/nested/deep/main.py"}))
	require.True(t, p.Matches(&event.Envelope{Path: "src/main.py"}))
	require.False(t, p.Matches(&event.Envelope{Path: "lib/main.py"}))
}

func TestPatternMatchesRequiredTags(t *testing.T) {
	p := Pattern{TagsRequired: []string{"urgent", "review"}}
	require.True(t, p.Matches(&event.Envelope{Tags: []string{"urgent", "review", "extra"}}))
	require.False(t, p.Matches(&event.Envelope{Tags: []string{"urgent"}}))
}

func TestPatternEmptyMatchesEverything(t *testing.T) {
	p := Pattern{}
	require.True(t, p.Matches(&event.Envelope{Kind: event.KindToolResult, Path: "anything", FromAgent: "x"}))
}

func TestDefaultPatternsCoverSelfAndFile(t *testing.T) {
	pats := DefaultPatterns("agent-1", "src/foo.py")
	require.Len(t, pats, 2)
	require.Equal(t, "agent-1", pats[0].ToAgent)
	require.Equal(t, "src/foo.py", pats[1].PathGlob)
	require.Contains(t, pats[1].EventKinds, event.KindContentChanged)
	require.Contains(t, pats[1].EventKinds, event.KindFileSaved)
}

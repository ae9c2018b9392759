package cascade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanRunAllowsFirstTrigger(t *testing.T) {
	g := New(10, 0)
	now := time.Now()
	require.Equal(t, Allow, g.CanRun("c1", "A1", now))
}

func TestCanRunRejectsCycle(t *testing.T) {
	g := New(10, 0)
	now := time.Now()
	require.Equal(t, Allow, g.CanRunAndAdmit("c1", "A1", now))
	require.Equal(t, RejectCycle, g.CanRun("c1", "A1", now))
}

func TestCanRunRejectsDepth(t *testing.T) {
	g := New(2, 0)
	now := time.Now()
	require.Equal(t, Allow, g.CanRunAndAdmit("c1", "A1", now))
	require.Equal(t, Allow, g.CanRunAndAdmit("c1", "A2", now))
	require.Equal(t, RejectDepth, g.CanRun("c1", "A3", now))
}

func TestCanRunRejectsCooldown(t *testing.T) {
	g := New(10, time.Minute)
	now := time.Now()
	require.Equal(t, Allow, g.CanRunAndAdmit("c1", "A1", now))

	require.Equal(t, RejectCooldown, g.CanRun("c2", "A1", now.Add(time.Second)))
	require.Equal(t, Allow, g.CanRun("c2", "A1", now.Add(time.Hour)))
}

func TestCanRunIndependentAcrossCorrelations(t *testing.T) {
	g := New(10, 0)
	now := time.Now()
	require.Equal(t, Allow, g.CanRunAndAdmit("c1", "A1", now))
	require.Equal(t, Allow, g.CanRun("c2", "A1", now))
}

func TestDepthTracksChainLength(t *testing.T) {
	g := New(10, 0)
	now := time.Now()
	require.Equal(t, 0, g.Depth("c1"))
	g.CanRunAndAdmit("c1", "A1", now)
	require.Equal(t, 1, g.Depth("c1"))
	g.CanRunAndAdmit("c1", "A2", now)
	require.Equal(t, 2, g.Depth("c1"))
}

func TestGCRemovesStaleChains(t *testing.T) {
	g := New(10, 0)
	now := time.Now()
	g.CanRunAndAdmit("c1", "A1", now)

	removed := g.GC(now.Add(time.Hour), time.Minute)
	require.Equal(t, 1, removed)
	require.Equal(t, 0, g.Depth("c1"))

	require.Equal(t, Allow, g.CanRun("c1", "A1", now.Add(time.Hour)))
}

func TestGCLeavesFreshChains(t *testing.T) {
	g := New(10, 0)
	now := time.Now()
	g.CanRunAndAdmit("c1", "A1", now)

	removed := g.GC(now.Add(time.Second), time.Minute)
	require.Equal(t, 0, removed)
	require.Equal(t, 1, g.Depth("c1"))
}

func TestCanRunAndAdmitIsAtomic(t *testing.T) {
	g := New(1, 0)
	now := time.Now()
	require.Equal(t, Allow, g.CanRunAndAdmit("c1", "A1", now))
	require.Equal(t, RejectDepth, g.CanRunAndAdmit("c1", "A2", now))
}

func TestDecisionString(t *testing.T) {
	require.Equal(t, "allow", Allow.String())
	require.Equal(t, "reject_cycle", RejectCycle.String())
	require.Equal(t, "reject_depth", RejectDepth.String())
	require.Equal(t, "reject_cooldown", RejectCooldown.String())
}

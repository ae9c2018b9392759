package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bullish-design/remora/pkg/swarm/agentstate"
	"github.com/bullish-design/remora/pkg/swarm/config"
	"github.com/bullish-design/remora/pkg/swarm/event"
	"github.com/bullish-design/remora/pkg/swarm/kernel"
	"github.com/bullish-design/remora/pkg/swarm/store"
	"github.com/bullish-design/remora/pkg/swarm/subscription"
)

type stubKernel struct{}

func (stubKernel) Turn(ctx context.Context, req kernel.TurnRequest) (*kernel.TurnOutcome, error) {
	return &kernel.TurnOutcome{Content: "ack"}, nil
}

func testCfg() config.Swarm {
	cfg := config.DefaultSwarm()
	cfg.TriggerQueueCapacity = 16
	cfg.TurnTimeout = time.Second
	return cfg
}

func TestBuilderRejectsIncompleteAssembly(t *testing.T) {
	_, err := NewBuilder(testCfg()).Build()
	require.Error(t, err)
}

func TestBuilderRejectsInvalidConfig(t *testing.T) {
	cfg := testCfg()
	cfg.MaxConcurrency = 0
	_, err := NewBuilder(cfg).Build()
	require.Error(t, err)
}

func TestCoreIngestDispatchesToSubscribedAgent(t *testing.T) {
	events, err := store.NewSQLiteStore(":memory:", 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	subs, err := subscription.NewSQLiteRegistry(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = subs.Close() })

	swarmReg, err := agentstate.NewSQLiteSwarmRegistry(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = swarmReg.Close() })

	states := agentstate.NewMemoryAgentStateStore()

	require.NoError(t, swarmReg.Upsert(agentstate.Record{
		AgentID: "agent-1", NodeType: event.NodeFunction, Name: "foo",
		QualifiedName: "foo", FilePath: "a.py", Status: agentstate.StatusActive,
	}))
	_, err = subs.Register("agent-1", subscription.Pattern{ToAgent: "agent-1"}, true)
	require.NoError(t, err)

	core, err := NewBuilder(testCfg()).
		WithEventStore(events).
		WithSubscriptionRegistry(subs).
		WithSwarmRegistry(swarmReg).
		WithAgentStateStore(states).
		WithKernel(stubKernel{}).
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	e, err := event.New(event.KindManualTrigger, map[string]string{}, event.WithToAgent("agent-1"))
	require.NoError(t, err)
	_, err = core.IngestEvent(e)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		evts, err := core.SubscribeToStream(store.ReplayFilter{})
		require.NoError(t, err)
		found := false
		for _, ev := range evts {
			if ev.Kind == event.KindTurnCompleted {
				found = true
			}
		}
		if found {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Fail(t, "expected a TurnCompleted event to be appended")
}

func TestCoreReconcileWithoutParserErrors(t *testing.T) {
	events, err := store.NewSQLiteStore(":memory:", 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })
	subs, err := subscription.NewSQLiteRegistry(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = subs.Close() })
	swarmReg, err := agentstate.NewSQLiteSwarmRegistry(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = swarmReg.Close() })
	states := agentstate.NewMemoryAgentStateStore()

	core, err := NewBuilder(testCfg()).
		WithEventStore(events).
		WithSubscriptionRegistry(subs).
		WithSwarmRegistry(swarmReg).
		WithAgentStateStore(states).
		WithKernel(stubKernel{}).
		Build()
	require.NoError(t, err)

	_, _, _, err = core.Reconcile(context.Background(), "a.py")
	require.Error(t, err)
}

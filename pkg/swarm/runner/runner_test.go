package runner

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bullish-design/remora/pkg/swarm/agentstate"
	"github.com/bullish-design/remora/pkg/swarm/cascade"
	"github.com/bullish-design/remora/pkg/swarm/config"
	"github.com/bullish-design/remora/pkg/swarm/event"
	"github.com/bullish-design/remora/pkg/swarm/kernel"
	"github.com/bullish-design/remora/pkg/swarm/store"
	"github.com/bullish-design/remora/pkg/swarm/subscription"
)

// fakeEventStore is an in-memory EventStore substitute that lets tests
// observe every appended event and feed triggers directly.
type fakeEventStore struct {
	mu       sync.Mutex
	appended []*event.Envelope
	triggers chan store.Trigger
	seq      int64
}

func newFakeEventStore(capacity int) *fakeEventStore {
	return &fakeEventStore{triggers: make(chan store.Trigger, capacity)}
}

func (s *fakeEventStore) Append(e *event.Envelope, matcher store.Matcher) (int64, error) {
	s.mu.Lock()
	s.seq++
	e.Seq = s.seq
	s.appended = append(s.appended, e)
	s.mu.Unlock()
	return e.Seq, nil
}

func (s *fakeEventStore) Triggers() <-chan store.Trigger { return s.triggers }

func (s *fakeEventStore) push(t store.Trigger) { s.triggers <- t }

func (s *fakeEventStore) snapshot() []*event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*event.Envelope, len(s.appended))
	copy(out, s.appended)
	return out
}

// fakeKernel returns a scripted TurnOutcome (or error) for every Turn call
// and records the order and concurrency of invocations.
type fakeKernel struct {
	mu         sync.Mutex
	calls      []string // agent IDs in call order
	inFlight   int32
	maxInFlight int32
	outcome    *kernel.TurnOutcome
	err        error
	delay      time.Duration
}

func (k *fakeKernel) Turn(ctx context.Context, req kernel.TurnRequest) (*kernel.TurnOutcome, error) {
	n := atomic.AddInt32(&k.inFlight, 1)
	for {
		old := atomic.LoadInt32(&k.maxInFlight)
		if n <= old || atomic.CompareAndSwapInt32(&k.maxInFlight, old, n) {
			break
		}
	}
	defer atomic.AddInt32(&k.inFlight, -1)

	k.mu.Lock()
	k.calls = append(k.calls, req.AgentRecord.AgentID)
	k.mu.Unlock()

	if k.delay > 0 {
		select {
		case <-time.After(k.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if k.err != nil {
		return nil, k.err
	}
	if k.outcome != nil {
		out := *k.outcome
		return &out, nil
	}
	return &kernel.TurnOutcome{Content: "ok"}, nil
}

func (k *fakeKernel) callCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.calls)
}

func (k *fakeKernel) callsSnapshot() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, len(k.calls))
	copy(out, k.calls)
	return out
}

func testConfig() config.Swarm {
	return config.Swarm{
		MaxConcurrency:       2,
		MaxChainDepth:        10,
		Cooldown:             0,
		TurnTimeout:          2 * time.Second,
		TriggerQueueCapacity: 16,
		CorrelationTTL:       time.Minute,
		ShutdownGrace:        2 * time.Second,
	}
}

type harness struct {
	runner *Runner
	events *fakeEventStore
	swarm  *agentstate.SQLiteSwarmRegistry
	states *agentstate.MemoryAgentStateStore
	subs   *subscription.SQLiteRegistry
	guard  *cascade.Guard
	kern   *fakeKernel
}

func newHarness(t *testing.T, cfg config.Swarm, kern *fakeKernel) *harness {
	t.Helper()
	swarm, err := agentstate.NewSQLiteSwarmRegistry(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = swarm.Close() })

	subs, err := subscription.NewSQLiteRegistry(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = subs.Close() })

	states := agentstate.NewMemoryAgentStateStore()
	guard := cascade.New(cfg.MaxChainDepth, cfg.Cooldown)
	events := newFakeEventStore(cfg.TriggerQueueCapacity)

	r := New(events, swarm, states, subs, guard, kern, nil, cfg)
	return &harness{runner: r, events: events, swarm: swarm, states: states, subs: subs, guard: guard, kern: kern}
}

func mustRecord(t *testing.T, h *harness, agentID, parentID string) agentstate.Record {
	t.Helper()
	rec := agentstate.Record{
		AgentID:       agentID,
		NodeType:      event.NodeFunction,
		Name:          agentID,
		QualifiedName: agentID,
		FilePath:      "a.py",
		ParentID:      parentID,
		Status:        agentstate.StatusActive,
	}
	require.NoError(t, h.swarm.Upsert(rec))
	return rec
}

func triggerFor(agentID string, seq int64) store.Trigger {
	e, _ := event.New(event.KindManualTrigger, map[string]string{}, event.WithToAgent(agentID))
	e.Seq = seq
	return store.Trigger{AgentID: agentID, Seq: seq, Event: e}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met within timeout")
}

// S1: a single trigger runs to completion and appends TurnStarted and
// TurnCompleted events.
func TestRunnerExecutesSingleTurn(t *testing.T) {
	kern := &fakeKernel{}
	h := newHarness(t, testConfig(), kern)
	mustRecord(t, h, "agent-1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.Run(ctx)

	h.events.push(triggerFor("agent-1", 1))

	waitFor(t, time.Second, func() bool { return len(h.events.snapshot()) >= 2 })

	evts := h.events.snapshot()
	require.Len(t, evts, 2)
	require.Equal(t, event.KindTurnStarted, evts[0].Kind)
	require.Equal(t, event.KindTurnCompleted, evts[1].Kind)
}

// S2: a cascade-guard rejection (depth exceeded) never calls the Kernel
// and records only a TurnError with cause depth for the rejected trigger.
func TestRunnerRefusesOnAdmissionRejection(t *testing.T) {
	kern := &fakeKernel{}
	cfg := testConfig()
	cfg.MaxChainDepth = 1
	h := newHarness(t, cfg, kern)
	mustRecord(t, h, "agent-1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.Run(ctx)

	corr := "chain-1"
	now := time.Now()
	// Pre-admit a distinct agent into the chain so depth(corr) already
	// equals MaxChainDepth; agent-1's own trigger is then rejected for
	// depth, not cycle, since it has never joined this chain before.
	h.guard.Admit(corr, "other-agent", now)

	e, _ := event.New(event.KindManualTrigger, map[string]string{}, event.WithToAgent("agent-1"), event.WithCorrelationID(corr))
	h.events.push(store.Trigger{AgentID: "agent-1", Seq: 1, Event: e})

	time.Sleep(100 * time.Millisecond)
	evts := h.events.snapshot()
	require.Len(t, evts, 1, "a rejected trigger appends only its TurnError, no TurnStarted/TurnCompleted event")
	require.Equal(t, event.KindTurnError, evts[0].Kind)
	p, err := event.TypedPayload[event.TurnErrorPayload](evts[0])
	require.NoError(t, err)
	require.Equal(t, event.TurnErrorDepth, p.Cause)
	require.Zero(t, kern.callCount(), "kernel must never be invoked for a rejected trigger")
}

// S3: triggers for the same agent run strictly in arrival order even
// though the kernel is slow.
func TestRunnerPerAgentSequentialOrdering(t *testing.T) {
	kern := &fakeKernel{delay: 20 * time.Millisecond}
	h := newHarness(t, testConfig(), kern)
	mustRecord(t, h, "agent-1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.Run(ctx)

	for i := int64(1); i <= 5; i++ {
		h.events.push(triggerFor("agent-1", i))
	}

	waitFor(t, 2*time.Second, func() bool { return len(h.events.snapshot()) >= 10 })

	calls := kern.callsSnapshot()
	require.Len(t, calls, 5)
	for _, c := range calls {
		require.Equal(t, "agent-1", c)
	}

	var order []int64
	for _, e := range h.events.snapshot() {
		if e.Kind == event.KindTurnStarted {
			p, err := event.TypedPayload[event.TurnStartedPayload](e)
			require.NoError(t, err)
			order = append(order, p.TriggerSeq)
		}
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, order)
}

// S4: turns across distinct agents execute with bounded concurrency, never
// exceeding cfg.MaxConcurrency simultaneously in-flight kernel calls.
func TestRunnerBoundsCrossAgentConcurrency(t *testing.T) {
	kern := &fakeKernel{delay: 50 * time.Millisecond}
	cfg := testConfig()
	cfg.MaxConcurrency = 2
	h := newHarness(t, cfg, kern)
	for i := 0; i < 6; i++ {
		mustRecord(t, h, "agent-"+string(rune('a'+i)), "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.Run(ctx)

	for i := 0; i < 6; i++ {
		h.events.push(triggerFor("agent-"+string(rune('a'+i)), int64(i+1)))
	}

	waitFor(t, 3*time.Second, func() bool { return len(h.events.snapshot()) >= 12 })
	require.LessOrEqual(t, int(atomic.LoadInt32(&kern.maxInFlight)), cfg.MaxConcurrency)
}

// broadcast:children expansion: a tool call addressed to
// subscription.BroadcastChildren fans out to every active child of the
// triggering agent, resolved from the SwarmRegistry at emit time.
func TestRunnerExpandsBroadcastChildren(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"to_agent": subscription.BroadcastChildren})
	kern := &fakeKernel{outcome: &kernel.TurnOutcome{
		Content:   "ok",
		ToolCalls: []kernel.ToolCall{{ID: "tc-1", Name: "notify", Arguments: args}},
	}}
	h := newHarness(t, testConfig(), kern)
	mustRecord(t, h, "parent", "")
	mustRecord(t, h, "child-1", "parent")
	mustRecord(t, h, "child-2", "parent")
	mustRecord(t, h, "unrelated", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.Run(ctx)

	h.events.push(triggerFor("parent", 1))

	waitFor(t, time.Second, func() bool {
		return len(h.events.snapshot()) >= 4 // TurnStarted + 2 ToolCall + TurnCompleted
	})

	var toAgents []string
	for _, e := range h.events.snapshot() {
		if e.Kind == event.KindToolCall {
			toAgents = append(toAgents, e.ToAgent)
		}
	}
	require.ElementsMatch(t, []string{"child-1", "child-2"}, toAgents)
}

// A Kernel error surfaces as a TurnError event carrying the kernel cause
// and the error's message, rather than crashing the runner.
func TestRunnerRecordsTurnErrorOnKernelFailure(t *testing.T) {
	kern := &fakeKernel{err: errBoom}
	h := newHarness(t, testConfig(), kern)
	mustRecord(t, h, "agent-1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.Run(ctx)

	h.events.push(triggerFor("agent-1", 1))

	waitFor(t, time.Second, func() bool {
		evts := h.events.snapshot()
		for _, e := range evts {
			if e.Kind == event.KindTurnError {
				return true
			}
		}
		return false
	})

	var payload event.TurnErrorPayload
	for _, e := range h.events.snapshot() {
		if e.Kind == event.KindTurnError {
			require.NoError(t, json.Unmarshal(e.Payload, &payload))
		}
	}
	require.Equal(t, event.TurnErrorKernel, payload.Cause)
	require.Contains(t, payload.Message, "boom")
}

// A turn that exceeds cfg.TurnTimeout is recorded as a timeout TurnError,
// not auto-retried (§9 Open Question (b): no automatic retry).
func TestRunnerRecordsTimeoutOnSlowKernel(t *testing.T) {
	kern := &fakeKernel{delay: 500 * time.Millisecond}
	cfg := testConfig()
	cfg.TurnTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, kern)
	mustRecord(t, h, "agent-1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.Run(ctx)

	h.events.push(triggerFor("agent-1", 1))

	waitFor(t, time.Second, func() bool {
		for _, e := range h.events.snapshot() {
			if e.Kind == event.KindTurnError {
				return true
			}
		}
		return false
	})

	var payload event.TurnErrorPayload
	for _, e := range h.events.snapshot() {
		if e.Kind == event.KindTurnError {
			require.NoError(t, json.Unmarshal(e.Payload, &payload))
		}
	}
	require.Equal(t, event.TurnErrorTimeout, payload.Cause)

	waitFor(t, time.Second, func() bool { return h.kern.callCount() >= 1 })
	time.Sleep(100 * time.Millisecond)
	require.Len(t, kern.callsSnapshot(), 1, "a timed-out turn must not be automatically retried")
}

// Shutdown waits for an in-flight turn to finish before returning.
func TestRunnerShutdownWaitsForInFlightTurn(t *testing.T) {
	kern := &fakeKernel{delay: 100 * time.Millisecond}
	cfg := testConfig()
	cfg.ShutdownGrace = time.Second
	h := newHarness(t, cfg, kern)
	mustRecord(t, h, "agent-1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.runner.Run(ctx)

	h.events.push(triggerFor("agent-1", 1))
	waitFor(t, time.Second, func() bool { return kern.callCount() >= 1 })

	err := h.runner.Shutdown(context.Background())
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return len(h.events.snapshot()) >= 2 })
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }

// Package swarm assembles the owned components and collaborators of the
// reactive agent swarm core into the public facade of §6: a mutable
// Builder that, once configured, compiles into an immutable Core exposing
// only the recognized public operations.
//
// Grounded on flowgraph.Graph/CompiledGraph's builder-then-compile shape
// (flowgraph/graph.go, flowgraph/compile.go): a Builder is unsafe for
// concurrent construction and is discarded after Build(); the resulting
// Core holds no package-level state, honoring the teacher's "no hidden
// globals" rule (§9).
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bullish-design/remora/pkg/swarm/agentstate"
	"github.com/bullish-design/remora/pkg/swarm/cascade"
	"github.com/bullish-design/remora/pkg/swarm/config"
	"github.com/bullish-design/remora/pkg/swarm/event"
	"github.com/bullish-design/remora/pkg/swarm/kernel"
	"github.com/bullish-design/remora/pkg/swarm/observability"
	"github.com/bullish-design/remora/pkg/swarm/parser"
	"github.com/bullish-design/remora/pkg/swarm/reconcile"
	"github.com/bullish-design/remora/pkg/swarm/runner"
	"github.com/bullish-design/remora/pkg/swarm/store"
	"github.com/bullish-design/remora/pkg/swarm/subscription"
	"github.com/bullish-design/remora/pkg/swarm/workspace"
)

// Builder assembles the swarm core's owned components and collaborators.
// Not safe for concurrent use; build the whole graph of dependencies on
// one goroutine, then call Build().
type Builder struct {
	events  store.Store
	subs    subscription.Registry
	swarm   agentstate.SwarmRegistry
	states  agentstate.AgentStateStore
	guard   *cascade.Guard
	kern    kernel.Kernel
	ws      workspace.Provider
	parser  parser.TreeParser
	cfg     config.Swarm
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	logger  *slog.Logger
}

// NewBuilder starts a Builder with cfg's concurrency and cascade-
// prevention knobs, no-op metrics and spans, and a discard logger. Every
// component defaults to nil. Build() requires the EventStore,
// SubscriptionRegistry, SwarmRegistry, AgentStateStore and Kernel; the
// WorkspaceProvider and TreeParser are optional, and Build() constructs
// the CascadeGuard from cfg if none is supplied.
func NewBuilder(cfg config.Swarm) *Builder {
	return &Builder{
		cfg:     cfg,
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		logger:  slog.New(slog.DiscardHandler),
	}
}

// WithEventStore supplies the durable EventStore (pkg/swarm/store).
func (b *Builder) WithEventStore(s store.Store) *Builder { b.events = s; return b }

// WithSubscriptionRegistry supplies the SubscriptionRegistry.
func (b *Builder) WithSubscriptionRegistry(r subscription.Registry) *Builder { b.subs = r; return b }

// WithSwarmRegistry supplies the SwarmRegistry.
func (b *Builder) WithSwarmRegistry(r agentstate.SwarmRegistry) *Builder { b.swarm = r; return b }

// WithAgentStateStore supplies the AgentStateStore.
func (b *Builder) WithAgentStateStore(s agentstate.AgentStateStore) *Builder { b.states = s; return b }

// WithCascadeGuard overrides the CascadeGuard Build() would otherwise
// construct from cfg.
func (b *Builder) WithCascadeGuard(g *cascade.Guard) *Builder { b.guard = g; return b }

// WithKernel supplies the Kernel collaborator (§9 Non-goal: no
// implementation shipped here, callers provide their own).
func (b *Builder) WithKernel(k kernel.Kernel) *Builder { b.kern = k; return b }

// WithWorkspaceProvider supplies the optional WorkspaceProvider
// collaborator. A nil provider means agent turns run without a CoW
// workspace handle.
func (b *Builder) WithWorkspaceProvider(p workspace.Provider) *Builder { b.ws = p; return b }

// WithTreeParser supplies the TreeParser collaborator the Reconciler uses.
func (b *Builder) WithTreeParser(p parser.TreeParser) *Builder { b.parser = p; return b }

// WithMetrics overrides the default no-op MetricsRecorder.
func (b *Builder) WithMetrics(m observability.MetricsRecorder) *Builder { b.metrics = m; return b }

// WithSpanManager overrides the default no-op SpanManager.
func (b *Builder) WithSpanManager(s observability.SpanManager) *Builder { b.spans = s; return b }

// WithLogger overrides the default discard logger.
func (b *Builder) WithLogger(l *slog.Logger) *Builder { b.logger = l; return b }

// Build validates the assembled components and returns an immutable Core.
// Build fails if any required component (EventStore, SubscriptionRegistry,
// SwarmRegistry, AgentStateStore, Kernel) is unset, or if cfg fails
// Validate().
func (b *Builder) Build() (*Core, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("swarm: invalid config: %w", err)
	}
	if b.events == nil {
		return nil, fmt.Errorf("swarm: EventStore is required")
	}
	if b.subs == nil {
		return nil, fmt.Errorf("swarm: SubscriptionRegistry is required")
	}
	if b.swarm == nil {
		return nil, fmt.Errorf("swarm: SwarmRegistry is required")
	}
	if b.states == nil {
		return nil, fmt.Errorf("swarm: AgentStateStore is required")
	}
	if b.kern == nil {
		return nil, fmt.Errorf("swarm: Kernel is required")
	}

	guard := b.guard
	if guard == nil {
		guard = cascade.New(b.cfg.MaxChainDepth, b.cfg.Cooldown)
	}

	run := runner.New(b.events, b.swarm, b.states, b.subs, guard, b.kern, b.ws, b.cfg,
		runner.WithMetrics(b.metrics), runner.WithSpanManager(b.spans), runner.WithLogger(b.logger),
		runner.WithMatcher(b.subs))

	var rec *reconcile.Reconciler
	if b.parser != nil {
		rec = reconcile.New(b.parser, b.swarm, b.subs, b.events,
			reconcile.WithMetrics(b.metrics), reconcile.WithMatcher(b.subs))
	}

	return &Core{
		events:  b.events,
		subs:    b.subs,
		swarm:   b.swarm,
		states:  b.states,
		guard:   guard,
		runner:  run,
		rec:     rec,
		metrics: b.metrics,
		logger:  b.logger,
	}, nil
}

// Core is the swarm's immutable public facade (§6). Every Core is
// constructed via Builder.Build(); there is no package-level singleton.
type Core struct {
	events store.Store
	subs   subscription.Registry
	swarm  agentstate.SwarmRegistry
	states agentstate.AgentStateStore
	guard  *cascade.Guard
	runner *runner.Runner
	rec    *reconcile.Reconciler

	metrics observability.MetricsRecorder
	logger  *slog.Logger

	runOnce sync.Once
}

// IngestEvent appends e to the EventStore, triggering admission and
// dispatch of any agent the SubscriptionRegistry matches (§6).
func (c *Core) IngestEvent(e *event.Envelope) (int64, error) {
	return c.events.Append(e, c.subs)
}

// SubscribeToStream replays every stored event matching filter, in seq
// order (§6). Intended for a front-end to reconstruct a view of the event
// log, not for live tailing — use Run's background dispatch for that.
func (c *Core) SubscribeToStream(filter store.ReplayFilter) ([]*event.Envelope, error) {
	return c.events.Replay(filter)
}

// Reconcile runs the Reconciler against rootPath (§6), returning the
// number of agents created, updated, and orphaned. Returns an error if no
// TreeParser was supplied to the Builder.
func (c *Core) Reconcile(ctx context.Context, rootPath string) (created, updated, orphaned int, err error) {
	if c.rec == nil {
		return 0, 0, 0, fmt.Errorf("swarm: Reconcile requires a TreeParser, none was configured")
	}
	created, updated, orphaned, err = c.rec.Reconcile(ctx, rootPath)
	if err == nil {
		observability.LogReconcileSummary(c.logger, rootPath, created, updated, orphaned, 0)
	}
	return created, updated, orphaned, err
}

// ListAgents returns every AgentRecord matching filter (§6).
func (c *Core) ListAgents(filter agentstate.Filter) ([]agentstate.Record, error) {
	return c.swarm.List(filter)
}

// GetAgentState returns agentID's mutable state: chat history, learned
// connections, and custom subscriptions (§6).
func (c *Core) GetAgentState(agentID string) (agentstate.State, error) {
	return c.states.Load(agentID)
}

// ListSubscriptions returns every subscription belonging to agentID,
// default and custom alike (§9 Open Question list).
func (c *Core) ListSubscriptions(agentID string) ([]subscription.Subscription, error) {
	return c.subs.ListFor(agentID)
}

// Unsubscribe removes a single subscription by ID (§9 Open Question
// list), the counterpart a Kernel-invoked tool needs to undo a custom
// subscription registered earlier in the same agent's lifetime.
func (c *Core) Unsubscribe(subscriptionID string) error {
	return c.subs.Unregister(subscriptionID)
}

// Run starts the Runner's reactive dispatch loop, blocking until ctx is
// cancelled or Shutdown is called. Call Run on its own goroutine.
func (c *Core) Run(ctx context.Context) {
	c.runOnce.Do(func() {
		c.runner.Run(ctx)
	})
}

// Shutdown stops the Runner, waiting up to its configured ShutdownGrace
// for in-flight turns to complete, then closes the EventStore. If the
// Runner does not stop cleanly, Shutdown returns its error and leaves the
// EventStore open.
func (c *Core) Shutdown(ctx context.Context) error {
	if err := c.runner.Shutdown(ctx); err != nil {
		return err
	}
	return c.events.Close()
}

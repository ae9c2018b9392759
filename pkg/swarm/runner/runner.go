// Package runner implements the AgentRunner (Scheduler) of §4.7: it drives
// the reactive loop from queued triggers through admission, turn
// execution, event emission, and completion/error recording.
//
// Grounded on flowgraph/execute_parallel.go's semaphore-via-buffered-
// channel concurrency limiter (generalized from "N branches of one fork
// node" to "N concurrently in-flight agent turns drawn from one trigger
// queue") and flowgraph/event/router.go's executeHandler timeout
// wrapping, adapted to wrap Kernel.Turn calls with turn_timeout_ms and
// structured TurnError recording instead of dead-letter-queue enqueue.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bullish-design/remora/pkg/swarm/agentstate"
	"github.com/bullish-design/remora/pkg/swarm/cascade"
	"github.com/bullish-design/remora/pkg/swarm/config"
	swarmerrors "github.com/bullish-design/remora/pkg/swarm/errors"
	"github.com/bullish-design/remora/pkg/swarm/event"
	"github.com/bullish-design/remora/pkg/swarm/kernel"
	"github.com/bullish-design/remora/pkg/swarm/observability"
	"github.com/bullish-design/remora/pkg/swarm/store"
	"github.com/bullish-design/remora/pkg/swarm/subscription"
	"github.com/bullish-design/remora/pkg/swarm/workspace"
)

// EventStore is the narrow slice of store.Store the Runner needs.
type EventStore interface {
	Append(e *event.Envelope, matcher store.Matcher) (int64, error)
	Triggers() <-chan store.Trigger
}

// Runner drives the reactive loop of §4.7.
type Runner struct {
	events     EventStore
	matcher    store.Matcher
	swarm      agentstate.SwarmRegistry
	states     agentstate.AgentStateStore
	subs       subscription.Registry
	guard      *cascade.Guard
	kern       kernel.Kernel
	workspaces workspace.Provider
	cfg        config.Swarm
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	logger     *slog.Logger

	sem chan struct{}

	mu          sync.Mutex
	agentQueues map[string]chan store.Trigger
	wg          sync.WaitGroup
	stopped     chan struct{}
	stopOnce    sync.Once
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics overrides the default no-op MetricsRecorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithSpanManager overrides the default no-op SpanManager.
func WithSpanManager(s observability.SpanManager) Option {
	return func(r *Runner) { r.spans = s }
}

// WithLogger overrides the default discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMatcher supplies the Matcher used when appending emitted events.
func WithMatcher(m store.Matcher) Option {
	return func(r *Runner) { r.matcher = m }
}

// New constructs a Runner bound to its collaborators, following the
// functional-options construction style of checkpoint.New/
// signal.NewDispatcher.
func New(
	events EventStore,
	swarm agentstate.SwarmRegistry,
	states agentstate.AgentStateStore,
	subs subscription.Registry,
	guard *cascade.Guard,
	kern kernel.Kernel,
	workspaces workspace.Provider,
	cfg config.Swarm,
	opts ...Option,
) *Runner {
	r := &Runner{
		events:      events,
		swarm:       swarm,
		states:      states,
		subs:        subs,
		guard:       guard,
		kern:        kern,
		workspaces:  workspaces,
		cfg:         cfg,
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
		logger:      slog.New(slog.DiscardHandler),
		sem:         make(chan struct{}, maxInt(cfg.MaxConcurrency, 1)),
		agentQueues: make(map[string]chan store.Trigger),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes triggers from the EventStore until ctx is cancelled or
// Shutdown is called, dispatching each to its agent's sequential queue.
// Turns execute sequentially per agent in queue-arrival order; across
// agents, up to cfg.MaxConcurrency turns run concurrently (§4.7).
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopped:
			return
		case trig, ok := <-r.events.Triggers():
			if !ok {
				return
			}
			r.dispatch(ctx, trig)
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, trig store.Trigger) {
	r.mu.Lock()
	q, ok := r.agentQueues[trig.AgentID]
	if !ok {
		q = make(chan store.Trigger, r.cfg.TriggerQueueCapacity)
		r.agentQueues[trig.AgentID] = q
		r.wg.Add(1)
		go r.runAgentQueue(ctx, trig.AgentID, q)
	}
	r.mu.Unlock()

	select {
	case q <- trig:
	case <-r.stopped:
	case <-ctx.Done():
	}
}

// runAgentQueue processes one agent's triggers strictly in arrival order.
func (r *Runner) runAgentQueue(ctx context.Context, agentID string, q chan store.Trigger) {
	defer r.wg.Done()
	for {
		select {
		case trig, ok := <-q:
			if !ok {
				return
			}
			r.runTurn(ctx, trig)
		case <-r.stopped:
			// Drain without processing: dropped triggers emit no events
			// (§4.7 Cancellation).
			return
		}
	}
}

// runTurn executes the AdmissionCheck -> Run -> Emitting -> Complete/Error
// state machine of §4.7 for one trigger.
func (r *Runner) runTurn(ctx context.Context, trig store.Trigger) {
	now := time.Now()
	correlationID := trig.Event.CorrelationID
	if correlationID == "" {
		correlationID = trig.Event.ID
	}

	if r.cfg.CorrelationTTL > 0 {
		r.guard.GC(now, r.cfg.CorrelationTTL)
	}

	decision := r.guard.CanRunAndAdmit(correlationID, trig.AgentID, now)
	if decision != cascade.Allow {
		observability.LogAdmissionRefused(r.logger, trig.AgentID, correlationID, decision.String())
		refusal := swarmerrors.CooldownRejected(trig.AgentID, correlationID)
		switch decision {
		case cascade.RejectCycle:
			refusal = swarmerrors.CycleRejected(trig.AgentID, correlationID)
		case cascade.RejectDepth:
			refusal = swarmerrors.DepthRejected(trig.AgentID, correlationID)
		}
		r.recordTurnError(trig, correlationID, refusal)
		return
	}

	select {
	case r.sem <- struct{}{}:
	case <-r.stopped:
		return
	case <-ctx.Done():
		return
	}
	defer func() { <-r.sem }()

	turnCtx, cancel := context.WithTimeout(ctx, r.cfg.TurnTimeout)
	defer cancel()

	turnCtx, span := r.spans.StartTurnSpan(turnCtx, trig.AgentID, correlationID)
	observability.LogTurnStart(r.logger, trig.AgentID, trig.Seq)
	start := time.Now()

	err := r.execute(turnCtx, trig, correlationID)

	duration := time.Since(start)
	r.metrics.RecordTurn(turnCtx, trig.AgentID, duration, err)
	r.spans.EndSpanWithError(span, err)

	if err != nil {
		observability.LogTurnError(r.logger, trig.AgentID, err, float64(duration.Milliseconds()))
		r.recordTurnError(trig, correlationID, err)
		return
	}
	observability.LogTurnComplete(r.logger, trig.AgentID, float64(duration.Milliseconds()))
}

func (r *Runner) execute(ctx context.Context, trig store.Trigger, correlationID string) error {
	rec, err := r.swarm.Get(trig.AgentID)
	if err != nil {
		return &swarmerrors.KernelError{AgentID: trig.AgentID, Cause: err}
	}

	state, err := r.states.Load(trig.AgentID)
	if err != nil && err != agentstate.ErrStateNotFound {
		return &swarmerrors.KernelError{AgentID: trig.AgentID, Cause: err}
	}
	if err == agentstate.ErrStateNotFound {
		state = agentstate.State{AgentID: trig.AgentID, Connections: map[string]string{}}
	}

	var ws workspace.Handle
	if r.workspaces != nil {
		ws, err = r.workspaces.Acquire(trig.AgentID)
		if err != nil {
			return &swarmerrors.KernelError{AgentID: trig.AgentID, Cause: err}
		}
		defer func() {
			if relErr := r.workspaces.Release(ws); relErr != nil {
				r.logger.Warn("runner: failed to release workspace", slog.String("agent_id", trig.AgentID), slog.String("error", relErr.Error()))
			}
		}()
	}

	chainDepth := r.guard.Depth(correlationID)
	startEvt, err := event.New(event.KindTurnStarted, event.TurnStartedPayload{
		AgentID: trig.AgentID, TriggerSeq: trig.Seq, ChainDepth: chainDepth,
	}, event.WithCorrelationID(correlationID), event.WithFromAgent(trig.AgentID))
	if err == nil {
		_, _ = r.events.Append(startEvt, r.matcher)
	}

	turnStart := time.Now()
	outcome, err := r.kern.Turn(ctx, kernel.TurnRequest{
		AgentRecord:     rec,
		AgentState:      state,
		TriggeringEvent: trig.Event,
	})
	if err != nil {
		if ctx.Err() != nil {
			return &swarmerrors.TurnTimeoutError{AgentID: trig.AgentID, Timeout: r.cfg.TurnTimeout.String()}
		}
		return &swarmerrors.KernelError{AgentID: trig.AgentID, Cause: err}
	}

	if err := r.emit(trig.AgentID, correlationID, outcome); err != nil {
		return err
	}

	msg := agentstate.ChatMessage{Role: "assistant", Content: outcome.Content, Timestamp: time.Now().UTC()}
	if err := r.states.AppendChatMessage(trig.AgentID, msg); err != nil {
		return &swarmerrors.KernelError{AgentID: trig.AgentID, Cause: err}
	}

	completedEvt, err := event.New(event.KindTurnCompleted, event.TurnCompletedPayload{
		AgentID:    trig.AgentID,
		DurationMs: time.Since(turnStart).Milliseconds(),
		Emitted:    len(outcome.ToolCalls),
	}, event.WithCorrelationID(correlationID), event.WithFromAgent(trig.AgentID))
	if err != nil {
		return &swarmerrors.KernelError{AgentID: trig.AgentID, Cause: err}
	}
	if _, err := r.events.Append(completedEvt, r.matcher); err != nil {
		return &swarmerrors.EventAppendError{Kind: string(event.KindTurnCompleted), Err: err}
	}

	return nil
}

// emit turns the Kernel's tool calls into outbound events carrying the
// inherited correlation ID (§4.7's Emitting state). A tool call addressed
// to subscription.BroadcastChildren is expanded into one event per active
// child of the triggering agent, resolved from the SwarmRegistry at emit
// time (§9 Open Question (a)) — SubscriptionPattern's to_agent filter
// only ever matches literal agent IDs.
func (r *Runner) emit(agentID, correlationID string, outcome *kernel.TurnOutcome) error {
	for _, tc := range outcome.ToolCalls {
		payload := event.ToolCallPayload{ID: tc.ID, Name: tc.Name, Arguments: []byte(tc.Arguments)}

		toAgent := toAgentFromToolCall(tc)
		if toAgent == subscription.BroadcastChildren {
			children, err := r.childrenOf(agentID)
			if err != nil {
				return &swarmerrors.EventAppendError{Kind: string(event.KindToolCall), Err: err}
			}
			for _, childID := range children {
				e, err := event.New(event.KindToolCall, payload,
					event.WithCorrelationID(correlationID), event.WithFromAgent(agentID), event.WithToAgent(childID))
				if err != nil {
					return &swarmerrors.EventAppendError{Kind: string(event.KindToolCall), Err: err}
				}
				if _, err := r.events.Append(e, r.matcher); err != nil {
					return &swarmerrors.EventAppendError{Kind: string(event.KindToolCall), Err: err}
				}
			}
			continue
		}

		e, err := event.New(event.KindToolCall, payload,
			event.WithCorrelationID(correlationID), event.WithFromAgent(agentID), event.WithToAgent(toAgent))
		if err != nil {
			return &swarmerrors.EventAppendError{Kind: string(event.KindToolCall), Err: err}
		}
		if _, err := r.events.Append(e, r.matcher); err != nil {
			return &swarmerrors.EventAppendError{Kind: string(event.KindToolCall), Err: err}
		}
	}
	return nil
}

// toAgentFromToolCall extracts the addressed agent from a tool call's
// arguments, where a Kernel implementation is expected to place a
// "to_agent" field for addressed tool calls (e.g. a "send_message" tool).
// Absent a to_agent field it returns "", and the emitted event carries no
// to_agent.
func toAgentFromToolCall(tc kernel.ToolCall) string {
	var args struct {
		ToAgent string `json:"to_agent"`
	}
	if len(tc.Arguments) > 0 {
		_ = json.Unmarshal(tc.Arguments, &args)
	}
	return args.ToAgent
}

func (r *Runner) childrenOf(parentID string) ([]string, error) {
	all, err := r.swarm.List(agentstate.Filter{Status: agentstate.StatusActive})
	if err != nil {
		return nil, err
	}
	var children []string
	for _, rec := range all {
		if rec.ParentID == parentID {
			children = append(children, rec.AgentID)
		}
	}
	return children, nil
}

func (r *Runner) recordTurnError(trig store.Trigger, correlationID string, cause error) {
	e, err := event.New(event.KindTurnError, event.TurnErrorPayload{
		AgentID: trig.AgentID,
		Cause:   turnErrorCause(cause),
		Message: cause.Error(),
	}, event.WithCorrelationID(correlationID), event.WithFromAgent(trig.AgentID))
	if err != nil {
		return
	}
	_, _ = r.events.Append(e, r.matcher)
}

// turnErrorCause classifies cause into the closed TurnErrorCause enum. A
// cause that doesn't match a known swarmerrors type is attributed to the
// Kernel, the most common source of an unclassified failure.
func turnErrorCause(cause error) event.TurnErrorCause {
	switch c := cause.(type) {
	case *swarmerrors.AdmissionError:
		return event.TurnErrorCause(c.Cause)
	case *swarmerrors.TurnTimeoutError:
		return event.TurnErrorTimeout
	case *swarmerrors.KernelError:
		return event.TurnErrorKernel
	default:
		return event.TurnErrorKernel
	}
}

// Shutdown cancels pending queue items (dropped, no emitted events) and
// waits for in-flight turns to complete up to cfg.ShutdownGrace, then
// forcibly returns (§4.7 Cancellation).
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopped) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(r.cfg.ShutdownGrace):
		return swarmerrors.ErrBackpressure
	case <-ctx.Done():
		return ctx.Err()
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

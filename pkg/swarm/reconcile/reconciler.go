// Package reconcile implements the Reconciler of §4.6: it reconciles the
// SwarmRegistry with the current syntactic view of a file obtained from a
// TreeParser collaborator, preserving agent identity across edits.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bullish-design/remora/pkg/swarm/agentstate"
	swarmerrors "github.com/bullish-design/remora/pkg/swarm/errors"
	"github.com/bullish-design/remora/pkg/swarm/event"
	"github.com/bullish-design/remora/pkg/swarm/observability"
	"github.com/bullish-design/remora/pkg/swarm/parser"
	"github.com/bullish-design/remora/pkg/swarm/store"
	"github.com/bullish-design/remora/pkg/swarm/subscription"
)

// Appender is the narrow slice of store.Store the Reconciler needs,
// letting tests substitute a recording fake instead of a full Store.
type Appender interface {
	Append(e *event.Envelope, matcher store.Matcher) (int64, error)
}

// Reconciler drives the algorithm of §4.6 for one file at a time.
type Reconciler struct {
	parser  parser.TreeParser
	swarm   agentstate.SwarmRegistry
	subs    subscription.Registry
	events  Appender
	matcher store.Matcher
	metrics observability.MetricsRecorder
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMetrics overrides the default no-op MetricsRecorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithMatcher supplies the Matcher used when appending ContentChanged
// events, so newly reconciled agents' subscriptions are live immediately.
func WithMatcher(m store.Matcher) Option {
	return func(r *Reconciler) { r.matcher = m }
}

// New constructs a Reconciler, following the functional-options
// construction style of checkpoint.New/signal.NewDispatcher.
func New(p parser.TreeParser, swarm agentstate.SwarmRegistry, subs subscription.Registry, events Appender, opts ...Option) *Reconciler {
	r := &Reconciler{
		parser:  p,
		swarm:   swarm,
		subs:    subs,
		events:  events,
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Diff is the dry-run output of Plan: what Reconcile would do, without
// mutating state or emitting events. This supplements the distilled
// spec.md with a feature implied but not spelled out operationally by
// §4.6's "reconcile the registry with the current syntactic view".
type Diff struct {
	ToCreate []parser.DiscoveredNode
	ToUpdate []agentstate.Record // existing record as it stands before update
	ToOrphan []agentstate.Record
}

// Plan computes the Diff for rootPath's file set without mutating any
// store. Useful for previewing a reconcile before committing it.
func (r *Reconciler) Plan(rootPath string) (Diff, error) {
	nodes, err := r.parser.Parse(rootPath)
	if err != nil {
		return Diff{}, &swarmerrors.ReconcileError{RootPath: rootPath, Cause: err}
	}

	existing, err := r.swarm.List(agentstate.Filter{Status: agentstate.StatusActive, FilePath: rootPath})
	if err != nil {
		return Diff{}, &swarmerrors.ReconcileError{RootPath: rootPath, Cause: err}
	}

	matchedIDs := make(map[string]bool, len(nodes))
	var diff Diff

	for _, n := range nodes {
		key := agentstate.IdentityKey{
			FilePath:            rootPath,
			ParentQualifiedName: n.ParentQualifiedName,
			NodeType:            n.Type,
			Name:                n.Name,
		}
		rec, found, err := r.swarm.FindByIdentity(key)
		if err != nil {
			return Diff{}, &swarmerrors.ReconcileError{RootPath: rootPath, Cause: err}
		}
		if found {
			matchedIDs[rec.AgentID] = true
			if rec.StartLine != n.StartLine || rec.EndLine != n.EndLine || rec.SourceHash != n.SourceHash {
				diff.ToUpdate = append(diff.ToUpdate, rec)
			}
			continue
		}
		diff.ToCreate = append(diff.ToCreate, n)
	}

	for _, rec := range existing {
		if !matchedIDs[rec.AgentID] {
			diff.ToOrphan = append(diff.ToOrphan, rec)
		}
	}

	return diff, nil
}

// Reconcile runs the algorithm of §4.6 against rootPath and returns the
// number of agents created, updated (content-changed), and orphaned.
// Running it twice with no intervening source change produces no state
// changes and no emitted events (idempotence).
func (r *Reconciler) Reconcile(ctx context.Context, rootPath string) (created, updated, orphaned int, err error) {
	start := time.Now()
	nodes, err := r.parser.Parse(rootPath)
	if err != nil {
		return 0, 0, 0, &swarmerrors.ReconcileError{RootPath: rootPath, Cause: err}
	}

	existing, err := r.swarm.List(agentstate.Filter{Status: agentstate.StatusActive, FilePath: rootPath})
	if err != nil {
		return 0, 0, 0, &swarmerrors.ReconcileError{RootPath: rootPath, Cause: err}
	}

	matchedIDs := make(map[string]bool, len(nodes))

	for _, n := range nodes {
		key := agentstate.IdentityKey{
			FilePath:            rootPath,
			ParentQualifiedName: n.ParentQualifiedName,
			NodeType:            n.Type,
			Name:                n.Name,
		}
		rec, found, err := r.swarm.FindByIdentity(key)
		if err != nil {
			return created, updated, orphaned, &swarmerrors.ReconcileError{RootPath: rootPath, Cause: err}
		}

		contentChanged := false
		if found {
			matchedIDs[rec.AgentID] = true
			contentChanged = rec.StartLine != n.StartLine || rec.EndLine != n.EndLine || rec.SourceHash != n.SourceHash
			if !contentChanged {
				continue
			}
			rec.StartLine, rec.EndLine, rec.SourceHash = n.StartLine, n.EndLine, n.SourceHash
			if err := r.swarm.Upsert(rec); err != nil {
				return created, updated, orphaned, &swarmerrors.ReconcileError{RootPath: rootPath, Cause: err}
			}
			updated++
		} else {
			rec = agentstate.Record{
				AgentID:       newAgentID(),
				NodeType:      n.Type,
				Name:          n.Name,
				QualifiedName: key.QualifiedName(),
				FilePath:      rootPath,
				StartLine:     n.StartLine,
				EndLine:       n.EndLine,
				SourceHash:    n.SourceHash,
				Status:        agentstate.StatusActive,
			}
			if err := r.swarm.Upsert(rec); err != nil {
				return created, updated, orphaned, &swarmerrors.ReconcileError{RootPath: rootPath, Cause: err}
			}
			if err := r.subs.RegisterDefaults(rec.AgentID, rootPath); err != nil {
				return created, updated, orphaned, &swarmerrors.ReconcileError{RootPath: rootPath, Cause: err}
			}
			matchedIDs[rec.AgentID] = true
			created++
		}

		e, err := event.New(event.KindContentChanged, event.ContentChangedPayload{
			AgentID:    rec.AgentID,
			Path:       rootPath,
			NodeType:   rec.NodeType,
			SourceHash: rec.SourceHash,
			StartLine:  rec.StartLine,
			EndLine:    rec.EndLine,
		}, event.WithToAgent(rec.AgentID), event.WithPath(rootPath))
		if err != nil {
			return created, updated, orphaned, &swarmerrors.ReconcileError{RootPath: rootPath, Cause: err}
		}
		if _, err := r.events.Append(e, r.matcher); err != nil {
			return created, updated, orphaned, &swarmerrors.ReconcileError{RootPath: rootPath, Cause: err}
		}
	}

	for _, rec := range existing {
		if matchedIDs[rec.AgentID] {
			continue
		}
		if err := r.swarm.MarkOrphaned(rec.AgentID); err != nil {
			return created, updated, orphaned, &swarmerrors.ReconcileError{RootPath: rootPath, Cause: err}
		}
		// Only the two always-present default subscriptions are removed;
		// custom subscriptions registered via a tool (§4.7) survive
		// orphaning until explicitly removed (§4.6 step 4).
		if err := r.subs.UnregisterDefaults(rec.AgentID); err != nil {
			return created, updated, orphaned, &swarmerrors.ReconcileError{RootPath: rootPath, Cause: err}
		}
		orphaned++
	}

	r.metrics.RecordReconcile(ctx, created, updated, orphaned, time.Since(start))
	return created, updated, orphaned, nil
}

func newAgentID() string {
	return "agent-" + uuid.New().String()
}

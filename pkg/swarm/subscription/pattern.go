// Package subscription implements the pattern-indexed SubscriptionRegistry
// of §4.2: it matches incoming events to the agents that declared interest
// in them.
package subscription

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/bullish-design/remora/pkg/swarm/event"
)

// BroadcastChildren is the broadcast address expanded by the Runner (§9
// Open Question (a)), never matched directly by a Pattern's ToAgent filter.
const BroadcastChildren = "broadcast:children"

// Pattern is an AND-composition of optional filters (§3). An unspecified
// filter (nil/empty) is a wildcard.
type Pattern struct {
	EventKinds   []event.Kind `json:"event_kinds,omitempty"`
	FromAgents   []string     `json:"from_agents,omitempty"`
	ToAgent      string       `json:"to_agent,omitempty"`
	PathGlob     string       `json:"path_glob,omitempty"`
	TagsRequired []string     `json:"tags_required,omitempty"`
}

// Matches reports whether the pattern matches e. Every specified filter
// must match; an unspecified filter always matches.
func (p Pattern) Matches(e *event.Envelope) bool {
	if len(p.EventKinds) > 0 && !containsKind(p.EventKinds, e.Kind) {
		return false
	}
	if p.ToAgent != "" && p.ToAgent != e.ToAgent {
		return false
	}
	if len(p.FromAgents) > 0 && !matchesAnyAgent(p.FromAgents, e.FromAgent) {
		return false
	}
	if p.PathGlob != "" && !matchesPathGlob(p.PathGlob, e.Path) {
		return false
	}
	if len(p.TagsRequired) > 0 && !e.HasAllTags(p.TagsRequired) {
		return false
	}
	return true
}

func containsKind(kinds []event.Kind, k event.Kind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

func matchesAnyAgent(globs []string, agentID string) bool {
	if agentID == "" {
		return false
	}
	for _, g := range globs {
		if g == agentID {
			return true
		}
		if ok, err := doublestar.Match(g, agentID); err == nil && ok {
			return true
		}
	}
	return false
}

// matchesPathGlob implements §4.2's glob semantics: `*` matches within a
// single path segment, `**` crosses segments, `?` matches one
// non-separator character. doublestar.Match gives exactly this behavior.
func matchesPathGlob(glob, path string) bool {
	if path == "" {
		return false
	}
	ok, err := doublestar.Match(glob, path)
	return err == nil && ok
}

// DefaultPatterns returns the two default subscription patterns every
// agent is registered with at birth (§3 Invariants): a self-addressed
// pattern and a content/file pattern scoped to the agent's own file.
func DefaultPatterns(agentID, filePath string) []Pattern {
	return []Pattern{
		{ToAgent: agentID},
		{
			EventKinds: []event.Kind{event.KindContentChanged, event.KindFileSaved},
			PathGlob:   filePath,
		},
	}
}

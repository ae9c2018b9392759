// Package agentstate implements the two registry surfaces of §4.4/§4.5:
// SwarmRegistry (syntactic-node catalog) and AgentStateStore (per-agent
// chat history, learned connections, custom subscriptions). These are kept
// as distinct storage surfaces even though both may share one *sql.DB
// handle — §9 explicitly warns against merging their semantics.
package agentstate

import (
	"time"

	"github.com/bullish-design/remora/pkg/swarm/event"
	"github.com/bullish-design/remora/pkg/swarm/subscription"
)

// Status is an agent's lifecycle state (§3).
type Status string

// Recognized statuses.
const (
	StatusActive   Status = "active"
	StatusOrphaned Status = "orphaned"
)

// Record is a SwarmRegistry row: the stable identity and syntactic
// metadata of one addressable agent (§3 AgentRecord).
type Record struct {
	AgentID        string         `json:"agent_id"`
	NodeType       event.NodeType `json:"node_type"`
	Name           string         `json:"name"`
	QualifiedName  string         `json:"qualified_name"`
	FilePath       string         `json:"file_path"`
	ParentID       string         `json:"parent_id,omitempty"`
	StartLine      int            `json:"start_line"`
	EndLine        int            `json:"end_line"`
	SourceHash     string         `json:"source_hash"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IdentityKey is the tentative identity key the Reconciler uses to match a
// discovered node to an existing AgentRecord (§4.6 step 2): the triple
// (parent qualified name, node type, name), scoped to one file.
type IdentityKey struct {
	FilePath            string
	ParentQualifiedName string
	NodeType            event.NodeType
	Name                string
}

// QualifiedName derives the dotted name the Reconciler compares against
// Record.QualifiedName: "<parent_qualified_name>.<name>", or bare Name at
// the top level where ParentQualifiedName is empty.
func (k IdentityKey) QualifiedName() string {
	if k.ParentQualifiedName == "" {
		return k.Name
	}
	return k.ParentQualifiedName + "." + k.Name
}

// ChatMessage is one turn in an agent's chat history (§3 AgentState).
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the per-agent mutable record of §3/§4.4: chat history, learned
// connections, and custom subscription patterns.
type State struct {
	AgentID             string              `json:"agent_id"`
	ChatHistory         []ChatMessage       `json:"chat_history"`
	Connections         map[string]string   `json:"connections"`
	CustomSubscriptions []subscription.Pattern `json:"custom_subscriptions"`
	LastActivatedAt     time.Time           `json:"last_activated_at"`
}

// Clone returns a deep copy of s so callers cannot alias a store's
// internal state through a returned value.
func (s State) Clone() State {
	out := State{
		AgentID:         s.AgentID,
		LastActivatedAt: s.LastActivatedAt,
	}
	if s.ChatHistory != nil {
		out.ChatHistory = make([]ChatMessage, len(s.ChatHistory))
		copy(out.ChatHistory, s.ChatHistory)
	}
	if s.Connections != nil {
		out.Connections = make(map[string]string, len(s.Connections))
		for k, v := range s.Connections {
			out.Connections[k] = v
		}
	}
	if s.CustomSubscriptions != nil {
		out.CustomSubscriptions = make([]subscription.Pattern, len(s.CustomSubscriptions))
		copy(out.CustomSubscriptions, s.CustomSubscriptions)
	}
	return out
}

// Filter narrows a SwarmRegistry.List call.
type Filter struct {
	Status   Status // empty matches any status
	FilePath string // empty matches any path
}

func (f Filter) matches(r Record) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.FilePath != "" && r.FilePath != f.FilePath {
		return false
	}
	return true
}

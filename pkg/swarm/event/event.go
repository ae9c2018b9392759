// Package event defines the swarm core's immutable event envelope and its
// closed kind set (§3, §6).
//
// Design influences:
//   - Confluent Schema Registry (tagged, versioned payload schemas)
//   - Apache Kafka (append-only, sequenced log)
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of event kinds the core recognizes (§6).
type Kind string

// Recognized event kinds.
const (
	KindContentChanged  Kind = "ContentChanged"
	KindFileSaved       Kind = "FileSaved"
	KindUserChat        Kind = "UserChat"
	KindManualTrigger   Kind = "ManualTrigger"
	KindAgentMessage    Kind = "AgentMessage"
	KindToolCall        Kind = "ToolCall"
	KindToolResult      Kind = "ToolResult"
	KindRewriteProposal Kind = "RewriteProposal"
	KindRewriteApplied  Kind = "RewriteApplied"
	KindRewriteRejected Kind = "RewriteRejected"
	KindTurnStarted     Kind = "TurnStarted"
	KindTurnCompleted   Kind = "TurnCompleted"
	KindTurnError       Kind = "TurnError"
	KindTopologyChanged Kind = "TopologyChanged"
)

// knownKinds backs Kind.Known without allocating a new set per call.
var knownKinds = map[Kind]bool{
	KindContentChanged: true, KindFileSaved: true, KindUserChat: true,
	KindManualTrigger: true, KindAgentMessage: true, KindToolCall: true,
	KindToolResult: true, KindRewriteProposal: true, KindRewriteApplied: true,
	KindRewriteRejected: true, KindTurnStarted: true, KindTurnCompleted: true,
	KindTurnError: true, KindTopologyChanged: true,
}

// Known reports whether k is one of the closed set of recognized kinds.
func (k Kind) Known() bool { return knownKinds[k] }

// Envelope is the immutable, sequenced, tagged record described in §3.
// Envelopes are never mutated after construction; Seq is assigned by the
// EventStore at append time and is zero for an envelope not yet appended.
type Envelope struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Kind          Kind            `json:"kind"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	FromAgent     string          `json:"from_agent,omitempty"`
	ToAgent       string          `json:"to_agent,omitempty"`
	Path          string          `json:"path,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Option configures envelope construction.
type Option func(*Envelope)

// WithCorrelationID sets the correlation ID. An empty correlation ID
// (the default) means "start a new chain" per §3 — it is deliberately
// NOT auto-filled to the event's own ID.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithFromAgent sets the originating agent.
func WithFromAgent(agentID string) Option {
	return func(e *Envelope) { e.FromAgent = agentID }
}

// WithToAgent sets the addressed agent or broadcast tag.
func WithToAgent(agentID string) Option {
	return func(e *Envelope) { e.ToAgent = agentID }
}

// WithPath sets the file path associated with a content/file event.
func WithPath(path string) Option {
	return func(e *Envelope) { e.Path = path }
}

// WithTags sets the event's tag set.
func WithTags(tags ...string) Option {
	return func(e *Envelope) { e.Tags = tags }
}

// New constructs an unsequenced envelope with the given kind and payload.
// Pass the envelope to EventStore.Append to assign Seq and persist it.
func New(kind Kind, payload any, opts ...Option) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	e := &Envelope{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewFromParent constructs a new envelope causally linked to parent: it
// inherits parent's CorrelationID (or parent.ID if parent started a fresh
// chain) unless overridden by opts, matching the Runner's Emitting-state
// behavior (§4.7).
func NewFromParent(parent *Envelope, kind Kind, payload any, opts ...Option) (*Envelope, error) {
	corr := parent.CorrelationID
	if corr == "" {
		corr = parent.ID
	}
	allOpts := append([]Option{WithCorrelationID(corr), WithFromAgent(parent.ToAgent)}, opts...)
	return New(kind, payload, allOpts...)
}

// TypedPayload decodes the envelope's payload into T.
func TypedPayload[T any](e *Envelope) (T, error) {
	var payload T
	if len(e.Payload) == 0 {
		return payload, nil
	}
	err := json.Unmarshal(e.Payload, &payload)
	return payload, err
}

// HasTag reports whether the envelope carries the given tag.
func (e *Envelope) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasAllTags reports whether the envelope carries every tag in tags.
func (e *Envelope) HasAllTags(tags []string) bool {
	for _, t := range tags {
		if !e.HasTag(t) {
			return false
		}
	}
	return true
}

// Package store implements the EventStore of §4.3: a durable, append-only,
// seq-ordered event log plus a bounded in-memory trigger queue bridging
// appended events to the Runner.
package store

import (
	"github.com/bullish-design/remora/pkg/swarm/event"
)

// Trigger is one (agent_id, event_seq, event) tuple produced by matching an
// appended event against the subscription registry, consumed by the Runner.
type Trigger struct {
	AgentID string
	Seq     int64
	Event   *event.Envelope
}

// ReplayFilter narrows a Replay call. A zero value matches every event.
type ReplayFilter struct {
	SinceSeq      int64 // exclusive lower bound; 0 means from the start
	CorrelationID string
	Kind          event.Kind
}

func (f ReplayFilter) matches(e *event.Envelope) bool {
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return true
}

// Matcher decides which agents a newly-appended event triggers. EventStore
// implementations call it synchronously within Append so that ordering
// guarantee (2) of §4.3 holds: all matches for event A are enqueued before
// any match for a later event B.
type Matcher interface {
	Match(e *event.Envelope) []string
}

// Store is the durable event log contract of §4.3.
type Store interface {
	// Append durably persists e, assigns it a monotonically increasing
	// Seq unique within the store, matches it against matcher, and
	// enqueues a Trigger per matched agent before returning.
	Append(e *event.Envelope, matcher Matcher) (int64, error)

	// Replay returns every stored event matching filter, in seq order.
	Replay(filter ReplayFilter) ([]*event.Envelope, error)

	// Triggers returns the channel triggers are delivered on. Closed
	// when the store is closed.
	Triggers() <-chan Trigger

	// Close releases any resources held by the store. Safe to call once.
	Close() error
}

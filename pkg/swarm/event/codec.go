package event

import (
	"encoding/json"
	"fmt"
)

// Codec serializes and deserializes envelopes. The format is stable: a
// round-trip of Encode/Decode produces an equal envelope (§4.1, §8 property 5).
type Codec struct{}

// NewCodec constructs the default JSON-tagged-record codec.
func NewCodec() Codec { return Codec{} }

// Encode serializes an envelope to its durable wire format.
func (Codec) Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// UnknownKindError is returned by Decode when the wire record's kind tag is
// not in the closed set (§4.1). The raw bytes are preserved so the caller
// can surface an UnknownEventEncountered warning instead of dropping data.
type UnknownKindError struct {
	Kind Kind
	Raw  []byte
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("event: unknown kind tag %q", e.Kind)
}

// Decode deserializes an envelope from its durable wire format. If the
// record's kind tag is not recognized, Decode returns the parsed envelope
// (with its raw Kind field intact) alongside an *UnknownKindError — callers
// performing replay should treat this as recoverable, not fatal.
func (Codec) Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("event: decode envelope: %w", err)
	}
	if !e.Kind.Known() {
		raw := make([]byte, len(data))
		copy(raw, data)
		return &e, &UnknownKindError{Kind: e.Kind, Raw: raw}
	}
	return &e, nil
}

// Package kernel declares the narrow Kernel collaborator of §6: the
// core's only contact with LLM inference. Concrete model-backed
// implementations are out of scope for this module (§9 Non-goals); the
// message/tool-call vocabulary below is adapted from
// flowgraph/llm.CompletionRequest/CompletionResponse, renamed from a
// completion-call shape to the turn shape Kernel.Turn consumes.
package kernel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bullish-design/remora/pkg/swarm/agentstate"
	"github.com/bullish-design/remora/pkg/swarm/event"
)

// Role identifies a chat message's sender, mirroring flowgraph/llm.Role.
type Role string

// Standard roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolSpec describes a tool available to the agent during a turn,
// adapted from flowgraph/llm.Tool.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a tool invocation emitted by the Kernel during a turn,
// adapted from flowgraph/llm.ToolCall.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// TokenUsage tracks token consumption for one turn, adapted from
// flowgraph/llm.TokenUsage.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// TurnRequest is everything the Kernel needs to run one agent turn
// (§4.7's "invokes Kernel.turn(agent_record, agent_state,
// triggering_event, tools)").
type TurnRequest struct {
	AgentRecord     agentstate.Record
	AgentState      agentstate.State
	TriggeringEvent *event.Envelope
	Tools           []ToolSpec
}

// TurnOutcome is the Kernel's response: a message to append to chat
// history plus zero or more tool calls the Runner's Emitting state turns
// into outbound events (§4.7).
type TurnOutcome struct {
	Content      string
	ToolCalls    []ToolCall
	Usage        TokenUsage
	Model        string
	FinishReason string
	Duration     time.Duration
}

// Kernel is the narrow LLM-inference collaborator. The core never
// constructs prompts, parses model output, or manages model sessions —
// it only calls Turn and consumes the structured outcome.
type Kernel interface {
	Turn(ctx context.Context, req TurnRequest) (*TurnOutcome, error)
}

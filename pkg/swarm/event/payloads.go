package event

// NodeType is the syntactic construct an agent is addressable for (§3).
type NodeType string

// Recognized node types.
const (
	NodeFile     NodeType = "file"
	NodeClass    NodeType = "class"
	NodeFunction NodeType = "function"
	NodeMethod   NodeType = "method"
)

// ContentChangedPayload is the payload of a ContentChanged event, emitted
// by the Reconciler for new or modified agents (§4.6).
type ContentChangedPayload struct {
	AgentID    string   `json:"agent_id"`
	Path       string   `json:"path"`
	NodeType   NodeType `json:"node_type"`
	SourceHash string   `json:"source_hash"`
	StartLine  int      `json:"start_line"`
	EndLine    int      `json:"end_line"`
}

// FileSavedPayload is the payload of a FileSaved event from an editor front-end.
type FileSavedPayload struct {
	Path string `json:"path"`
}

// UserChatPayload is the payload of a UserChat event.
type UserChatPayload struct {
	Content string `json:"content"`
}

// ManualTriggerPayload is the payload of a ManualTrigger event, used to
// explicitly start a turn outside the reactive flow (e.g. S2-S4 of §8).
type ManualTriggerPayload struct {
	Reason string `json:"reason,omitempty"`
}

// AgentMessagePayload is the payload of an AgentMessage event: one agent
// addressing another (or itself).
type AgentMessagePayload struct {
	Content string `json:"content"`
}

// ToolCallPayload is the payload of a ToolCall event emitted by the Runner
// on the Kernel's behalf.
type ToolCallPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments []byte `json:"arguments"`
}

// ToolResultPayload is the payload of a ToolResult event.
type ToolResultPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Output     []byte `json:"output"`
	IsError    bool   `json:"is_error,omitempty"`
}

// RewriteProposalPayload describes a proposed source rewrite awaiting
// acceptance (produced by a Kernel tool call, consumed by a front-end).
type RewriteProposalPayload struct {
	Path    string `json:"path"`
	Diff    string `json:"diff"`
	Summary string `json:"summary,omitempty"`
}

// RewriteAppliedPayload records that a proposed rewrite was applied.
type RewriteAppliedPayload struct {
	Path string `json:"path"`
}

// RewriteRejectedPayload records that a proposed rewrite was rejected.
type RewriteRejectedPayload struct {
	Path   string `json:"path"`
	Reason string `json:"reason,omitempty"`
}

// TurnStartedPayload is the payload of a TurnStarted event.
type TurnStartedPayload struct {
	AgentID    string `json:"agent_id"`
	TriggerSeq int64  `json:"trigger_seq"`
	ChainDepth int    `json:"chain_depth"`
}

// TurnCompletedPayload is the payload of a TurnCompleted event (§4.7 Complete).
type TurnCompletedPayload struct {
	AgentID    string `json:"agent_id"`
	DurationMs int64  `json:"duration_ms"`
	Emitted    int    `json:"emitted"`
}

// TurnErrorCause identifies why a turn failed or was refused.
type TurnErrorCause string

// Recognized turn error causes.
const (
	TurnErrorKernel   TurnErrorCause = "kernel"
	TurnErrorTimeout  TurnErrorCause = "timeout"
	TurnErrorCycle    TurnErrorCause = "cycle"
	TurnErrorDepth    TurnErrorCause = "depth"
	TurnErrorCooldown TurnErrorCause = "cooldown"
)

// TurnErrorPayload is the payload of a TurnError event (§4.7 Error, §7).
type TurnErrorPayload struct {
	AgentID string         `json:"agent_id"`
	Cause   TurnErrorCause `json:"cause"`
	Message string         `json:"message,omitempty"`
}

// TopologyChangedPayload is the payload of a TopologyChanged event. The
// Reconciler does not emit this kind; a reconcile pass emits one
// ContentChanged event per created or updated agent.
type TopologyChangedPayload struct {
	RootPath string `json:"root_path"`
	Added    int    `json:"added"`
	Changed  int    `json:"changed"`
	Orphaned int    `json:"orphaned"`
}

// UnknownEventEncounteredPayload is the recoverable warning payload emitted
// when replay encounters an unrecognized kind tag (§7).
type UnknownEventEncounteredPayload struct {
	Seq int64  `json:"seq"`
	Raw []byte `json:"raw"`
}

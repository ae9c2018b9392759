// Package workspace declares the narrow WorkspaceProvider collaborator of
// §6. The core never inspects workspace contents (§4.7); concrete
// copy-on-write implementations are out of scope for this module (§9
// Non-goals).
package workspace

// Handle opaquely identifies an acquired workspace. Its contents are
// defined entirely by the WorkspaceProvider implementation.
type Handle interface {
	// Root returns the filesystem root the agent's turn should operate
	// within.
	Root() string
}

// Provider acquires and releases per-agent workspace handles (§4.7's
// "loads agent state + workspace" step).
type Provider interface {
	Acquire(agentID string) (Handle, error)
	Release(h Handle) error
}

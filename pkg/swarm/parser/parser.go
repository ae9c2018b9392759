// Package parser declares the narrow TreeParser collaborator of §6: the
// core depends on it only through this interface and never performs
// syntax parsing itself. Concrete tree-sitter-backed implementations are
// out of scope for this module (§9 Non-goals).
package parser

import "github.com/bullish-design/remora/pkg/swarm/event"

// DiscoveredNode is one syntactic unit found while parsing a file, used
// by the Reconciler to compute tentative identity keys (§4.6 step 2).
type DiscoveredNode struct {
	Type                event.NodeType
	Name                string
	QualifiedName       string
	ParentQualifiedName string
	StartLine           int
	EndLine             int
	SourceHash          string
}

// TreeParser discovers the syntactic nodes of a source file. The core
// never inspects source text directly; it only consumes DiscoveredNode
// values.
type TreeParser interface {
	Parse(path string) ([]DiscoveredNode, error)
}

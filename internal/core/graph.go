package core

import (
	"ethos/internal/errors"
)

// NodeType classifies what a graph memory node describes.
type NodeType string

const (
	NodeTypeAgent   NodeType = "agent"
	NodeTypeUser    NodeType = "user"
	NodeTypeChannel NodeType = "channel"
	NodeTypeConcept NodeType = "concept"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeAgent, NodeTypeUser, NodeTypeChannel, NodeTypeConcept:
		return true
	default:
		return false
	}
}

// GraphScope partitions graph memory by sensitivity. LOCAL holds working
// observations, IDENTITY holds the agent's self-model, ENVIRONMENT holds
// shared world state. Writes and forgets outside LOCAL require elevated
// permission.
type GraphScope string

const (
	ScopeLocal       GraphScope = "local"
	ScopeIdentity    GraphScope = "identity"
	ScopeEnvironment GraphScope = "environment"
)

// Valid reports whether s is a known scope.
func (s GraphScope) Valid() bool {
	switch s {
	case ScopeLocal, ScopeIdentity, ScopeEnvironment:
		return true
	default:
		return false
	}
}

// Protected reports whether the scope requires elevated permission to mutate.
func (s GraphScope) Protected() bool {
	return s == ScopeIdentity || s == ScopeEnvironment
}

// GraphNode is the unit the memory service stores, recalls and forgets.
type GraphNode struct {
	ID         string            `json:"id"`
	Type       NodeType          `json:"type"`
	Scope      GraphScope        `json:"scope"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Validate checks the node is addressable and well-typed.
func (n GraphNode) Validate() error {
	if n.ID == "" {
		return errors.NewValidationError("node.id", "must not be empty")
	}
	if !n.Type.Valid() {
		return errors.NewValidationError("node.type", "unknown node type "+string(n.Type))
	}
	if !n.Scope.Valid() {
		return errors.NewValidationError("node.scope", "unknown scope "+string(n.Scope))
	}
	return nil
}

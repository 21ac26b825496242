// Package workflow defines the immutable workflow snapshot consumed by the
// execution core: nodes, connections and execution-wide settings.
package workflow

import (
	"encoding/json"
	"fmt"
)

// Node is a single step in a workflow graph.
type Node struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Name           string                 `json:"name"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Credentials    map[string]string      `json:"credentials,omitempty"`
	MockData       map[string]interface{} `json:"mockData,omitempty"`
	ContinueOnFail bool                   `json:"continueOnFail,omitempty"`
}

// Edge connects a named output of one node to a named input of another.
type Edge struct {
	SourceNodeID string `json:"sourceNodeId"`
	SourceOutput string `json:"sourceOutput"`
	TargetNodeID string `json:"targetNodeId"`
	TargetInput  string `json:"targetInput"`
}

// Settings holds execution-wide options. Zero values fall back to the
// configured defaults at admission time.
type Settings struct {
	TimeoutMs            int  `json:"timeoutMs,omitempty"`
	NodeTimeoutMs        int  `json:"nodeTimeoutMs,omitempty"`
	MaxRetries           int  `json:"maxRetries,omitempty"`
	RetryBaseMs          int  `json:"retryBaseMs,omitempty"`
	RetryCapMs           int  `json:"retryCapMs,omitempty"`
	MaxParallel          int  `json:"maxParallel,omitempty"`
	Isolated             bool `json:"isolated,omitempty"`
	AllowPrivateNetworks bool `json:"allowPrivateNetworks,omitempty"`
}

// Snapshot is the frozen view of a workflow taken at admission. Late edits to
// the workflow never affect an in-flight run.
type Snapshot struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Nodes       []Node   `json:"nodes"`
	Connections []Edge   `json:"connections"`
	Settings    Settings `json:"settings,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (s *Snapshot) NodeByID(id string) *Node {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i]
		}
	}
	return nil
}

// IncomingEdges returns all edges targeting nodeID in snapshot order.
func (s *Snapshot) IncomingEdges(nodeID string) []Edge {
	var edges []Edge
	for _, e := range s.Connections {
		if e.TargetNodeID == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// OutgoingEdges returns all edges sourced at nodeID in snapshot order.
func (s *Snapshot) OutgoingEdges(nodeID string) []Edge {
	var edges []Edge
	for _, e := range s.Connections {
		if e.SourceNodeID == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// Validate checks graph well-formedness: unique node ids and edge endpoints
// that reference existing nodes. Cycle detection lives in the resolver.
func (s *Snapshot) Validate() error {
	if len(s.Nodes) == 0 {
		return fmt.Errorf("workflow %s has no nodes", s.ID)
	}
	seen := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" {
			return fmt.Errorf("workflow %s contains a node without an id", s.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	for _, e := range s.Connections {
		if !seen[e.SourceNodeID] {
			return fmt.Errorf("edge references unknown source node %q", e.SourceNodeID)
		}
		if !seen[e.TargetNodeID] {
			return fmt.Errorf("edge references unknown target node %q", e.TargetNodeID)
		}
	}
	return nil
}

// Clone returns a deep copy via the JSON codec. Used when freezing a snapshot
// at admission so the caller's copy can keep being edited.
func (s *Snapshot) Clone() (*Snapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &out, nil
}

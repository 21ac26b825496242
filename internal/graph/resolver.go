// Package graph implements the dependency resolver: pure functions over a
// workflow snapshot that compute predecessors, successors, topological order,
// reachability and admission-time safety checks.
package graph

import (
	"github.com/flowforge-io/flowforge/internal/workflow"
)

// Resolver precomputes adjacency for one snapshot. It is read-only after
// construction and safe to share across goroutines.
type Resolver struct {
	snapshot     *workflow.Snapshot
	dependencies map[string][]string
	dependents   map[string][]string
}

// NewResolver builds a resolver from the snapshot's connections. Edge order
// from the snapshot is preserved in the adjacency lists so scheduling
// tie-breaks stay deterministic.
func NewResolver(s *workflow.Snapshot) *Resolver {
	r := &Resolver{
		snapshot:     s,
		dependencies: make(map[string][]string, len(s.Nodes)),
		dependents:   make(map[string][]string, len(s.Nodes)),
	}
	for _, e := range s.Connections {
		if !contains(r.dependencies[e.TargetNodeID], e.SourceNodeID) {
			r.dependencies[e.TargetNodeID] = append(r.dependencies[e.TargetNodeID], e.SourceNodeID)
		}
		if !contains(r.dependents[e.SourceNodeID], e.TargetNodeID) {
			r.dependents[e.SourceNodeID] = append(r.dependents[e.SourceNodeID], e.TargetNodeID)
		}
	}
	return r
}

// DependenciesOf returns all node ids with an edge targeting nodeID.
func (r *Resolver) DependenciesOf(nodeID string) []string {
	return append([]string(nil), r.dependencies[nodeID]...)
}

// DependentsOf returns all node ids targeted by an edge sourced at nodeID.
func (r *Resolver) DependentsOf(nodeID string) []string {
	return append([]string(nil), r.dependents[nodeID]...)
}

// TopoOrder returns a topological ordering of all nodes using Kahn's
// algorithm. A *CycleError is returned when any self-loop exists or any
// strongly-connected component of size >= 2 remains.
func (r *Resolver) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(r.snapshot.Nodes))
	for _, n := range r.snapshot.Nodes {
		indegree[n.ID] = len(r.dependencies[n.ID])
	}

	var queue []string
	for _, n := range r.snapshot.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(r.snapshot.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dep := range r.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(r.snapshot.Nodes) {
		var cyclic []string
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, &CycleError{Nodes: cyclic}
	}
	return order, nil
}

// ReachableFrom returns the forward-reachable set from startNodeID over
// outgoing edges, including the start node itself. The engine marks anything
// outside this set Skipped.
func (r *Resolver) ReachableFrom(startNodeID string) map[string]bool {
	reachable := make(map[string]bool)
	queue := []string{startNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		queue = append(queue, r.dependents[id]...)
	}
	return reachable
}

// ValidateSafety is the hard admission gate: the start node must exist, every
// edge endpoint must exist, and the graph must be acyclic.
func (r *Resolver) ValidateSafety(startNodeID string) error {
	if r.snapshot.NodeByID(startNodeID) == nil {
		return &NodeNotFoundError{NodeID: startNodeID}
	}
	for _, e := range r.snapshot.Connections {
		if r.snapshot.NodeByID(e.SourceNodeID) == nil {
			return &DanglingEdgeError{SourceNodeID: e.SourceNodeID, TargetNodeID: e.TargetNodeID, Missing: e.SourceNodeID}
		}
		if r.snapshot.NodeByID(e.TargetNodeID) == nil {
			return &DanglingEdgeError{SourceNodeID: e.SourceNodeID, TargetNodeID: e.TargetNodeID, Missing: e.TargetNodeID}
		}
		if e.SourceNodeID == e.TargetNodeID {
			return &CycleError{Nodes: []string{e.SourceNodeID}}
		}
	}
	if _, err := r.TopoOrder(); err != nil {
		return err
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

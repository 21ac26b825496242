package graph

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports a cycle in the workflow graph. Nodes lists the members
// of the offending strongly-connected set.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	nodes := append([]string(nil), e.Nodes...)
	sort.Strings(nodes)
	return fmt.Sprintf("cycle detected involving nodes [%s]", strings.Join(nodes, ", "))
}

// NodeNotFoundError reports a reference to a node id that is not part of the
// snapshot.
type NodeNotFoundError struct {
	NodeID string
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node %q not found in workflow", e.NodeID)
}

// DanglingEdgeError reports an edge whose endpoint does not exist.
type DanglingEdgeError struct {
	SourceNodeID string
	TargetNodeID string
	Missing      string
}

func (e *DanglingEdgeError) Error() string {
	return fmt.Sprintf("edge %s -> %s references missing node %q", e.SourceNodeID, e.TargetNodeID, e.Missing)
}

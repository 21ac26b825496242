package engine

import (
	"context"
	"sync"
	"time"

	"github.com/flowforge-io/flowforge/internal/graph"
	"github.com/flowforge-io/flowforge/internal/workflow"
	"github.com/flowforge-io/flowforge/pkg/expression"
)

// Execution is one in-flight or finished workflow run. External callers see
// status and results through the accessors; scheduling state belongs to the
// engine's run loop.
type Execution struct {
	ID          string
	WorkflowID  string
	UserID      string
	TriggerType string

	snapshot *workflow.Snapshot
	resolver *graph.Resolver
	vars     *expression.Variables
	settings workflow.Settings

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.RWMutex
	status      Status
	err         string
	startedAt   time.Time
	finishedAt  time.Time
	path        []string
	nodeStates  map[string]NodeStatus
	nodeResults map[string]*NodeResult
	outputs     map[string]workflow.Bundle
	paused      bool
	resumeCh    chan struct{}
	result      *Result

	// Scheduling state below is touched only by the run loop goroutine.
	startNodeID string
	payload     []workflow.Item
	reachable   map[string]bool
	pendingDeps map[string]int
	ready       []string
	branching   map[string]bool

	maxParallel int
	maxAttempts int
	backoff     Backoff
	onFinish    func(*Result)
}

// Status returns the current lifecycle state.
func (x *Execution) Status() Status {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.status
}

// StatusSnapshot returns the full externally visible state.
func (x *Execution) StatusSnapshot() *StatusSnapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()
	states := make(map[string]NodeStatus, len(x.nodeStates))
	for k, v := range x.nodeStates {
		states[k] = v
	}
	return &StatusSnapshot{
		ExecutionID: x.ID,
		WorkflowID:  x.WorkflowID,
		Status:      x.status,
		NodeStates:  states,
		Path:        append([]string{}, x.path...),
		StartedAt:   x.startedAt,
		Error:       x.err,
	}
}

// Wait blocks until the execution finishes or ctx is done.
func (x *Execution) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-x.done:
		x.mu.RLock()
		defer x.mu.RUnlock()
		return x.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the final result, nil while still running.
func (x *Execution) Result() *Result {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.result
}

func (x *Execution) setStatus(s Status) {
	x.mu.Lock()
	x.status = s
	x.mu.Unlock()
}

func (x *Execution) nodeStatus(nodeID string) NodeStatus {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.nodeStates[nodeID]
}

func (x *Execution) setNodeStatus(nodeID string, s NodeStatus) {
	x.mu.Lock()
	x.nodeStates[nodeID] = s
	if s == NodeCompleted {
		x.path = append(x.path, nodeID)
	}
	x.mu.Unlock()
}

func (x *Execution) storeResult(nodeID string, r *NodeResult) {
	x.mu.Lock()
	x.nodeResults[nodeID] = r
	if r.Output != nil {
		x.outputs[nodeID] = r.Output
	}
	x.mu.Unlock()
}

func (x *Execution) output(nodeID string) workflow.Bundle {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.outputs[nodeID]
}

// popReady removes the next dispatchable node, FIFO. Nothing dispatches while
// paused or after a halt.
func (x *Execution) popReady() (string, bool) {
	if x.isPaused() {
		return "", false
	}
	if len(x.ready) == 0 {
		return "", false
	}
	nodeID := x.ready[0]
	x.ready = x.ready[1:]
	return nodeID, true
}

func (x *Execution) pendingCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	count := 0
	for nodeID := range x.reachable {
		if !x.nodeStates[nodeID].terminal() {
			count++
		}
	}
	return count
}

// resolveDependent is the readiness bookkeeping run after a dependency of
// targetID reaches a terminal state. When every dependency is resolved the
// node either becomes ready or is skipped and the skip cascades. A failed
// dependency stops its successors outright: the node is skipped even when
// another predecessor completed and would supply input.
func (x *Execution) resolveDependent(targetID string) {
	if !x.reachable[targetID] || x.nodeStatus(targetID) != NodePending {
		return
	}
	x.pendingDeps[targetID]--
	if x.pendingDeps[targetID] > 0 {
		return
	}
	if !x.hasFailedDependency(targetID) && x.hasActiveInput(targetID) {
		x.setNodeStatus(targetID, NodeReady)
		x.ready = append(x.ready, targetID)
		return
	}
	x.setNodeStatus(targetID, NodeSkipped)
	x.storeResult(targetID, &NodeResult{
		NodeID:   targetID,
		NodeType: x.nodeTypeOf(targetID),
		Status:   NodeSkipped,
	})
	for _, dependent := range x.resolver.DependentsOf(targetID) {
		x.resolveDependent(dependent)
	}
}

// hasFailedDependency reports whether any reachable predecessor failed or was
// cancelled. Nodes with continueOnFail complete with an error item instead of
// failing and do not count.
func (x *Execution) hasFailedDependency(nodeID string) bool {
	for _, dep := range x.resolver.DependenciesOf(nodeID) {
		if !x.reachable[dep] {
			continue
		}
		if s := x.nodeStatus(dep); s == NodeFailed || s == NodeCancelled {
			return true
		}
	}
	return false
}

// hasActiveInput reports whether at least one incoming edge carries data: its
// source completed and, for branching sources, actually populated the edge's
// output channel.
func (x *Execution) hasActiveInput(nodeID string) bool {
	for _, edge := range x.snapshot.IncomingEdges(nodeID) {
		if !x.reachable[edge.SourceNodeID] {
			continue
		}
		if x.nodeStatus(edge.SourceNodeID) != NodeCompleted {
			continue
		}
		if x.branching[edge.SourceNodeID] {
			if len(x.output(edge.SourceNodeID).Items(sourceChannel(edge))) == 0 {
				continue
			}
		}
		return true
	}
	return false
}

// collectInput assembles a node's input bundle from its completed upstream
// edges, in snapshot edge order. The start node is seeded from the trigger
// payload instead.
func (x *Execution) collectInput(nodeID string) workflow.Bundle {
	if nodeID == x.startNodeID {
		return workflow.NewBundle(x.payload...)
	}
	bundle := workflow.NewBundle()
	for _, edge := range x.snapshot.IncomingEdges(nodeID) {
		if x.nodeStatus(edge.SourceNodeID) != NodeCompleted {
			continue
		}
		items := x.output(edge.SourceNodeID).Items(sourceChannel(edge))
		channel := edge.TargetInput
		if channel == "" {
			channel = workflow.MainChannel
		}
		bundle.Append(channel, items...)
	}
	return bundle
}

func sourceChannel(edge workflow.Edge) string {
	if edge.SourceOutput == "" {
		return workflow.MainChannel
	}
	return edge.SourceOutput
}

func (x *Execution) nodeTypeOf(nodeID string) string {
	if node := x.snapshot.NodeByID(nodeID); node != nil {
		return node.Type
	}
	return ""
}

func (x *Execution) isPaused() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.paused
}

// pause requests that no further nodes dispatch. In-flight nodes finish.
func (x *Execution) pause() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.paused || x.status.Terminal() {
		return false
	}
	x.paused = true
	x.status = StatusPaused
	x.resumeCh = make(chan struct{})
	return true
}

func (x *Execution) resume() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.paused || x.status.Terminal() {
		return false
	}
	x.paused = false
	x.status = StatusRunning
	close(x.resumeCh)
	return true
}

func (x *Execution) resumed() <-chan struct{} {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.resumeCh
}

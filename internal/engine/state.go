package engine

import (
	"time"

	"github.com/flowforge-io/flowforge/internal/history"
	"github.com/flowforge-io/flowforge/internal/nodes"
	"github.com/flowforge-io/flowforge/internal/workflow"
)

// Status is the externally visible lifecycle state of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	// StatusPartial marks runs where some branches finished while at least
	// one node failed without recovery.
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further state change can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NodeStatus is the per-node state inside one execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
	NodeSkipped   NodeStatus = "skipped"
)

func (s NodeStatus) terminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeCancelled || s == NodeSkipped
}

// NodeResult is the recorded outcome of one node inside an execution.
type NodeResult struct {
	NodeID     string          `json:"nodeId"`
	NodeType   string          `json:"nodeType"`
	Status     NodeStatus      `json:"status"`
	Attempts   int             `json:"attempts"`
	Output     workflow.Bundle `json:"output,omitempty"`
	Error      *nodes.Error    `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

// Result is the final outcome of an execution.
type Result struct {
	ExecutionID     string                 `json:"executionId"`
	WorkflowID      string                 `json:"workflowId"`
	Status          Status                 `json:"status"`
	Executed        []string               `json:"executed"`
	Failed          []string               `json:"failed,omitempty"`
	Skipped         []string               `json:"skipped,omitempty"`
	Path            []string               `json:"path"`
	Error           string                 `json:"error,omitempty"`
	TotalDurationMs int64                  `json:"totalDurationMs"`
	NodeResults     map[string]*NodeResult `json:"nodeResults"`
}

// StatusSnapshot is what the status API returns for one execution.
type StatusSnapshot struct {
	ExecutionID string                `json:"executionId"`
	WorkflowID  string                `json:"workflowId"`
	Status      Status                `json:"status"`
	NodeStates  map[string]NodeStatus `json:"nodeStates"`
	Path        []string              `json:"path"`
	StartedAt   time.Time             `json:"startedAt"`
	Error       string                `json:"error,omitempty"`
}

func historyStatus(s Status) history.Status {
	switch s {
	case StatusCompleted:
		return history.StatusSuccess
	case StatusCancelled:
		return history.StatusCancelled
	case StatusPaused:
		return history.StatusPaused
	case StatusRunning:
		return history.StatusRunning
	default:
		return history.StatusError
	}
}

func historyNodeStatus(s NodeStatus) history.Status {
	switch s {
	case NodeCompleted:
		return history.StatusSuccess
	case NodeFailed:
		return history.StatusError
	case NodeCancelled:
		return history.StatusCancelled
	case NodeSkipped:
		return history.StatusSkipped
	default:
		return history.StatusRunning
	}
}

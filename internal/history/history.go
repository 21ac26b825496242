// Package history persists execution records, per-node results and execution
// logs. The engine treats the sink as write-mostly; reads serve the status
// API and post-hoc inspection.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/flowforge-io/flowforge/internal/workflow"
)

// Status is the persisted lifecycle state of an execution or node run.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
	StatusPaused    Status = "PAUSED"
	StatusSkipped   Status = "SKIPPED"
)

// ExecutionRecord is one execution row. The snapshot is stored whole so a
// finished execution can be replayed against the exact graph it ran.
type ExecutionRecord struct {
	ID          string             `json:"id"`
	WorkflowID  string             `json:"workflowId"`
	UserID      string             `json:"userId"`
	TriggerType string             `json:"triggerType"`
	Status      Status             `json:"status"`
	Snapshot    *workflow.Snapshot `json:"snapshot"`
	Error       string             `json:"error,omitempty"`
	StartedAt   time.Time          `json:"startedAt"`
	FinishedAt  *time.Time         `json:"finishedAt,omitempty"`
	DurationMs  int64              `json:"durationMs"`
}

// NodeRecord is one node run inside an execution, including retries: each
// attempt gets its own row.
type NodeRecord struct {
	ExecutionID string          `json:"executionId"`
	NodeID      string          `json:"nodeId"`
	NodeType    string          `json:"nodeType"`
	Status      Status          `json:"status"`
	Attempt     int             `json:"attempt"`
	Input       workflow.Bundle `json:"input,omitempty"`
	Output      workflow.Bundle `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"errorKind,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	DurationMs  int64           `json:"durationMs"`
}

// LogEntry is one line of the execution log.
type LogEntry struct {
	ExecutionID string    `json:"executionId"`
	NodeID      string    `json:"nodeId,omitempty"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// NotFoundError reports a missing execution.
type NotFoundError struct {
	ExecutionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("execution %q not found", e.ExecutionID)
}

// Sink receives execution history. Implementations must be safe for
// concurrent use; the engine writes from many executions at once.
type Sink interface {
	// CreateExecution inserts the execution row at admission, in RUNNING
	// state, with the frozen snapshot.
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	// UpdateExecution rewrites status, error and timing fields.
	UpdateExecution(ctx context.Context, rec *ExecutionRecord) error
	// RecordNode appends one node attempt.
	RecordNode(ctx context.Context, rec *NodeRecord) error
	// AppendLog appends one execution log line.
	AppendLog(ctx context.Context, entry *LogEntry) error
	// FindExecution loads one execution with its node records. A non-empty
	// userID scopes the lookup to that user's executions; a mismatch is
	// reported as NotFoundError so callers cannot probe for foreign IDs.
	FindExecution(ctx context.Context, executionID, userID string) (*ExecutionRecord, []NodeRecord, error)
}

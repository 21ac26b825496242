// Package events implements the execution event fan-out: per-execution and
// per-workflow topics with a bounded replay buffer so late subscribers can
// catch up on a run already in progress.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event on the fan-out.
type Type string

const (
	TypeNodeStarted       Type = "node-started"
	TypeNodeCompleted     Type = "node-completed"
	TypeNodeFailed        Type = "node-failed"
	TypeNodeStatusUpdate  Type = "node-status-update"
	TypeExecutionProgress Type = "execution-progress"
	TypeCompleted         Type = "completed"
	TypeCancelled         Type = "cancelled"
	TypePaused            Type = "paused"
	TypeResumed           Type = "resumed"
	TypeLog               Type = "log"
)

// Event is one entry on an execution or workflow topic.
type Event struct {
	ID          string                 `json:"id"`
	Type        Type                   `json:"type"`
	ExecutionID string                 `json:"executionId"`
	WorkflowID  string                 `json:"workflowId,omitempty"`
	NodeID      string                 `json:"nodeId,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// New creates an event with id and timestamp filled in.
func New(eventType Type, executionID, workflowID string, data map[string]interface{}) *Event {
	return &Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Timestamp:   time.Now(),
		Data:        data,
	}
}

// JSON returns the event serialized for the wire.
func (e *Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

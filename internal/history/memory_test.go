package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge-io/flowforge/internal/workflow"
)

func TestMemorySink(t *testing.T) {
	ctx := context.Background()
	sink := NewMemory()

	snapshot := &workflow.Snapshot{
		ID: "wf-1",
		Nodes: []workflow.Node{
			{ID: "a", Type: "manual_trigger"},
			{ID: "b", Type: "noop"},
		},
		Connections: []workflow.Edge{
			{SourceNodeID: "a", SourceOutput: workflow.MainChannel, TargetNodeID: "b", TargetInput: workflow.MainChannel},
		},
	}

	rec := &ExecutionRecord{
		ID:          "exec-1",
		WorkflowID:  "wf-1",
		UserID:      "user-1",
		TriggerType: "manual",
		Status:      StatusRunning,
		Snapshot:    snapshot,
		StartedAt:   time.Now(),
	}
	require.NoError(t, sink.CreateExecution(ctx, rec))

	t.Run("snapshot survives round trip", func(t *testing.T) {
		loaded, _, err := sink.FindExecution(ctx, "exec-1", "")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, loaded.Status)
		require.NotNil(t, loaded.Snapshot)
		assert.Len(t, loaded.Snapshot.Nodes, 2)
		assert.Equal(t, "a", loaded.Snapshot.Connections[0].SourceNodeID)
	})

	t.Run("node runs append in order", func(t *testing.T) {
		for i, nodeID := range []string{"a", "b"} {
			require.NoError(t, sink.RecordNode(ctx, &NodeRecord{
				ExecutionID: "exec-1",
				NodeID:      nodeID,
				NodeType:    "noop",
				Status:      StatusSuccess,
				Attempt:     1,
				Output:      workflow.NewBundle(workflow.Item{"i": i}),
				StartedAt:   time.Now(),
			}))
		}
		_, runs, err := sink.FindExecution(ctx, "exec-1", "")
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "a", runs[0].NodeID)
		assert.Equal(t, "b", runs[1].NodeID)
	})

	t.Run("update rewrites status", func(t *testing.T) {
		now := time.Now()
		rec.Status = StatusSuccess
		rec.FinishedAt = &now
		require.NoError(t, sink.UpdateExecution(ctx, rec))

		loaded, _, err := sink.FindExecution(ctx, "exec-1", "")
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, loaded.Status)
		assert.NotNil(t, loaded.FinishedAt)
	})

	t.Run("update of unknown execution fails", func(t *testing.T) {
		err := sink.UpdateExecution(ctx, &ExecutionRecord{ID: "nope"})
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("logs accumulate", func(t *testing.T) {
		require.NoError(t, sink.AppendLog(ctx, &LogEntry{
			ExecutionID: "exec-1", Level: "info", Message: "started", Timestamp: time.Now(),
		}))
		require.NoError(t, sink.AppendLog(ctx, &LogEntry{
			ExecutionID: "exec-1", NodeID: "a", Level: "info", Message: "node done", Timestamp: time.Now(),
		}))
		logs := sink.Logs("exec-1")
		require.Len(t, logs, 2)
		assert.Equal(t, "started", logs[0].Message)
	})

	t.Run("missing execution", func(t *testing.T) {
		_, _, err := sink.FindExecution(ctx, "missing", "")
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("lookup is scoped to the owning user", func(t *testing.T) {
		loaded, _, err := sink.FindExecution(ctx, "exec-1", "user-1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", loaded.UserID)

		_, _, err = sink.FindExecution(ctx, "exec-1", "user-2")
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
	})
}

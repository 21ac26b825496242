package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge-io/flowforge/internal/engine"
	"github.com/flowforge-io/flowforge/internal/events"
	"github.com/flowforge-io/flowforge/internal/history"
	"github.com/flowforge-io/flowforge/internal/nodes"
	"github.com/flowforge-io/flowforge/internal/platform/logger"
	"github.com/flowforge-io/flowforge/internal/sandbox"
	"github.com/flowforge-io/flowforge/internal/vault"
	"github.com/flowforge-io/flowforge/internal/workflow"
)

type rig struct {
	manager  *Manager
	engine   *engine.Engine
	registry *nodes.Registry

	mu      sync.Mutex
	started []string
	gates   map[string]chan struct{}
}

func newRig(t *testing.T, limits Limits) *rig {
	t.Helper()
	r := &rig{gates: make(map[string]chan struct{})}

	r.registry = nodes.NewRegistry()
	require.NoError(t, nodes.RegisterBuiltins(r.registry, nil))

	// marker records execution order; gate blocks until released.
	require.NoError(t, r.registry.Register(&nodes.NodeType{
		Type:    "marker",
		Outputs: []string{workflow.MainChannel},
		Execute: func(_ context.Context, in *nodes.Input) (*nodes.Output, error) {
			r.mu.Lock()
			r.started = append(r.started, in.Parameters["label"].(string))
			r.mu.Unlock()
			return nodes.NewOutput(in.Items()...), nil
		},
	}))
	require.NoError(t, r.registry.Register(&nodes.NodeType{
		Type:    "gate",
		Outputs: []string{workflow.MainChannel},
		Execute: func(ctx context.Context, in *nodes.Input) (*nodes.Output, error) {
			name := in.Parameters["gate"].(string)
			r.mu.Lock()
			ch := r.gates[name]
			r.mu.Unlock()
			select {
			case <-ch:
				return nodes.NewOutput(in.Items()...), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	limits.QueueTimeout = time.Minute
	runner := sandbox.NewRunner(r.registry, vault.NewStatic(), logger.NewNop(), nil, sandbox.DefaultLimits(), sandbox.NetPolicy{})
	eng := engine.New(engine.Options{}, runner, r.registry, history.NewMemory(),
		events.NewBus(events.DefaultConfig()), logger.NewNop(), nil)
	t.Cleanup(eng.Close)

	r.engine = eng
	r.manager = NewManager(limits, eng, NewMemoryLocks(), logger.NewNop(), nil)
	t.Cleanup(r.manager.Close)
	return r
}

func (r *rig) gate(name string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.gates[name] = ch
	return ch
}

func (r *rig) startOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.started...)
}

func gatedWorkflow(id, gate string) *workflow.Snapshot {
	return &workflow.Snapshot{
		ID: id,
		Nodes: []workflow.Node{
			{ID: "start", Type: "manual_trigger"},
			{ID: "g", Type: "gate", Parameters: map[string]interface{}{"gate": gate}},
		},
		Connections: []workflow.Edge{
			{SourceNodeID: "start", SourceOutput: workflow.MainChannel, TargetNodeID: "g", TargetInput: workflow.MainChannel},
		},
	}
}

func markedWorkflow(id, label string) *workflow.Snapshot {
	return &workflow.Snapshot{
		ID: id,
		Nodes: []workflow.Node{
			{ID: "start", Type: "manual_trigger"},
			{ID: "m", Type: "marker", Parameters: map[string]interface{}{"label": label}},
		},
		Connections: []workflow.Edge{
			{SourceNodeID: "start", SourceOutput: workflow.MainChannel, TargetNodeID: "m", TargetInput: workflow.MainChannel},
		},
	}
}

func TestGlobalLimitQueuesExcess(t *testing.T) {
	r := newRig(t, Limits{Global: 1})
	release := r.gate("g1")

	first, err := r.manager.Submit(context.Background(), &Request{
		Snapshot: gatedWorkflow("wf-a", "g1"), Type: "manual",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, first.Outcome)
	assert.NotEmpty(t, first.ExecutionID)

	second, err := r.manager.Submit(context.Background(), &Request{
		Snapshot: markedWorkflow("wf-b", "b"), Type: "manual",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, second.Outcome)
	assert.Equal(t, 1, second.QueuePosition)
	assert.Equal(t, 1, r.manager.QueueDepth())

	// Releasing the running execution promotes the queued one.
	close(release)
	assert.Eventually(t, func() bool {
		return len(r.startOrder()) == 1 && r.manager.QueueDepth() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPerWorkflowAndPerUserLimits(t *testing.T) {
	r := newRig(t, Limits{Global: 10, PerWorkflow: 1, PerUser: 2})
	r.gate("hold")

	started, err := r.manager.Submit(context.Background(), &Request{
		Snapshot: gatedWorkflow("wf-a", "hold"), Type: "manual", UserID: "u1",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, started.Outcome)

	t.Run("same workflow is limited", func(t *testing.T) {
		adm, err := r.manager.Submit(context.Background(), &Request{
			Snapshot: gatedWorkflow("wf-a", "hold"), Type: "manual", UserID: "u2",
			Strategy: StrategyReject,
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, adm.Outcome)
		assert.Equal(t, ReasonLimitExceeded, adm.Reason)
	})

	t.Run("other workflow same user still fits", func(t *testing.T) {
		adm, err := r.manager.Submit(context.Background(), &Request{
			Snapshot: gatedWorkflow("wf-b", "hold"), Type: "manual", UserID: "u1",
			Strategy: StrategyReject,
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeStarted, adm.Outcome)
	})

	t.Run("per-user limit reached", func(t *testing.T) {
		adm, err := r.manager.Submit(context.Background(), &Request{
			Snapshot: gatedWorkflow("wf-c", "hold"), Type: "manual", UserID: "u1",
			Strategy: StrategyReject,
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, adm.Outcome)
	})
}

func TestQueueOrdersByPriorityThenArrival(t *testing.T) {
	r := newRig(t, Limits{Global: 1})
	release := r.gate("hold")

	_, err := r.manager.Submit(context.Background(), &Request{
		Snapshot: gatedWorkflow("wf-hold", "hold"), Type: "manual",
	})
	require.NoError(t, err)

	for _, req := range []struct {
		label    string
		priority int
	}{
		{"low", 5},
		{"high-first", 1},
		{"high-second", 1},
	} {
		adm, err := r.manager.Submit(context.Background(), &Request{
			Snapshot: markedWorkflow("wf-"+req.label, req.label),
			Type:     "manual",
			Priority: req.priority,
		})
		require.NoError(t, err)
		require.Equal(t, OutcomeQueued, adm.Outcome)
	}

	close(release)
	assert.Eventually(t, func() bool {
		return len(r.startOrder()) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"high-first", "high-second", "low"}, r.startOrder())
}

func TestQueueFullEvictsOnlyForHigherPriority(t *testing.T) {
	r := newRig(t, Limits{Global: 1, QueueMax: 1})
	r.gate("hold")

	_, err := r.manager.Submit(context.Background(), &Request{
		Snapshot: gatedWorkflow("wf-hold", "hold"), Type: "manual",
	})
	require.NoError(t, err)

	queued, err := r.manager.Submit(context.Background(), &Request{
		Snapshot: markedWorkflow("wf-q", "q"), Type: "manual", Priority: 5,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, queued.Outcome)

	t.Run("equal priority is rejected", func(t *testing.T) {
		adm, err := r.manager.Submit(context.Background(), &Request{
			Snapshot: markedWorkflow("wf-r", "r"), Type: "manual", Priority: 5,
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, adm.Outcome)
		assert.Equal(t, ReasonQueueFull, adm.Reason)
	})

	t.Run("higher priority evicts", func(t *testing.T) {
		adm, err := r.manager.Submit(context.Background(), &Request{
			Snapshot: markedWorkflow("wf-s", "s"), Type: "manual", Priority: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeQueued, adm.Outcome)
		assert.Equal(t, 1, r.manager.QueueDepth())
	})
}

func TestMergeLatestCoalescesQueuedRequest(t *testing.T) {
	r := newRig(t, Limits{Global: 1})
	r.gate("hold")

	_, err := r.manager.Submit(context.Background(), &Request{
		Snapshot: gatedWorkflow("wf-hold", "hold"), Type: "manual",
	})
	require.NoError(t, err)

	first, err := r.manager.Submit(context.Background(), &Request{
		Snapshot: markedWorkflow("wf-m", "m"), Type: "webhook",
		Payload:  []workflow.Item{{"rev": 1}},
		Strategy: StrategyMergeLatest,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, first.Outcome)

	second, err := r.manager.Submit(context.Background(), &Request{
		Snapshot: markedWorkflow("wf-m", "m"), Type: "webhook",
		Payload:  []workflow.Item{{"rev": 2}},
		Strategy: StrategyMergeLatest,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, second.Outcome)
	assert.Equal(t, first.RequestID, second.RequestID, "second request merged into the first")
	assert.Equal(t, 1, r.manager.QueueDepth())
}

func TestIsolationLocksOverlappingRuns(t *testing.T) {
	r := newRig(t, Limits{Global: 10, PerWorkflow: 5})
	r.gate("hold")

	isolated := gatedWorkflow("wf-iso", "hold")
	isolated.Settings.Isolated = true

	first, err := r.manager.Submit(context.Background(), &Request{
		Snapshot: isolated, Type: "manual", StartNodeID: "start",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, first.Outcome)

	t.Run("overlapping run is locked out", func(t *testing.T) {
		adm, err := r.manager.Submit(context.Background(), &Request{
			Snapshot: isolated, Type: "manual", StartNodeID: "start",
			Strategy: StrategyReject,
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, adm.Outcome)
		assert.Equal(t, ReasonLocked, adm.Reason)
	})

	t.Run("disjoint subgraph runs concurrently", func(t *testing.T) {
		// Same workflow id, but a second entry point whose reachable set
		// does not overlap the held one.
		disjoint := &workflow.Snapshot{
			ID: "wf-iso",
			Nodes: []workflow.Node{
				{ID: "start", Type: "manual_trigger"},
				{ID: "g", Type: "gate", Parameters: map[string]interface{}{"gate": "hold"}},
				{ID: "start2", Type: "manual_trigger"},
				{ID: "m", Type: "marker", Parameters: map[string]interface{}{"label": "disjoint"}},
			},
			Connections: []workflow.Edge{
				{SourceNodeID: "start", SourceOutput: workflow.MainChannel, TargetNodeID: "g", TargetInput: workflow.MainChannel},
				{SourceNodeID: "start2", SourceOutput: workflow.MainChannel, TargetNodeID: "m", TargetInput: workflow.MainChannel},
			},
			Settings: workflow.Settings{Isolated: true},
		}
		adm, err := r.manager.Submit(context.Background(), &Request{
			Snapshot: disjoint, Type: "manual", StartNodeID: "start2",
			Strategy: StrategyReject,
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeStarted, adm.Outcome)
	})
}

func TestMemoryLocksAllOrNothing(t *testing.T) {
	ctx := context.Background()
	locks := NewMemoryLocks()

	ok, err := locks.TryAcquire(ctx, "wf", []string{"a", "b"}, "e1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Overlap on b fails entirely; a disjoint set succeeds.
	ok, err = locks.TryAcquire(ctx, "wf", []string{"b", "c"}, "e2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = locks.TryAcquire(ctx, "wf", []string{"c", "d"}, "e3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// After a failed acquire nothing from that attempt is held.
	require.NoError(t, locks.Release(ctx, "wf", []string{"a", "b"}, "e1"))
	ok, err = locks.TryAcquire(ctx, "wf", []string{"a", "b"}, "e2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

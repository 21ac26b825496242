package schedule

import (
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
	"github.com/flowforge-io/flowforge/internal/trigger"
	"github.com/flowforge-io/flowforge/internal/vault"
	"github.com/flowforge-io/flowforge/internal/workflow"
)

func newFeeder(t *testing.T) (*Feeder, *history.Memory) {
	t.Helper()
	registry := nodes.NewRegistry()
	require.NoError(t, nodes.RegisterBuiltins(registry, nil))
	runner := sandbox.NewRunner(registry, vault.NewStatic(), logger.NewNop(), nil,
		sandbox.DefaultLimits(), sandbox.NetPolicy{})
	sink := history.NewMemory()
	eng := engine.New(engine.Options{}, runner, registry, sink,
		events.NewBus(events.DefaultConfig()), logger.NewNop(), nil)
	t.Cleanup(eng.Close)
	manager := trigger.NewManager(trigger.Limits{}, eng, trigger.NewMemoryLocks(), logger.NewNop(), nil)
	t.Cleanup(manager.Close)
	return NewFeeder(manager, logger.NewNop()), sink
}

func scheduled(id, expr string) *workflow.Snapshot {
	return &workflow.Snapshot{
		ID: id,
		Nodes: []workflow.Node{
			{ID: "sched", Type: "schedule_trigger", Parameters: map[string]interface{}{"cron": expr}},
			{ID: "work", Type: "noop"},
		},
		Connections: []workflow.Edge{
			{SourceNodeID: "sched", SourceOutput: workflow.MainChannel, TargetNodeID: "work", TargetInput: workflow.MainChannel},
		},
	}
}

func TestRegisterValidatesCron(t *testing.T) {
	f, _ := newFeeder(t)

	require.NoError(t, f.Register(scheduled("wf-ok", "*/5 * * * *")))
	assert.True(t, f.Scheduled("wf-ok"))

	err := f.Register(scheduled("wf-bad", "not a cron"))
	require.Error(t, err)
	assert.False(t, f.Scheduled("wf-bad"))

	err = f.Register(&workflow.Snapshot{
		ID:    "wf-none",
		Nodes: []workflow.Node{{ID: "n", Type: "noop"}},
	})
	require.Error(t, err, "workflow without schedule nodes is rejected")
}

func TestRemoveDropsSchedules(t *testing.T) {
	f, _ := newFeeder(t)
	require.NoError(t, f.Register(scheduled("wf-1", "0 * * * *")))
	f.Remove("wf-1")
	assert.False(t, f.Scheduled("wf-1"))
}

func TestFireSubmitsTrigger(t *testing.T) {
	f, sink := newFeeder(t)
	snap := scheduled("wf-fire", "0 0 1 1 *")
	require.NoError(t, f.Register(snap))

	f.fire(snap, "sched")

	assert.Eventually(t, func() bool {
		recs := sink.All()
		return len(recs) == 1 && recs[0].TriggerType == "schedule"
	}, 5*time.Second, 10*time.Millisecond)
}

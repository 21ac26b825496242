// Package schedule turns schedule_trigger nodes into timed trigger requests.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowforge-io/flowforge/internal/platform/logger"
	"github.com/flowforge-io/flowforge/internal/trigger"
	"github.com/flowforge-io/flowforge/internal/workflow"
)

// Feeder owns a cron runner and submits a trigger request every time a
// registered schedule fires. Overlapping fires of the same workflow coalesce
// through the merge-latest strategy.
type Feeder struct {
	cron    *cron.Cron
	manager *trigger.Manager
	logger  logger.Logger

	mu      sync.Mutex
	entries map[string][]cron.EntryID
}

// NewFeeder creates a stopped feeder.
func NewFeeder(manager *trigger.Manager, log logger.Logger) *Feeder {
	return &Feeder{
		cron:    cron.New(),
		manager: manager,
		logger:  log,
		entries: make(map[string][]cron.EntryID),
	}
}

// Start begins firing schedules.
func (f *Feeder) Start() {
	f.cron.Start()
}

// Stop halts the cron runner and waits for in-flight jobs.
func (f *Feeder) Stop() {
	<-f.cron.Stop().Done()
}

// Register adds every schedule_trigger node of a workflow. Registering the
// same workflow again replaces its schedules.
func (f *Feeder) Register(snap *workflow.Snapshot) error {
	f.Remove(snap.ID)

	frozen, err := snap.Clone()
	if err != nil {
		return err
	}

	var ids []cron.EntryID
	for i := range frozen.Nodes {
		node := frozen.Nodes[i]
		if node.Type != "schedule_trigger" {
			continue
		}
		expr, _ := node.Parameters["cron"].(string)
		if expr == "" {
			f.rollback(ids)
			return fmt.Errorf("schedule node %s of workflow %s has no cron expression", node.ID, frozen.ID)
		}
		id, err := f.cron.AddFunc(expr, f.job(frozen, node.ID))
		if err != nil {
			f.rollback(ids)
			return fmt.Errorf("invalid cron expression %q on node %s: %w", expr, node.ID, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return fmt.Errorf("workflow %s has no schedule_trigger node", frozen.ID)
	}

	f.mu.Lock()
	f.entries[frozen.ID] = ids
	f.mu.Unlock()
	f.logger.Info("workflow schedules registered", "workflowId", frozen.ID, "count", len(ids))
	return nil
}

// Remove drops all schedules of a workflow.
func (f *Feeder) Remove(workflowID string) {
	f.mu.Lock()
	ids := f.entries[workflowID]
	delete(f.entries, workflowID)
	f.mu.Unlock()
	for _, id := range ids {
		f.cron.Remove(id)
	}
}

// Scheduled reports whether a workflow has active schedules.
func (f *Feeder) Scheduled(workflowID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries[workflowID]) > 0
}

func (f *Feeder) job(snap *workflow.Snapshot, nodeID string) func() {
	return func() {
		f.fire(snap, nodeID)
	}
}

func (f *Feeder) fire(snap *workflow.Snapshot, nodeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	admission, err := f.manager.Submit(ctx, &trigger.Request{
		Snapshot:    snap,
		Type:        "schedule",
		StartNodeID: nodeID,
		Payload:     []workflow.Item{{"firedAt": time.Now().UTC().Format(time.RFC3339)}},
		Strategy:    trigger.StrategyMergeLatest,
	})
	if err != nil {
		f.logger.Error("scheduled trigger failed",
			"workflowId", snap.ID, "nodeId", nodeID, "error", err.Error())
		return
	}
	f.logger.Info("scheduled trigger fired",
		"workflowId", snap.ID, "nodeId", nodeID, "outcome", string(admission.Outcome),
		"executionId", admission.ExecutionID)
}

func (f *Feeder) rollback(ids []cron.EntryID) {
	for _, id := range ids {
		f.cron.Remove(id)
	}
}

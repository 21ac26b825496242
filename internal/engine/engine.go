// Package engine runs workflow executions: admission, per-node scheduling
// with bounded parallelism, retries, skip cascades and lifecycle control.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge-io/flowforge/internal/events"
	"github.com/flowforge-io/flowforge/internal/graph"
	"github.com/flowforge-io/flowforge/internal/history"
	"github.com/flowforge-io/flowforge/internal/nodes"
	"github.com/flowforge-io/flowforge/internal/platform/logger"
	"github.com/flowforge-io/flowforge/internal/platform/metrics"
	"github.com/flowforge-io/flowforge/internal/sandbox"
	"github.com/flowforge-io/flowforge/internal/workflow"
	"github.com/flowforge-io/flowforge/pkg/expression"
)

// ErrNotFound reports an unknown execution id.
var ErrNotFound = errors.New("execution not found")

// DeadlockError reports nodes that can never become ready. With cycle
// rejection at admission this indicates an engine bug, but it must fail the
// execution rather than hang it.
type DeadlockError struct {
	Nodes []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("dependency deadlock: nodes %v can never become ready", e.Nodes)
}

// Options tunes the engine. Zero values fall back to documented defaults.
type Options struct {
	DefaultTimeout  time.Duration
	NodeTimeout     time.Duration
	MaxRetries      int
	Backoff         Backoff
	MaxParallel     int
	Retention       time.Duration
	CleanupInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = DefaultBackoff()
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Minute
	}
	return o
}

// Trigger describes how an execution starts.
type Trigger struct {
	Type        string
	StartNodeID string
	Payload     []workflow.Item
	UserID      string
	Vars        *expression.Variables
	// OnFinish runs after the execution reaches a terminal state. The
	// admission layer uses it to release concurrency slots.
	OnFinish func(*Result)
}

// Engine executes workflow snapshots.
type Engine struct {
	opts     Options
	runner   *sandbox.Runner
	registry *nodes.Registry
	sink     history.Sink
	bus      *events.Bus
	logger   logger.Logger
	metrics  *metrics.Metrics

	executions *executionTable
	stop       chan struct{}
}

// New creates an engine and starts its cleanup sweep.
func New(opts Options, runner *sandbox.Runner, registry *nodes.Registry, sink history.Sink, bus *events.Bus, log logger.Logger, rec *metrics.Metrics) *Engine {
	e := &Engine{
		opts:       opts.withDefaults(),
		runner:     runner,
		registry:   registry,
		sink:       sink,
		bus:        bus,
		logger:     log,
		metrics:    rec,
		executions: newExecutionTable(),
		stop:       make(chan struct{}),
	}
	go e.janitor()
	return e
}

// Close stops background work. Running executions keep going until their own
// contexts end.
func (e *Engine) Close() {
	close(e.stop)
}

// Execute admits a workflow run. The snapshot is frozen, the graph checked
// for safety from the start node, and the execution row created before the
// run goroutine launches. A cycle or unknown start node rejects the request
// with no execution record at all.
func (e *Engine) Execute(ctx context.Context, snap *workflow.Snapshot, trig Trigger) (*Execution, error) {
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}
	frozen, err := snap.Clone()
	if err != nil {
		return nil, err
	}

	startNodeID := trig.StartNodeID
	if startNodeID == "" {
		startNodeID = e.findTriggerNode(frozen)
	}
	if startNodeID == "" {
		return nil, fmt.Errorf("workflow %s has no trigger node", frozen.ID)
	}

	resolver := graph.NewResolver(frozen)
	if err := resolver.ValidateSafety(startNodeID); err != nil {
		return nil, fmt.Errorf("workflow %s failed admission: %w", frozen.ID, err)
	}

	settings := frozen.Settings
	timeout := e.opts.DefaultTimeout
	if settings.TimeoutMs > 0 {
		timeout = time.Duration(settings.TimeoutMs) * time.Millisecond
	}
	maxParallel := e.opts.MaxParallel
	if settings.MaxParallel > 0 {
		maxParallel = settings.MaxParallel
	}
	maxAttempts := e.opts.MaxRetries
	if settings.MaxRetries > 0 {
		maxAttempts = settings.MaxRetries
	}
	backoff := e.opts.Backoff
	if settings.RetryBaseMs > 0 {
		backoff.Base = time.Duration(settings.RetryBaseMs) * time.Millisecond
	}
	if settings.RetryCapMs > 0 {
		backoff.Cap = time.Duration(settings.RetryCapMs) * time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	x := &Execution{
		ID:          uuid.New().String(),
		WorkflowID:  frozen.ID,
		UserID:      trig.UserID,
		TriggerType: trig.Type,
		snapshot:    frozen,
		resolver:    resolver,
		vars:        trig.Vars,
		settings:    settings,
		ctx:         runCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		status:      StatusRunning,
		startedAt:   time.Now(),
		nodeStates:  make(map[string]NodeStatus),
		nodeResults: make(map[string]*NodeResult),
		outputs:     make(map[string]workflow.Bundle),
		startNodeID: startNodeID,
		payload:     trig.Payload,
		branching:   make(map[string]bool),
		maxParallel: maxParallel,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		onFinish:    trig.OnFinish,
	}
	e.prepareScheduling(x)

	if err := e.sink.CreateExecution(ctx, &history.ExecutionRecord{
		ID:          x.ID,
		WorkflowID:  x.WorkflowID,
		UserID:      x.UserID,
		TriggerType: x.TriggerType,
		Status:      history.StatusRunning,
		Snapshot:    frozen,
		StartedAt:   x.startedAt,
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	e.executions.put(x)
	e.metrics.ExecutionStarted()
	e.logger.Info("execution admitted",
		"executionId", x.ID, "workflowId", x.WorkflowID, "trigger", x.TriggerType, "startNode", startNodeID)

	go e.run(x)
	return x, nil
}

// Get returns a live or recently finished execution.
func (e *Engine) Get(executionID string) (*Execution, error) {
	if x, ok := e.executions.get(executionID); ok {
		return x, nil
	}
	return nil, ErrNotFound
}

// Cancel stops an execution. Idempotent: cancelling a finished or already
// cancelled execution is a no-op.
func (e *Engine) Cancel(executionID string) error {
	x, ok := e.executions.get(executionID)
	if !ok {
		return ErrNotFound
	}
	if x.Status().Terminal() {
		return nil
	}
	x.cancel()
	// A paused execution sits waiting on the resume channel; wake it so the
	// loop can observe the cancelled context.
	x.resume()
	return nil
}

// Pause suspends dispatching of new nodes. In-flight nodes run to completion.
func (e *Engine) Pause(executionID string) error {
	x, ok := e.executions.get(executionID)
	if !ok {
		return ErrNotFound
	}
	if !x.pause() {
		return nil
	}
	e.publish(x, events.New(events.TypePaused, x.ID, x.WorkflowID, nil))
	e.updateExecutionRow(x, StatusPaused, "")
	return nil
}

// Resume continues a paused execution.
func (e *Engine) Resume(executionID string) error {
	x, ok := e.executions.get(executionID)
	if !ok {
		return ErrNotFound
	}
	if !x.resume() {
		return nil
	}
	e.publish(x, events.New(events.TypeResumed, x.ID, x.WorkflowID, nil))
	e.updateExecutionRow(x, StatusRunning, "")
	return nil
}

// Running returns the number of executions not yet terminal.
func (e *Engine) Running() int {
	return e.executions.running()
}

func (e *Engine) findTriggerNode(snap *workflow.Snapshot) string {
	for _, node := range snap.Nodes {
		if nt, err := e.registry.Get(node.Type); err == nil && nt.Trigger {
			return node.ID
		}
	}
	return ""
}

// prepareScheduling computes the reachable set and dependency counters.
func (e *Engine) prepareScheduling(x *Execution) {
	x.reachable = x.resolver.ReachableFrom(x.startNodeID)
	x.pendingDeps = make(map[string]int, len(x.reachable))
	for nodeID := range x.reachable {
		count := 0
		for _, dep := range x.resolver.DependenciesOf(nodeID) {
			if x.reachable[dep] {
				count++
			}
		}
		x.pendingDeps[nodeID] = count
		x.nodeStates[nodeID] = NodePending
		if nt, err := e.registry.Get(x.nodeTypeOf(nodeID)); err == nil {
			x.branching[nodeID] = nt.Branching
		}
	}
	x.nodeStates[x.startNodeID] = NodeReady
	x.ready = []string{x.startNodeID}
}

type nodeCompletion struct {
	nodeID   string
	result   *sandbox.Result
	attempts int
}

// run is the per-execution scheduling loop. It owns the ready queue and
// dependency counters; node work happens on worker goroutines reporting back
// through the completions channel.
func (e *Engine) run(x *Execution) {
	completions := make(chan *nodeCompletion)
	inFlight := 0

	for {
		if x.isPaused() && inFlight == 0 {
			select {
			case <-x.resumed():
			case <-x.ctx.Done():
			}
		}

		if x.ctx.Err() != nil {
			for inFlight > 0 {
				c := <-completions
				inFlight--
				e.handleCompletion(x, c)
			}
			e.finishInterrupted(x)
			return
		}

		for inFlight < x.maxParallel {
			nodeID, ok := x.popReady()
			if !ok {
				break
			}
			input := x.collectInput(nodeID)
			x.setNodeStatus(nodeID, NodeRunning)
			inFlight++
			go e.runNode(x, nodeID, input, completions)
		}

		if inFlight == 0 {
			if x.isPaused() {
				continue
			}
			if x.pendingCount() > 0 {
				e.failDeadlock(x)
				return
			}
			e.finalize(x)
			return
		}

		select {
		case c := <-completions:
			inFlight--
			e.handleCompletion(x, c)
		case <-x.ctx.Done():
			for inFlight > 0 {
				c := <-completions
				inFlight--
				e.handleCompletion(x, c)
			}
			e.finishInterrupted(x)
			return
		}
	}
}

// runNode executes one node with retries and reports the final attempt.
func (e *Engine) runNode(x *Execution, nodeID string, input workflow.Bundle, completions chan<- *nodeCompletion) {
	node := x.snapshot.NodeByID(nodeID)
	e.publish(x, &events.Event{
		ID: uuid.New().String(), Type: events.TypeNodeStarted,
		ExecutionID: x.ID, WorkflowID: x.WorkflowID, NodeID: nodeID,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"nodeType": node.Type, "inputItems": input.Size()},
	})

	logLine := func(level, message string) {
		if err := e.sink.AppendLog(context.Background(), &history.LogEntry{
			ExecutionID: x.ID, NodeID: nodeID,
			Level: level, Message: message, Timestamp: time.Now(),
		}); err != nil {
			e.logger.Error("failed to append execution log",
				"executionId", x.ID, "nodeId", nodeID, "error", err.Error())
		}
		e.publish(x, &events.Event{
			ID: uuid.New().String(), Type: events.TypeLog,
			ExecutionID: x.ID, WorkflowID: x.WorkflowID, NodeID: nodeID,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"level": level, "message": message},
		})
	}

	attempts := 0
	var result *sandbox.Result
	for {
		attempts++
		started := time.Now()
		result = e.runner.Execute(x.ctx, &sandbox.Request{
			Node:     node,
			Input:    input,
			Vars:     x.vars,
			Meta:     nodes.Meta{ExecutionID: x.ID, WorkflowID: x.WorkflowID, UserID: x.UserID, TriggerType: x.TriggerType},
			Settings: x.settings,
			Log:      logLine,
		})
		e.recordNodeAttempt(x, node, attempts, started, input, result)
		e.metrics.NodeFinished(node.Type, result.Success, time.Duration(result.DurationMs)*time.Millisecond)

		if result.Success || x.ctx.Err() != nil {
			break
		}
		if attempts >= x.maxAttempts || result.Error == nil || !result.Error.Retryable() {
			break
		}

		delay := x.backoff.Delay(attempts)
		e.metrics.NodeRetried()
		e.publish(x, &events.Event{
			ID: uuid.New().String(), Type: events.TypeNodeStatusUpdate,
			ExecutionID: x.ID, WorkflowID: x.WorkflowID, NodeID: nodeID,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"status":  "retrying",
				"attempt": attempts,
				"delayMs": delay.Milliseconds(),
				"error":   result.Error.Message,
			},
		})
		select {
		case <-x.ctx.Done():
		case <-time.After(delay):
			continue
		}
		break
	}

	completions <- &nodeCompletion{nodeID: nodeID, result: result, attempts: attempts}
}

// handleCompletion applies one node outcome to the scheduling state.
func (e *Engine) handleCompletion(x *Execution, c *nodeCompletion) {
	node := x.snapshot.NodeByID(c.nodeID)
	result := c.result

	if result.Success {
		x.setNodeStatus(c.nodeID, NodeCompleted)
		x.storeResult(c.nodeID, &NodeResult{
			NodeID: c.nodeID, NodeType: node.Type, Status: NodeCompleted,
			Attempts: c.attempts, Output: result.Output, DurationMs: result.DurationMs,
		})
		e.publish(x, &events.Event{
			ID: uuid.New().String(), Type: events.TypeNodeCompleted,
			ExecutionID: x.ID, WorkflowID: x.WorkflowID, NodeID: c.nodeID,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"outputItems": result.Output.Size(), "attempts": c.attempts},
		})
	} else if node.ContinueOnFail && x.ctx.Err() == nil {
		// The failure becomes data: downstream nodes see one error item.
		errOutput := workflow.NewBundle(workflow.Item{
			"error": map[string]interface{}{
				"message": result.Error.Message,
				"kind":    string(result.Error.Kind),
				"nodeId":  c.nodeID,
			},
		})
		x.setNodeStatus(c.nodeID, NodeCompleted)
		x.storeResult(c.nodeID, &NodeResult{
			NodeID: c.nodeID, NodeType: node.Type, Status: NodeCompleted,
			Attempts: c.attempts, Output: errOutput, Error: result.Error, DurationMs: result.DurationMs,
		})
		e.publish(x, &events.Event{
			ID: uuid.New().String(), Type: events.TypeNodeCompleted,
			ExecutionID: x.ID, WorkflowID: x.WorkflowID, NodeID: c.nodeID,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"continueOnFail": true, "error": result.Error.Message},
		})
	} else if errors.Is(x.ctx.Err(), context.Canceled) {
		// The run was cancelled while this node was in flight: the node is
		// Cancelled, not Failed, and never counts against the outcome.
		x.setNodeStatus(c.nodeID, NodeCancelled)
		x.storeResult(c.nodeID, &NodeResult{
			NodeID: c.nodeID, NodeType: node.Type, Status: NodeCancelled,
			Attempts: c.attempts, Error: result.Error, DurationMs: result.DurationMs,
		})
		e.publish(x, &events.Event{
			ID: uuid.New().String(), Type: events.TypeNodeStatusUpdate,
			ExecutionID: x.ID, WorkflowID: x.WorkflowID, NodeID: c.nodeID,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"status": string(NodeCancelled)},
		})
	} else {
		x.setNodeStatus(c.nodeID, NodeFailed)
		x.storeResult(c.nodeID, &NodeResult{
			NodeID: c.nodeID, NodeType: node.Type, Status: NodeFailed,
			Attempts: c.attempts, Error: result.Error, DurationMs: result.DurationMs,
		})
		x.mu.Lock()
		if x.err == "" && result.Error != nil {
			x.err = fmt.Sprintf("node %s: %s", c.nodeID, result.Error.Message)
		}
		x.mu.Unlock()
		e.publish(x, &events.Event{
			ID: uuid.New().String(), Type: events.TypeNodeFailed,
			ExecutionID: x.ID, WorkflowID: x.WorkflowID, NodeID: c.nodeID,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"error":    result.Error.Message,
				"kind":     string(result.Error.Kind),
				"attempts": c.attempts,
			},
		})
	}

	for _, dependent := range x.resolver.DependentsOf(c.nodeID) {
		x.resolveDependent(dependent)
	}

	total := len(x.reachable)
	e.publish(x, &events.Event{
		ID: uuid.New().String(), Type: events.TypeExecutionProgress,
		ExecutionID: x.ID, WorkflowID: x.WorkflowID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"resolved": total - x.pendingCount(),
			"total":    total,
		},
	})
}

func (e *Engine) recordNodeAttempt(x *Execution, node *workflow.Node, attempt int, started time.Time, input workflow.Bundle, result *sandbox.Result) {
	rec := &history.NodeRecord{
		ExecutionID: x.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Attempt:     attempt,
		Input:       input,
		StartedAt:   started,
		DurationMs:  result.DurationMs,
	}
	if result.Success {
		rec.Status = history.StatusSuccess
		rec.Output = result.Output
	} else {
		rec.Status = history.StatusError
		if result.Error != nil {
			rec.Error = result.Error.Message
			rec.ErrorKind = string(result.Error.Kind)
		}
	}
	if err := e.sink.RecordNode(context.Background(), rec); err != nil {
		e.logger.Error("failed to record node attempt",
			"executionId", x.ID, "nodeId", node.ID, "error", err.Error())
	}
}

// finalize computes the terminal status after the loop drains normally.
func (e *Engine) finalize(x *Execution) {
	x.mu.Lock()
	completed, failed, skipped := 0, 0, 0
	for nodeID := range x.reachable {
		switch x.nodeStates[nodeID] {
		case NodeCompleted:
			completed++
		case NodeFailed:
			failed++
		case NodeSkipped:
			skipped++
		}
	}
	var status Status
	switch {
	case failed == 0:
		status = StatusCompleted
	case completed > 0:
		status = StatusPartial
	default:
		status = StatusFailed
	}
	x.mu.Unlock()

	e.finish(x, status, events.TypeCompleted)
}

func (e *Engine) failDeadlock(x *Execution) {
	var stuck []string
	x.mu.Lock()
	for nodeID := range x.reachable {
		if !x.nodeStates[nodeID].terminal() {
			stuck = append(stuck, nodeID)
		}
	}
	x.err = (&DeadlockError{Nodes: stuck}).Error()
	x.mu.Unlock()
	e.logger.Error("execution deadlocked", "executionId", x.ID, "nodes", stuck)
	e.finish(x, StatusFailed, events.TypeCompleted)
}

// finishInterrupted handles context termination: user cancellation or the
// execution-wide timeout.
func (e *Engine) finishInterrupted(x *Execution) {
	if errors.Is(x.ctx.Err(), context.DeadlineExceeded) {
		x.mu.Lock()
		if x.err == "" {
			x.err = "execution timed out"
		}
		x.mu.Unlock()
		e.finish(x, StatusFailed, events.TypeCompleted)
		return
	}
	e.finish(x, StatusCancelled, events.TypeCancelled)
}

func (e *Engine) finish(x *Execution, status Status, eventType events.Type) {
	x.cancel()

	x.mu.Lock()
	x.status = status
	x.finishedAt = time.Now()
	duration := x.finishedAt.Sub(x.startedAt)

	result := &Result{
		ExecutionID:     x.ID,
		WorkflowID:      x.WorkflowID,
		Status:          status,
		Path:            append([]string{}, x.path...),
		Error:           x.err,
		TotalDurationMs: duration.Milliseconds(),
		NodeResults:     make(map[string]*NodeResult, len(x.nodeResults)),
	}
	for nodeID, nr := range x.nodeResults {
		result.NodeResults[nodeID] = nr
		switch nr.Status {
		case NodeCompleted:
			result.Executed = append(result.Executed, nodeID)
		case NodeFailed:
			result.Failed = append(result.Failed, nodeID)
		case NodeSkipped:
			result.Skipped = append(result.Skipped, nodeID)
		case NodeCancelled:
			// Interrupted in flight; neither executed nor failed.
		}
	}
	x.result = result
	errText := x.err
	x.mu.Unlock()

	e.updateExecutionRow(x, status, errText)
	e.metrics.ExecutionFinished(string(status), duration)
	e.publish(x, &events.Event{
		ID: uuid.New().String(), Type: eventType,
		ExecutionID: x.ID, WorkflowID: x.WorkflowID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"status":     string(status),
			"durationMs": duration.Milliseconds(),
			"error":      errText,
		},
	})
	e.logger.Info("execution finished",
		"executionId", x.ID, "workflowId", x.WorkflowID, "status", string(status), "durationMs", duration.Milliseconds())

	close(x.done)
	if x.onFinish != nil {
		x.onFinish(result)
	}
}

func (e *Engine) updateExecutionRow(x *Execution, status Status, errText string) {
	x.mu.RLock()
	rec := &history.ExecutionRecord{
		ID:          x.ID,
		WorkflowID:  x.WorkflowID,
		UserID:      x.UserID,
		TriggerType: x.TriggerType,
		Status:      historyStatus(status),
		Error:       errText,
		Snapshot:    x.snapshot,
		StartedAt:   x.startedAt,
	}
	if !x.finishedAt.IsZero() {
		finished := x.finishedAt
		rec.FinishedAt = &finished
		rec.DurationMs = finished.Sub(x.startedAt).Milliseconds()
	}
	x.mu.RUnlock()

	if err := e.sink.UpdateExecution(context.Background(), rec); err != nil {
		e.logger.Error("failed to update execution row",
			"executionId", x.ID, "error", err.Error())
	}
}

func (e *Engine) publish(x *Execution, ev *events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// janitor drops finished executions from the table once they age out. The
// history sink keeps the durable record.
func (e *Engine) janitor() {
	ticker := time.NewTicker(e.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			removed := e.executions.sweep(e.opts.Retention)
			for _, id := range removed {
				if e.bus != nil {
					e.bus.Release(id)
				}
			}
		}
	}
}

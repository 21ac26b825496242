// Package trigger is the admission layer in front of the engine: it enforces
// global, per-workflow and per-user concurrency limits, queues or rejects
// excess trigger requests, and serializes isolated executions through a lock
// table.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge-io/flowforge/internal/engine"
	"github.com/flowforge-io/flowforge/internal/graph"
	"github.com/flowforge-io/flowforge/internal/platform/logger"
	"github.com/flowforge-io/flowforge/internal/platform/metrics"
	"github.com/flowforge-io/flowforge/internal/workflow"
	"github.com/flowforge-io/flowforge/pkg/expression"
)

// Strategy decides what happens when a request cannot start immediately.
type Strategy string

const (
	// StrategyQueue waits for a slot, honoring priorities.
	StrategyQueue Strategy = "queue"
	// StrategyReject fails the request immediately.
	StrategyReject Strategy = "reject"
	// StrategyMergeLatest coalesces into an already queued request for the
	// same workflow, keeping the newest payload.
	StrategyMergeLatest Strategy = "merge-latest"
)

// Outcome classifies an admission decision.
type Outcome string

const (
	OutcomeStarted  Outcome = "started"
	OutcomeQueued   Outcome = "queued"
	OutcomeRejected Outcome = "rejected"
)

// Rejection reasons.
const (
	ReasonLimitExceeded = "limit_exceeded"
	ReasonQueueFull     = "queue_full"
	ReasonQueueTimeout  = "queue_timeout"
	ReasonLocked        = "locked"
)

// Request is one trigger asking for an execution.
type Request struct {
	Snapshot    *workflow.Snapshot
	Type        string
	StartNodeID string
	Payload     []workflow.Item
	UserID      string
	Vars        *expression.Variables
	Strategy    Strategy
	// Priority orders queued requests; smaller runs first.
	Priority int
}

// Admission is the decision for one request.
type Admission struct {
	Outcome       Outcome `json:"outcome"`
	ExecutionID   string  `json:"executionId,omitempty"`
	RequestID     string  `json:"requestId,omitempty"`
	QueuePosition int     `json:"queuePosition,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// Limits bounds admission.
type Limits struct {
	Global       int
	PerWorkflow  int
	PerUser      int
	QueueMax     int
	QueueTimeout time.Duration
	LockTTL      time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.Global <= 0 {
		l.Global = 10
	}
	if l.PerWorkflow <= 0 {
		l.PerWorkflow = 3
	}
	if l.PerUser <= 0 {
		l.PerUser = 5
	}
	if l.QueueMax <= 0 {
		l.QueueMax = 100
	}
	if l.QueueTimeout <= 0 {
		l.QueueTimeout = 5 * time.Minute
	}
	if l.LockTTL <= 0 {
		l.LockTTL = 10 * time.Minute
	}
	return l
}

// Manager admits trigger requests into the engine.
type Manager struct {
	limits  Limits
	engine  *engine.Engine
	locks   LockTable
	logger  logger.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	running     int
	perWorkflow map[string]int
	perUser     map[string]int
	queue       *waitQueue

	stop chan struct{}
}

// NewManager creates a manager and starts its queue-timeout sweep.
func NewManager(limits Limits, eng *engine.Engine, locks LockTable, log logger.Logger, rec *metrics.Metrics) *Manager {
	m := &Manager{
		limits:      limits.withDefaults(),
		engine:      eng,
		locks:       locks,
		logger:      log,
		metrics:     rec,
		perWorkflow: make(map[string]int),
		perUser:     make(map[string]int),
		queue:       newWaitQueue(),
		stop:        make(chan struct{}),
	}
	go m.sweeper()
	return m
}

// Close stops background work.
func (m *Manager) Close() {
	close(m.stop)
}

// Submit decides what happens to one trigger request: start now, wait in the
// queue, or reject. Queued requests start automatically when capacity frees
// up; the request id identifies them in logs and status queries.
func (m *Manager) Submit(ctx context.Context, req *Request) (*Admission, error) {
	if req.Snapshot == nil {
		return nil, fmt.Errorf("trigger request has no workflow snapshot")
	}
	if req.Strategy == "" {
		req.Strategy = StrategyQueue
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.canStart(req.Snapshot.ID, req.UserID) {
		executionID, started, err := m.start(ctx, req)
		if err != nil {
			m.metrics.TriggerReceived(req.Type, "error")
			return nil, err
		}
		if started {
			m.metrics.TriggerReceived(req.Type, string(OutcomeStarted))
			return &Admission{Outcome: OutcomeStarted, ExecutionID: executionID}, nil
		}
		// Capacity was available but the isolation lock is held elsewhere.
		if req.Strategy == StrategyReject {
			m.metrics.TriggerReceived(req.Type, string(OutcomeRejected))
			m.metrics.AdmissionRejected(ReasonLocked)
			return &Admission{Outcome: OutcomeRejected, Reason: ReasonLocked}, nil
		}
		return m.enqueue(req)
	}

	switch req.Strategy {
	case StrategyReject:
		m.metrics.TriggerReceived(req.Type, string(OutcomeRejected))
		m.metrics.AdmissionRejected(ReasonLimitExceeded)
		return &Admission{Outcome: OutcomeRejected, Reason: ReasonLimitExceeded}, nil

	case StrategyMergeLatest:
		if existing := m.queue.findWorkflow(req.Snapshot.ID); existing != nil {
			existing.request.Payload = req.Payload
			existing.request.Vars = req.Vars
			m.metrics.TriggerReceived(req.Type, string(OutcomeQueued))
			return &Admission{
				Outcome:       OutcomeQueued,
				RequestID:     existing.id,
				QueuePosition: m.queue.position(existing),
			}, nil
		}
		return m.enqueue(req)

	default:
		return m.enqueue(req)
	}
}

// QueueDepth returns the number of waiting requests.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// Running returns the number of admissions currently holding a slot.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) canStart(workflowID, userID string) bool {
	if m.running >= m.limits.Global {
		return false
	}
	if m.perWorkflow[workflowID] >= m.limits.PerWorkflow {
		return false
	}
	if userID != "" && m.perUser[userID] >= m.limits.PerUser {
		return false
	}
	return true
}

// start launches a request. Returns started=false without error when the
// isolation lock is contended. Caller holds m.mu.
func (m *Manager) start(ctx context.Context, req *Request) (string, bool, error) {
	token := uuid.New().String()
	var lockedNodes []string
	if req.Snapshot.Settings.Isolated {
		lockedNodes = m.affectedNodes(req)
		ok, err := m.locks.TryAcquire(ctx, req.Snapshot.ID, lockedNodes, token, m.limits.LockTTL)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, nil
		}
	}

	workflowID := req.Snapshot.ID
	userID := req.UserID
	m.running++
	m.perWorkflow[workflowID]++
	if userID != "" {
		m.perUser[userID]++
	}

	x, err := m.engine.Execute(ctx, req.Snapshot, engine.Trigger{
		Type:        req.Type,
		StartNodeID: req.StartNodeID,
		Payload:     req.Payload,
		UserID:      userID,
		Vars:        req.Vars,
		OnFinish: func(*engine.Result) {
			m.release(workflowID, userID, lockedNodes, token)
		},
	})
	if err != nil {
		m.releaseCounts(workflowID, userID)
		if len(lockedNodes) > 0 {
			_ = m.locks.Release(context.Background(), workflowID, lockedNodes, token)
		}
		return "", false, err
	}
	return x.ID, true, nil
}

// affectedNodes is the node set an execution can reach, used as its lock
// footprint. Without a known start node the whole workflow is locked.
func (m *Manager) affectedNodes(req *Request) []string {
	if req.StartNodeID != "" {
		reachable := graph.NewResolver(req.Snapshot).ReachableFrom(req.StartNodeID)
		out := make([]string, 0, len(reachable))
		for nodeID := range reachable {
			out = append(out, nodeID)
		}
		return out
	}
	out := make([]string, 0, len(req.Snapshot.Nodes))
	for _, node := range req.Snapshot.Nodes {
		out = append(out, node.ID)
	}
	return out
}

// enqueue adds a request to the wait queue, evicting a lower-priority entry
// when full. Caller holds m.mu.
func (m *Manager) enqueue(req *Request) (*Admission, error) {
	if m.queue.len() >= m.limits.QueueMax {
		worst := m.queue.worst()
		if worst == nil || worst.priority <= req.Priority {
			m.metrics.TriggerReceived(req.Type, string(OutcomeRejected))
			m.metrics.AdmissionRejected(ReasonQueueFull)
			return &Admission{Outcome: OutcomeRejected, Reason: ReasonQueueFull}, nil
		}
		m.queue.remove(worst)
		m.metrics.AdmissionRejected(ReasonQueueFull)
		m.logger.Warn("evicted queued trigger for higher-priority request",
			"evictedRequestId", worst.id, "workflowId", worst.request.Snapshot.ID)
	}

	e := &entry{
		request:  req,
		id:       uuid.New().String(),
		priority: req.Priority,
		queuedAt: time.Now(),
	}
	m.queue.push(e)
	m.metrics.TriggerReceived(req.Type, string(OutcomeQueued))
	m.metrics.QueueDepth(m.queue.len())
	return &Admission{
		Outcome:       OutcomeQueued,
		RequestID:     e.id,
		QueuePosition: m.queue.position(e),
	}, nil
}

// release frees a slot after an execution finishes, then promotes waiters.
func (m *Manager) release(workflowID, userID string, lockedNodes []string, token string) {
	if len(lockedNodes) > 0 {
		_ = m.locks.Release(context.Background(), workflowID, lockedNodes, token)
	}
	m.mu.Lock()
	m.releaseCounts(workflowID, userID)
	m.promote()
	m.mu.Unlock()
}

func (m *Manager) releaseCounts(workflowID, userID string) {
	m.running--
	if m.perWorkflow[workflowID]--; m.perWorkflow[workflowID] <= 0 {
		delete(m.perWorkflow, workflowID)
	}
	if userID != "" {
		if m.perUser[userID]--; m.perUser[userID] <= 0 {
			delete(m.perUser, userID)
		}
	}
}

// promote starts every queued request that now fits. Entries that still do
// not fit go back in priority order. Caller holds m.mu.
func (m *Manager) promote() {
	var kept []*entry
	for {
		e := m.queue.pop()
		if e == nil {
			break
		}
		req := e.request
		if !m.canStart(req.Snapshot.ID, req.UserID) {
			kept = append(kept, e)
			continue
		}
		_, started, err := m.start(context.Background(), req)
		if err != nil {
			m.logger.Error("failed to start queued trigger",
				"requestId", e.id, "workflowId", req.Snapshot.ID, "error", err.Error())
			continue
		}
		if !started {
			kept = append(kept, e)
		}
	}
	for _, e := range kept {
		m.queue.push(e)
	}
	m.metrics.QueueDepth(m.queue.len())
}

// sweeper expires requests that waited past the queue timeout.
func (m *Manager) sweeper() {
	interval := m.limits.QueueTimeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.limits.QueueTimeout)
			m.mu.Lock()
			for _, e := range m.queue.expired(cutoff) {
				m.queue.remove(e)
				m.metrics.AdmissionRejected(ReasonQueueTimeout)
				m.logger.Warn("trigger request expired in queue",
					"requestId", e.id, "workflowId", e.request.Snapshot.ID)
			}
			m.metrics.QueueDepth(m.queue.len())
			m.mu.Unlock()
		}
	}
}

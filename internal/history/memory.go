package history

import (
	"context"
	"sync"
)

// Memory is the in-process sink used in local mode and tests.
type Memory struct {
	mu         sync.RWMutex
	executions map[string]*ExecutionRecord
	nodeRuns   map[string][]NodeRecord
	logs       map[string][]LogEntry
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{
		executions: make(map[string]*ExecutionRecord),
		nodeRuns:   make(map[string][]NodeRecord),
		logs:       make(map[string][]LogEntry),
	}
}

// CreateExecution implements Sink.
func (m *Memory) CreateExecution(_ context.Context, rec *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *rec
	m.executions[rec.ID] = &copied
	return nil
}

// UpdateExecution implements Sink.
func (m *Memory) UpdateExecution(_ context.Context, rec *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[rec.ID]; !ok {
		return &NotFoundError{ExecutionID: rec.ID}
	}
	copied := *rec
	m.executions[rec.ID] = &copied
	return nil
}

// RecordNode implements Sink.
func (m *Memory) RecordNode(_ context.Context, rec *NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeRuns[rec.ExecutionID] = append(m.nodeRuns[rec.ExecutionID], *rec)
	return nil
}

// AppendLog implements Sink.
func (m *Memory) AppendLog(_ context.Context, entry *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[entry.ExecutionID] = append(m.logs[entry.ExecutionID], *entry)
	return nil
}

// FindExecution implements Sink.
func (m *Memory) FindExecution(_ context.Context, executionID, userID string) (*ExecutionRecord, []NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.executions[executionID]
	if !ok || (userID != "" && rec.UserID != userID) {
		return nil, nil, &NotFoundError{ExecutionID: executionID}
	}
	copied := *rec
	runs := append([]NodeRecord{}, m.nodeRuns[executionID]...)
	return &copied, runs, nil
}

// All returns every stored execution record.
func (m *Memory) All() []*ExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ExecutionRecord, 0, len(m.executions))
	for _, rec := range m.executions {
		copied := *rec
		out = append(out, &copied)
	}
	return out
}

// Logs returns the log lines of one execution, oldest first.
func (m *Memory) Logs(executionID string) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]LogEntry{}, m.logs[executionID]...)
}

package engine

import (
	"sync"
	"time"
)

// executionTable tracks live and recently finished executions.
type executionTable struct {
	mu         sync.RWMutex
	executions map[string]*Execution
}

func newExecutionTable() *executionTable {
	return &executionTable{executions: make(map[string]*Execution)}
}

func (t *executionTable) put(x *Execution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executions[x.ID] = x
}

func (t *executionTable) get(id string) (*Execution, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	x, ok := t.executions[id]
	return x, ok
}

func (t *executionTable) running() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, x := range t.executions {
		if !x.Status().Terminal() {
			count++
		}
	}
	return count
}

// sweep removes terminal executions older than the retention window and
// returns their ids.
func (t *executionTable) sweep(retention time.Duration) []string {
	cutoff := time.Now().Add(-retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for id, x := range t.executions {
		x.mu.RLock()
		expired := x.status.Terminal() && !x.finishedAt.IsZero() && x.finishedAt.Before(cutoff)
		x.mu.RUnlock()
		if expired {
			delete(t.executions, id)
			removed = append(removed, id)
		}
	}
	return removed
}

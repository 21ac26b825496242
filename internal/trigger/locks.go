package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockTable serializes isolated executions over the workflow nodes they can
// touch. Acquisition is all-or-nothing: overlapping node sets never run
// concurrently, disjoint ones do.
type LockTable interface {
	// TryAcquire locks every key for the execution, or none of them.
	TryAcquire(ctx context.Context, workflowID string, nodeIDs []string, executionID string, ttl time.Duration) (bool, error)
	// Release frees the keys held by the execution.
	Release(ctx context.Context, workflowID string, nodeIDs []string, executionID string) error
}

// MemoryLocks is the single-process lock table.
type MemoryLocks struct {
	mu    sync.Mutex
	locks map[string]string
}

// NewMemoryLocks creates an empty lock table.
func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{locks: make(map[string]string)}
}

// TryAcquire implements LockTable.
func (m *MemoryLocks) TryAcquire(_ context.Context, workflowID string, nodeIDs []string, executionID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, nodeID := range nodeIDs {
		if holder, held := m.locks[lockKey(workflowID, nodeID)]; held && holder != executionID {
			return false, nil
		}
	}
	for _, nodeID := range nodeIDs {
		m.locks[lockKey(workflowID, nodeID)] = executionID
	}
	return true, nil
}

// Release implements LockTable.
func (m *MemoryLocks) Release(_ context.Context, workflowID string, nodeIDs []string, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, nodeID := range nodeIDs {
		key := lockKey(workflowID, nodeID)
		if m.locks[key] == executionID {
			delete(m.locks, key)
		}
	}
	return nil
}

// RedisLocks is the distributed lock table for multi-replica deployments.
// Keys are claimed with SET NX and a TTL as a crash backstop; a partial claim
// rolls back before reporting failure.
type RedisLocks struct {
	client *redis.Client
}

// NewRedisLocks wraps a Redis client as a lock table.
func NewRedisLocks(client *redis.Client) *RedisLocks {
	return &RedisLocks{client: client}
}

// TryAcquire implements LockTable.
func (r *RedisLocks) TryAcquire(ctx context.Context, workflowID string, nodeIDs []string, executionID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	var acquired []string
	for _, nodeID := range nodeIDs {
		key := lockKey(workflowID, nodeID)
		ok, err := r.client.SetNX(ctx, key, executionID, ttl).Result()
		if err != nil {
			r.rollback(ctx, acquired, executionID)
			return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if !ok {
			holder, _ := r.client.Get(ctx, key).Result()
			if holder != executionID {
				r.rollback(ctx, acquired, executionID)
				return false, nil
			}
		}
		acquired = append(acquired, key)
	}
	return true, nil
}

// Release implements LockTable.
func (r *RedisLocks) Release(ctx context.Context, workflowID string, nodeIDs []string, executionID string) error {
	keys := make([]string, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		keys = append(keys, lockKey(workflowID, nodeID))
	}
	r.rollback(ctx, keys, executionID)
	return nil
}

// rollback deletes only keys still held by this execution.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func (r *RedisLocks) rollback(ctx context.Context, keys []string, executionID string) {
	for _, key := range keys {
		releaseScript.Run(ctx, r.client, []string{key}, executionID)
	}
}

func lockKey(workflowID, nodeID string) string {
	return fmt.Sprintf("flowforge:lock:%s:%s", workflowID, nodeID)
}

package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/flowforge-io/flowforge/internal/nodes"
	"github.com/flowforge-io/flowforge/internal/workflow"
)

// Limits bounds one node execution.
type Limits struct {
	NodeTimeout    time.Duration
	MemoryBytes    uint64
	OutputBytes    int64
	sampleInterval time.Duration
}

// DefaultLimits matches the documented sandbox bounds: 30s per node, 128MiB
// resident memory, 10MiB output.
func DefaultLimits() Limits {
	return Limits{
		NodeTimeout: 30 * time.Second,
		MemoryBytes: 128 << 20,
		OutputBytes: 10 << 20,
	}
}

// memoryGuard samples process residency while a node runs and cancels the
// node's context when the growth since start exceeds the limit. Process-wide
// sampling is an approximation; a breach aborts only the offending node.
type memoryGuard struct {
	limit    uint64
	interval time.Duration
	baseline uint64
	sample   func() (uint64, error)
}

func newMemoryGuard(limit uint64, interval time.Duration) (*memoryGuard, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	g := &memoryGuard{
		limit:    limit,
		interval: interval,
		sample: func() (uint64, error) {
			info, err := proc.MemoryInfo()
			if err != nil {
				return 0, err
			}
			return info.RSS, nil
		},
	}
	if rss, err := g.sample(); err == nil {
		g.baseline = rss
	}
	return g, nil
}

// watch returns a derived context cancelled on breach, and a done function
// reporting whether the guard fired. The watcher records the breach before
// cancelling, so done never misreads a breach as an ordinary cancellation.
func (g *memoryGuard) watch(ctx context.Context) (context.Context, func() bool) {
	guarded, cancel := context.WithCancel(ctx)
	var fired atomic.Bool

	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-guarded.Done():
				return
			case <-ticker.C:
				rss, err := g.sample()
				if err != nil {
					continue
				}
				if rss > g.baseline && rss-g.baseline > g.limit {
					fired.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	return guarded, func() bool {
		cancel()
		return fired.Load()
	}
}

// checkOutputSize rejects bundles whose serialized form exceeds the limit.
func checkOutputSize(bundle workflow.Bundle, limit int64) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return nodes.WrapError(nodes.KindValidation, err, "node output is not serializable")
	}
	if int64(len(data)) > limit {
		return nodes.Errorf(nodes.KindResourceLimit,
			"node output of %d bytes exceeds %d byte limit", len(data), limit)
	}
	return nil
}

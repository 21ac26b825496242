package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(sub *Subscription, n int, timeout time.Duration) []*Event {
	var out []*Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublishOrderPreserved(t *testing.T) {
	bus := NewBus(DefaultConfig())
	sub := bus.SubscribeExecution("exec-1")
	defer bus.Unsubscribe(sub)

	for i := 0; i < 20; i++ {
		bus.Publish(New(TypeNodeStatusUpdate, "exec-1", "wf-1", map[string]interface{}{"seq": i}))
	}

	got := collect(sub, 20, time.Second)
	require.Len(t, got, 20)
	for i, e := range got {
		assert.Equal(t, i, e.Data["seq"])
	}
}

func TestReplayOnSubscribe(t *testing.T) {
	bus := NewBus(DefaultConfig())

	bus.Publish(New(TypeNodeStarted, "exec-1", "wf-1", nil))
	bus.Publish(New(TypeNodeCompleted, "exec-1", "wf-1", nil))

	// Attach after the fact; both events must be replayed before anything new.
	sub := bus.SubscribeExecution("exec-1")
	defer bus.Unsubscribe(sub)

	bus.Publish(New(TypeCompleted, "exec-1", "wf-1", nil))

	got := collect(sub, 3, time.Second)
	require.Len(t, got, 3)
	assert.Equal(t, TypeNodeStarted, got[0].Type)
	assert.Equal(t, TypeNodeCompleted, got[1].Type)
	assert.Equal(t, TypeCompleted, got[2].Type)
}

func TestReplayBoundedByMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReplayMax = 5
	bus := NewBus(cfg)

	for i := 0; i < 12; i++ {
		bus.Publish(New(TypeLog, "exec-1", "", map[string]interface{}{"seq": i}))
	}

	sub := bus.SubscribeExecution("exec-1")
	defer bus.Unsubscribe(sub)

	got := collect(sub, 5, time.Second)
	require.Len(t, got, 5)
	// Only the newest five survive.
	assert.Equal(t, 7, got[0].Data["seq"])
	assert.Equal(t, 11, got[4].Data["seq"])
}

func TestReplayBoundedByWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReplayWindow = 30 * time.Millisecond
	bus := NewBus(cfg)

	bus.Publish(New(TypeNodeStarted, "exec-1", "", nil))
	time.Sleep(60 * time.Millisecond)
	bus.Publish(New(TypeNodeCompleted, "exec-1", "", nil))

	sub := bus.SubscribeExecution("exec-1")
	defer bus.Unsubscribe(sub)

	got := collect(sub, 2, 200*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, TypeNodeCompleted, got[0].Type)
}

func TestSlowConsumerNeverBlocksPublisher(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 4
	bus := NewBus(cfg)

	sub := bus.SubscribeExecution("exec-1")
	defer bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(New(TypeLog, "exec-1", "", map[string]interface{}{"seq": i}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by slow consumer")
	}
	assert.Greater(t, sub.Dropped(), int64(0))
}

func TestWorkflowTopicSeesAllExecutions(t *testing.T) {
	bus := NewBus(DefaultConfig())
	sub := bus.SubscribeWorkflow("wf-1")
	defer bus.Unsubscribe(sub)

	for i := 0; i < 3; i++ {
		bus.Publish(New(TypeNodeStarted, fmt.Sprintf("exec-%d", i), "wf-1", nil))
	}

	got := collect(sub, 3, time.Second)
	require.Len(t, got, 3)
}

func TestReleaseClosesSubscribers(t *testing.T) {
	bus := NewBus(DefaultConfig())
	sub := bus.SubscribeExecution("exec-1")

	bus.Release("exec-1")

	_, open := <-sub.C
	assert.False(t, open)
}

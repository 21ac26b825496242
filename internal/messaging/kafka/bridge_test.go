package kafka

import (
	"testing"

	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge-io/flowforge/internal/events"
	"github.com/flowforge-io/flowforge/internal/platform/logger"
)

func TestTopicRouting(t *testing.T) {
	assert.Equal(t, topicNodes, topicFor(events.TypeNodeStarted))
	assert.Equal(t, topicNodes, topicFor(events.TypeNodeFailed))
	assert.Equal(t, topicLogs, topicFor(events.TypeLog))
	assert.Equal(t, topicExecutions, topicFor(events.TypeCompleted))
	assert.Equal(t, topicExecutions, topicFor(events.TypeExecutionProgress))
}

func TestForwardKeysByExecution(t *testing.T) {
	producer := mocks.NewAsyncProducer(t, nil)
	b := &Bridge{producer: producer, logger: logger.NewNop()}

	producer.ExpectInputWithCheckerFunctionAndSucceed(func(value []byte) error {
		assert.Contains(t, string(value), "exec-1")
		return nil
	})

	b.forward(events.New(events.TypeCompleted, "exec-1", "wf-1", nil))
	require.NoError(t, producer.Close())
}

func TestBusTapReceivesPublishedEvents(t *testing.T) {
	bus := events.NewBus(events.DefaultConfig())
	var seen []*events.Event
	bus.Tap(func(e *events.Event) { seen = append(seen, e) })

	bus.Publish(events.New(events.TypeNodeStarted, "exec-1", "wf-1", nil))
	bus.Publish(events.New(events.TypeCompleted, "exec-1", "wf-1", nil))

	require.Len(t, seen, 2)
	assert.Equal(t, events.TypeNodeStarted, seen[0].Type)
	assert.Equal(t, events.TypeCompleted, seen[1].Type)
}

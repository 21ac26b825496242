// Package kafka bridges the in-process event fan-out to Kafka topics so
// external consumers can follow executions without holding a websocket.
package kafka

import (
	"fmt"
	"strings"

	"github.com/IBM/sarama"

	"github.com/flowforge-io/flowforge/internal/events"
	"github.com/flowforge-io/flowforge/internal/platform/logger"
	"github.com/flowforge-io/flowforge/internal/platform/metrics"
)

const (
	topicExecutions = "flowforge.executions"
	topicNodes      = "flowforge.nodes"
	topicLogs       = "flowforge.logs"
)

// Bridge forwards every published event to Kafka through an async producer.
// Publishing never blocks the engine: when the producer input is full the
// event is dropped and counted.
type Bridge struct {
	producer sarama.AsyncProducer
	logger   logger.Logger
	metrics  *metrics.Metrics
}

// New connects an async producer to the given brokers.
func New(brokers []string, log logger.Logger, rec *metrics.Metrics) (*Bridge, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Version = sarama.V3_3_1_0

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	b := &Bridge{producer: producer, logger: log, metrics: rec}
	go b.drainErrors()
	return b, nil
}

// Attach registers the bridge as a tap on the bus. Call before the first
// execution starts.
func (b *Bridge) Attach(bus *events.Bus) {
	bus.Tap(b.forward)
}

// Close flushes buffered messages and shuts the producer down.
func (b *Bridge) Close() error {
	if err := b.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}

func (b *Bridge) forward(e *events.Event) {
	msg := &sarama.ProducerMessage{
		Topic:     topicFor(e.Type),
		Key:       sarama.StringEncoder(e.ExecutionID),
		Value:     sarama.ByteEncoder(e.JSON()),
		Timestamp: e.Timestamp,
		Headers: []sarama.RecordHeader{
			{Key: []byte("eventType"), Value: []byte(e.Type)},
			{Key: []byte("workflowId"), Value: []byte(e.WorkflowID)},
		},
	}

	select {
	case b.producer.Input() <- msg:
		b.metrics.EventPublished(string(e.Type))
	default:
		b.metrics.EventDropped()
		b.logger.Warn("kafka bridge dropped event, producer buffer full",
			"eventType", string(e.Type), "executionId", e.ExecutionID)
	}
}

func (b *Bridge) drainErrors() {
	for err := range b.producer.Errors() {
		b.logger.Error("kafka produce failed",
			"topic", err.Msg.Topic, "error", err.Err.Error())
	}
}

func topicFor(t events.Type) string {
	switch {
	case strings.HasPrefix(string(t), "node-"):
		return topicNodes
	case t == events.TypeLog:
		return topicLogs
	default:
		return topicExecutions
	}
}

package metrics

import "time"

// The recorder methods below are what the engine and admission layer call.
// They are nil-safe so tests can pass a nil *Metrics and skip registration.

// TriggerReceived counts one trigger request by admission outcome.
func (m *Metrics) TriggerReceived(triggerType, outcome string) {
	if m == nil {
		return
	}
	m.TriggersTotal.WithLabelValues(triggerType, outcome).Inc()
}

// AdmissionRejected counts one rejection by reason.
func (m *Metrics) AdmissionRejected(reason string) {
	if m == nil {
		return
	}
	m.AdmissionsRejected.WithLabelValues(reason).Inc()
}

// QueueDepth sets the current admission queue depth.
func (m *Metrics) QueueDepth(depth int) {
	if m == nil {
		return
	}
	m.AdmissionsQueued.Set(float64(depth))
}

// ExecutionStarted marks one execution admitted.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ExecutionsRunning.Inc()
}

// ExecutionFinished records one terminal execution.
func (m *Metrics) ExecutionFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsRunning.Dec()
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(duration.Seconds())
}

// NodeFinished records one node attempt outcome.
func (m *Metrics) NodeFinished(nodeType string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.NodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	m.NodeExecutionDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// NodeRetried counts one retry attempt.
func (m *Metrics) NodeRetried() {
	if m == nil {
		return
	}
	m.NodeRetriesTotal.Inc()
}

// EventPublished counts one fan-out event.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// EventDropped counts one event lost to a slow subscriber.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

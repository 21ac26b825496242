package events

import (
	"sync"
	"time"
)

const defaultBufferSize = 256

// Config bounds the replay buffer kept per execution.
type Config struct {
	ReplayWindow time.Duration
	ReplayMax    int
	BufferSize   int
}

// DefaultConfig mirrors the documented defaults: 10s window, 50 events.
func DefaultConfig() Config {
	return Config{
		ReplayWindow: 10 * time.Second,
		ReplayMax:    50,
		BufferSize:   defaultBufferSize,
	}
}

// Subscription is one consumer of a topic. Events arrive on C in publish
// order; delivery is best-effort and a slow consumer never blocks the
// publisher.
type Subscription struct {
	C chan *Event

	topic   *topic
	dropped int64
	once    sync.Once
}

// Dropped returns how many events were discarded because the subscriber
// buffer was full.
func (s *Subscription) Dropped() int64 {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	return s.dropped
}

type topic struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	replay []*Event // kept in publish order, trimmed by window and max
}

func newTopic() *topic {
	return &topic{subs: make(map[*Subscription]struct{})}
}

func (t *topic) publish(e *Event, keepReplay bool, cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if keepReplay {
		t.replay = append(t.replay, e)
		t.trimReplay(cfg)
	}

	for sub := range t.subs {
		select {
		case sub.C <- e:
		default:
			sub.dropped++
		}
	}
}

func (t *topic) trimReplay(cfg Config) {
	cutoff := time.Now().Add(-cfg.ReplayWindow)
	start := 0
	for start < len(t.replay) && t.replay[start].Timestamp.Before(cutoff) {
		start++
	}
	if over := len(t.replay) - start - cfg.ReplayMax; over > 0 {
		start += over
	}
	if start > 0 {
		t.replay = append([]*Event(nil), t.replay[start:]...)
	}
}

// subscribe registers a consumer; the replay buffer is flushed into its
// channel before registration under the topic lock, so a replayed event is
// always received before any newer event.
func (t *topic) subscribe(cfg Config, withReplay bool) *Subscription {
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	sub := &Subscription{C: make(chan *Event, size), topic: t}

	t.mu.Lock()
	defer t.mu.Unlock()

	if withReplay {
		t.trimReplay(cfg)
		for _, e := range t.replay {
			select {
			case sub.C <- e:
			default:
				sub.dropped++
			}
		}
	}
	t.subs[sub] = struct{}{}
	return sub
}

func (t *topic) unsubscribe(sub *Subscription) {
	t.mu.Lock()
	_, ok := t.subs[sub]
	delete(t.subs, sub)
	t.mu.Unlock()
	if ok {
		sub.once.Do(func() { close(sub.C) })
	}
}

// Bus is the event fan-out. The engine publishes every lifecycle event here;
// ingress surfaces and the Kafka bridge subscribe.
type Bus struct {
	cfg        Config
	mu         sync.RWMutex
	executions map[string]*topic
	workflows  map[string]*topic
	taps       []func(*Event)
}

// NewBus creates a fan-out with the given replay bounds.
func NewBus(cfg Config) *Bus {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 10 * time.Second
	}
	if cfg.ReplayMax <= 0 {
		cfg.ReplayMax = 50
	}
	return &Bus{
		cfg:        cfg,
		executions: make(map[string]*topic),
		workflows:  make(map[string]*topic),
	}
}

// Tap registers a callback invoked for every published event, regardless of
// topic. Taps must not block; register them before the first Publish.
func (b *Bus) Tap(fn func(*Event)) {
	b.mu.Lock()
	b.taps = append(b.taps, fn)
	b.mu.Unlock()
}

// Publish delivers the event to its execution topic and, when WorkflowID is
// set, to the workflow topic. Only the execution topic keeps replay.
func (b *Bus) Publish(e *Event) {
	if e.ExecutionID != "" {
		b.executionTopic(e.ExecutionID).publish(e, true, b.cfg)
	}
	if e.WorkflowID != "" {
		b.workflowTopic(e.WorkflowID).publish(e, false, b.cfg)
	}
	b.mu.RLock()
	taps := b.taps
	b.mu.RUnlock()
	for _, tap := range taps {
		tap(e)
	}
}

// SubscribeExecution attaches to one execution's topic; buffered events from
// the replay window are flushed first.
func (b *Bus) SubscribeExecution(executionID string) *Subscription {
	return b.executionTopic(executionID).subscribe(b.cfg, true)
}

// SubscribeWorkflow attaches to all executions of one workflow. Workflow
// topics carry no replay.
func (b *Bus) SubscribeWorkflow(workflowID string) *Subscription {
	return b.workflowTopic(workflowID).subscribe(b.cfg, false)
}

// Unsubscribe detaches a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub != nil {
		sub.topic.unsubscribe(sub)
	}
}

// Release drops an execution topic once its run is finished and the replay
// window has passed. Remaining subscribers are closed.
func (b *Bus) Release(executionID string) {
	b.mu.Lock()
	t, ok := b.executions[executionID]
	delete(b.executions, executionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[*Subscription]struct{})
	t.mu.Unlock()
	for _, sub := range subs {
		sub.once.Do(func() { close(sub.C) })
	}
}

func (b *Bus) executionTopic(id string) *topic {
	b.mu.RLock()
	t, ok := b.executions[id]
	b.mu.RUnlock()
	if ok {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.executions[id]; ok {
		return t
	}
	t = newTopic()
	b.executions[id] = t
	return t
}

func (b *Bus) workflowTopic(id string) *topic {
	b.mu.RLock()
	t, ok := b.workflows[id]
	b.mu.RUnlock()
	if ok {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.workflows[id]; ok {
		return t
	}
	t = newTopic()
	b.workflows[id] = t
	return t
}

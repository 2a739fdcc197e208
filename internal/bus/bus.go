// Package bus implements the in-process typed event bus: synchronous,
// single-threaded-cooperative delivery with ordering preserved per topic.
//
// Unlike an asynchronous fan-out bus, Emit calls every handler registered for
// a topic directly on the caller's goroutine, in subscription order, over a
// slice snapshot taken at the start of Emit — a handler subscribed during
// delivery is not invoked until the next Emit. A handler that panics is
// isolated: its panic is recovered and logged, and later handlers still run.
package bus

import (
	"log/slog"
	"sync"
)

// Topic names used across the engine, orchestrator and CLI.
const (
	TopicTaskReady    = "task:ready"
	TopicTaskComplete = "task:complete"
	TopicTaskFailed   = "task:failed"

	TopicWorkerSpawned    = "worker:spawned"
	TopicWorkerTerminated = "worker:terminated"

	TopicDispatchStarted  = "dispatch:started"
	TopicDispatchComplete = "dispatch:complete"

	TopicGraphLoaded    = "graph:loaded"
	TopicGraphPaused    = "graph:paused"
	TopicGraphResumed   = "graph:resumed"
	TopicGraphCancelled = "graph:cancelled"
	TopicGraphComplete  = "graph:complete"

	TopicOrchestratorStarted             = "orchestrator:started"
	TopicOrchestratorStoryPhaseComplete  = "orchestrator:story-phase-complete"
	TopicOrchestratorStoryComplete       = "orchestrator:story-complete"
	TopicOrchestratorStoryEscalated      = "orchestrator:story-escalated"
	TopicOrchestratorPaused              = "orchestrator:paused"
	TopicOrchestratorResumed             = "orchestrator:resumed"
	TopicOrchestratorComplete            = "orchestrator:complete"

	TopicSessionPauseRequested  = "session:pause:requested"
	TopicSessionResumeRequested = "session:resume:requested"
	TopicSessionCancelRequested = "session:cancel:requested"
)

// Event is one published occurrence.
type Event struct {
	Topic   string
	Payload any
}

// Handler processes one delivered event.
type Handler func(Event)

// Subscription is an opaque handle returned by Subscribe, used to Unsubscribe.
type Subscription struct {
	id    uint64
	topic string
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus is the synchronous typed pub-sub broker.
type Bus struct {
	mu     sync.Mutex
	log    *slog.Logger
	nextID uint64
	subs   map[string][]subscriber
}

// New creates an empty bus with a discard logger.
func New() *Bus {
	return NewWithLogger(slog.New(slog.NewTextHandler(nilWriter{}, nil)))
}

// NewWithLogger creates an empty bus that logs handler panics via log.
func NewWithLogger(log *slog.Logger) *Bus {
	return &Bus{log: log, subs: make(map[string][]subscriber)}
}

// Subscribe registers handler for topic and returns a handle to unsubscribe.
// Subscribing during an in-progress Emit for the same topic does not affect
// that Emit's snapshot.
func (b *Bus) Subscribe(topic string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, handler: handler})
	return Subscription{id: id, topic: topic}
}

// Unsubscribe removes a previously registered handler. A no-op if already removed.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit synchronously invokes every handler subscribed to topic, in
// subscription order, over a snapshot taken under the bus mutex. Handler
// panics are recovered and logged; they never abort delivery to later
// handlers nor propagate to the caller.
func (b *Bus) Emit(topic string, payload any) {
	b.mu.Lock()
	snapshot := make([]subscriber, len(b.subs[topic]))
	copy(snapshot, b.subs[topic])
	b.mu.Unlock()

	event := Event{Topic: topic, Payload: payload}
	for _, s := range snapshot {
		b.deliver(s, event)
	}
}

func (b *Bus) deliver(s subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "topic", event.Topic, "recover", r)
		}
	}()
	s.handler(event)
}

// SubscriberCount reports the number of handlers currently registered for topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

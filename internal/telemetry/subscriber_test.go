package telemetry

import (
	"context"
	"testing"

	"github.com/basket/substrate/internal/bus"
)

func newTestSubscriber(t *testing.T) (*Subscriber, *Provider) {
	t.Helper()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	sub, err := NewSubscriber(p, nil)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	return sub, p
}

func TestSubscriber_DispatchLifecycleClosesSpan(t *testing.T) {
	sub, _ := newTestSubscriber(t)
	b := bus.New()
	sub.Attach(b)

	b.Emit(bus.TopicDispatchStarted, map[string]any{"task_id": "t1", "agent": "claude"})

	sub.mu.Lock()
	_, open := sub.spans["t1"]
	sub.mu.Unlock()
	if !open {
		t.Fatal("expected an open span for t1 after dispatch:started")
	}

	b.Emit(bus.TopicDispatchComplete, map[string]any{"task_id": "t1", "status": "completed"})

	sub.mu.Lock()
	_, stillOpen := sub.spans["t1"]
	sub.mu.Unlock()
	if stillOpen {
		t.Fatal("expected span for t1 to be closed after dispatch:complete")
	}
}

func TestSubscriber_DispatchCompleteWithoutStartIsNoop(t *testing.T) {
	sub, _ := newTestSubscriber(t)
	b := bus.New()
	sub.Attach(b)

	// No dispatch:started was ever emitted for this task; must not panic.
	b.Emit(bus.TopicDispatchComplete, map[string]any{"task_id": "orphan", "status": "failed"})
}

func TestSubscriber_MalformedPayloadIsIgnored(t *testing.T) {
	sub, _ := newTestSubscriber(t)
	b := bus.New()
	sub.Attach(b)

	b.Emit(bus.TopicDispatchStarted, "not a map")
	b.Emit(bus.TopicTaskComplete, 42)
	b.Emit(bus.TopicOrchestratorStoryPhaseComplete, nil)
}

func TestSubscriber_TaskCompleteRecordsCost(t *testing.T) {
	sub, _ := newTestSubscriber(t)
	b := bus.New()
	sub.Attach(b)

	b.Emit(bus.TopicTaskComplete, map[string]any{
		"task_id": "t1", "session_id": "s1", "cost_usd": 0.42,
	})
	b.Emit(bus.TopicTaskComplete, map[string]any{
		"task_id": "t2", "session_id": "s1", "cost_usd": 0.0,
	})
}

func TestSubscriber_StoryPhaseCompleteCountsOnlyReview(t *testing.T) {
	sub, _ := newTestSubscriber(t)
	b := bus.New()
	sub.Attach(b)

	b.Emit(bus.TopicOrchestratorStoryPhaseComplete, map[string]any{
		"task_id": "t1", "phase": "creation", "cycle": 0,
	})
	b.Emit(bus.TopicOrchestratorStoryPhaseComplete, map[string]any{
		"task_id": "t1", "phase": "in_review", "cycle": 1,
	})
}

func TestSubscriber_DetachStopsDelivery(t *testing.T) {
	sub, _ := newTestSubscriber(t)
	b := bus.New()
	sub.Attach(b)

	if got := b.SubscriberCount(bus.TopicDispatchStarted); got == 0 {
		t.Fatal("expected at least one subscriber after Attach")
	}

	sub.Detach(b)

	if got := b.SubscriberCount(bus.TopicDispatchStarted); got != 0 {
		t.Fatalf("expected zero subscribers after Detach, got %d", got)
	}
	if got := b.SubscriberCount(bus.TopicDispatchComplete); got != 0 {
		t.Fatalf("expected zero subscribers after Detach, got %d", got)
	}
}

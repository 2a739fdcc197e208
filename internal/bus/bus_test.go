package bus

import (
	"sync"
	"testing"
)

func TestEmit_SubscriptionOrderPreserved(t *testing.T) {
	b := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		b.Subscribe(TopicTaskReady, func(Event) { order = append(order, i) })
	}
	b.Emit(TopicTaskReady, nil)
	for i, v := range order {
		if v != i {
			t.Fatalf("expected subscription order, got %v", order)
		}
	}
}

func TestEmit_SnapshotAtEmitTime(t *testing.T) {
	b := New()
	var secondFired bool
	b.Subscribe(TopicTaskReady, func(Event) {
		// Subscribing during delivery must not be seen by this Emit.
		b.Subscribe(TopicTaskReady, func(Event) { secondFired = true })
	})
	b.Emit(TopicTaskReady, nil)
	if secondFired {
		t.Fatalf("handler added during emit must not fire on the same emit")
	}
	b.Emit(TopicTaskReady, nil)
	if !secondFired {
		t.Fatalf("handler added during emit must fire on the next emit")
	}
}

func TestEmit_HandlerPanicIsolated(t *testing.T) {
	b := New()
	var secondRan bool
	b.Subscribe(TopicTaskFailed, func(Event) { panic("boom") })
	b.Subscribe(TopicTaskFailed, func(Event) { secondRan = true })
	b.Emit(TopicTaskFailed, nil)
	if !secondRan {
		t.Fatalf("a panicking handler must not block later handlers")
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := New()
	count := 0
	sub := b.Subscribe(TopicTaskReady, func(Event) { count++ })
	b.Emit(TopicTaskReady, nil)
	b.Unsubscribe(sub)
	b.Emit(TopicTaskReady, nil)
	if count != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", count)
	}
}

func TestEmit_PayloadDelivered(t *testing.T) {
	b := New()
	type taskReady struct{ TaskID string }
	var got taskReady
	b.Subscribe(TopicTaskReady, func(e Event) { got = e.Payload.(taskReady) })
	b.Emit(TopicTaskReady, taskReady{TaskID: "t1"})
	if got.TaskID != "t1" {
		t.Fatalf("expected payload delivery, got %+v", got)
	}
}

func TestEmit_ConcurrentSubscribeAndEmit(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Subscribe(TopicTaskReady, func(Event) {})
		}()
		go func() {
			defer wg.Done()
			b.Emit(TopicTaskReady, nil)
		}()
	}
	wg.Wait()
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	if got := b.SubscriberCount(TopicTaskReady); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	b.Subscribe(TopicTaskReady, func(Event) {})
	b.Subscribe(TopicTaskReady, func(Event) {})
	if got := b.SubscriberCount(TopicTaskReady); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

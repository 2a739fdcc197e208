package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/substrate/internal/bus"
)

// Subscriber wires a Provider's tracer and metrics to internal/bus events. It
// only ever reads the bus — telemetry has no feedback path into scheduling,
// so every handler here is side-effect-free beyond recording a span or a
// metric.
type Subscriber struct {
	provider *Provider
	metrics  *Metrics
	log      *slog.Logger

	mu    sync.Mutex
	spans map[string]dispatchSpan // task id -> open span/start time
	subs  []bus.Subscription
}

type dispatchSpan struct {
	span    trace.Span
	started time.Time
}

// NewSubscriber constructs a Subscriber over provider's tracer/meter.
func NewSubscriber(provider *Provider, log *slog.Logger) (*Subscriber, error) {
	if log == nil {
		log = slog.Default()
	}
	metrics, err := NewMetrics(provider.Meter)
	if err != nil {
		return nil, err
	}
	return &Subscriber{
		provider: provider, metrics: metrics, log: log,
		spans: make(map[string]dispatchSpan),
	}, nil
}

// Attach subscribes every handler to b. Call Detach to unsubscribe.
func (s *Subscriber) Attach(b *bus.Bus) {
	s.subs = append(s.subs,
		b.Subscribe(bus.TopicDispatchStarted, s.onDispatchStarted),
		b.Subscribe(bus.TopicDispatchComplete, s.onDispatchComplete),
		b.Subscribe(bus.TopicTaskComplete, s.onTaskComplete),
		b.Subscribe(bus.TopicOrchestratorStoryPhaseComplete, s.onStoryPhaseComplete),
	)
}

// Detach unsubscribes every handler Attach registered.
func (s *Subscriber) Detach(b *bus.Bus) {
	for _, sub := range s.subs {
		b.Unsubscribe(sub)
	}
	s.subs = nil
}

func (s *Subscriber) onDispatchStarted(ev bus.Event) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return
	}
	taskID, _ := payload["task_id"].(string)
	agent, _ := payload["agent"].(string)
	if taskID == "" {
		return
	}

	_, span := s.provider.Tracer.Start(context.Background(), "dispatch",
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(AttrTaskID.String(taskID), AttrAgentID.String(agent))

	s.mu.Lock()
	s.spans[taskID] = dispatchSpan{span: span, started: time.Now()}
	s.mu.Unlock()

	s.metrics.ActiveDispatches.Add(context.Background(), 1)
}

func (s *Subscriber) onDispatchComplete(ev bus.Event) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return
	}
	taskID, _ := payload["task_id"].(string)
	status, _ := payload["status"].(string)
	if taskID == "" {
		return
	}

	s.mu.Lock()
	open, found := s.spans[taskID]
	delete(s.spans, taskID)
	s.mu.Unlock()
	if !found {
		return
	}

	ctx := context.Background()
	open.span.SetAttributes(AttrPhase.String(status))
	open.span.End()

	s.metrics.ActiveDispatches.Add(ctx, -1)
	s.metrics.DispatchDuration.Record(ctx, time.Since(open.started).Seconds())
	if status == "failed" || status == "timeout" {
		s.metrics.DispatchErrors.Add(ctx, 1)
	}
}

func (s *Subscriber) onTaskComplete(ev bus.Event) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return
	}
	cost, _ := payload["cost_usd"].(float64)
	if cost == 0 {
		return
	}
	sessionID, _ := payload["session_id"].(string)
	s.metrics.SessionCostUSD.Add(context.Background(), cost,
		metric.WithAttributes(AttrSessionID.String(sessionID)))
}

func (s *Subscriber) onStoryPhaseComplete(ev bus.Event) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return
	}
	phase, _ := payload["phase"].(string)
	if phase != "in_review" {
		return
	}
	s.metrics.ReviewCyclesTotal.Add(context.Background(), 1)
}

package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds every metric instrument the telemetry subscriber records:
// one histogram per timed operation, one counter per outcome.
type Metrics struct {
	DispatchDuration  metric.Float64Histogram
	DispatchErrors    metric.Int64Counter
	ActiveDispatches  metric.Int64UpDownCounter
	ReviewCyclesTotal metric.Int64Counter
	SessionCostUSD    metric.Float64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchDuration, err = meter.Float64Histogram("substrate.dispatch.duration",
		metric.WithDescription("Dispatch duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.DispatchErrors, err = meter.Int64Counter("substrate.dispatch.errors",
		metric.WithDescription("Dispatches that ended failed or timed out"))
	if err != nil {
		return nil, err
	}

	m.ActiveDispatches, err = meter.Int64UpDownCounter("substrate.dispatch.active",
		metric.WithDescription("Dispatches currently in flight"))
	if err != nil {
		return nil, err
	}

	m.ReviewCyclesTotal, err = meter.Int64Counter("substrate.story.review_cycles",
		metric.WithDescription("Review phases entered across all stories"))
	if err != nil {
		return nil, err
	}

	m.SessionCostUSD, err = meter.Float64Counter("substrate.session.cost_usd",
		metric.WithDescription("Accumulated task cost in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

package otel

import "go.opentelemetry.io/otel/metric"

type Metrics struct {
	StepSaves           metric.Int64Counter
	StepSaveErrors      metric.Int64Counter
	StepSaveDuration    metric.Float64Histogram
	GenerationAttempts  metric.Int64Counter
	GenerationFallbacks metric.Int64Counter
	GenerationDuration  metric.Float64Histogram
	RequestDuration     metric.Float64Histogram
	RateLimitRejects    metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.StepSaves, err = meter.Int64Counter("aria.step.saves",
		metric.WithDescription("Remote step writes attempted"),
	); err != nil {
		return nil, err
	}
	if m.StepSaveErrors, err = meter.Int64Counter("aria.step.save_errors",
		metric.WithDescription("Remote step writes that failed"),
	); err != nil {
		return nil, err
	}
	if m.StepSaveDuration, err = meter.Float64Histogram("aria.step.save.duration",
		metric.WithDescription("Remote step write duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.GenerationAttempts, err = meter.Int64Counter("aria.generation.attempts",
		metric.WithDescription("Text generation attempts including retries"),
	); err != nil {
		return nil, err
	}
	if m.GenerationFallbacks, err = meter.Int64Counter("aria.generation.fallbacks",
		metric.WithDescription("Generations answered with the caller's fallback text"),
	); err != nil {
		return nil, err
	}
	if m.GenerationDuration, err = meter.Float64Histogram("aria.generation.duration",
		metric.WithDescription("Text generation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("aria.request.duration",
		metric.WithDescription("Store API request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("aria.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

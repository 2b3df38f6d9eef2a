package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the console's OTel instruments.
type Metrics struct {
	InvocationDuration metric.Float64Histogram
	InvocationErrors   metric.Int64Counter
	ActiveSessions     metric.Int64UpDownCounter
	RateLimitRejects   metric.Int64Counter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.InvocationDuration, err = meter.Float64Histogram("liveconsole.invocation.duration",
		metric.WithDescription("Operation invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InvocationErrors, err = meter.Int64Counter("liveconsole.invocation.errors",
		metric.WithDescription("Invocations answered with an error event"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("liveconsole.sessions.active",
		metric.WithDescription("Connected sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("liveconsole.ratelimit.rejects",
		metric.WithDescription("Invocations rejected by the per-session rate limit"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

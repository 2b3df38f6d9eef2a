package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/liveconsole/internal/bus"
	otelPkg "github.com/basket/liveconsole/internal/otel"
)

// Invocation outcomes used as metric labels.
const (
	outcomeData    = "data"
	outcomeError   = "error"
	outcomeLimited = "rate_limited"
)

// Metrics records invocation and session activity to a private Prometheus
// registry and, when configured, to OTel instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	sessions    prometheus.Gauge

	tracer trace.Tracer
	otel   *otelPkg.Metrics
}

// NewMetrics registers the console collectors. b may be nil; when set, its drop
// counter is exported. tracer and om may be nil.
func NewMetrics(b *bus.Bus, tracer trace.Tracer, om *otelPkg.Metrics) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liveconsole",
			Name:      "invocations_total",
			Help:      "Operation invocations by operation and outcome.",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "liveconsole",
			Name:      "invocation_duration_seconds",
			Help:      "Time from invocation to response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "liveconsole",
			Name:      "sessions_active",
			Help:      "Sessions currently joined to the hub.",
		}),
		tracer: tracer,
		otel:   om,
	}
	if m.tracer == nil {
		m.tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.ScopeName)
	}
	m.registry.MustRegister(
		m.invocations,
		m.duration,
		m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if b != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "liveconsole",
			Name:      "broadcast_dropped_total",
			Help:      "Broadcast deliveries skipped because a session buffer was full.",
		}, func() float64 { return float64(b.Dropped()) }))
	}
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for embedding in another exporter.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) sessionJoined(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Inc()
	if m.otel != nil {
		m.otel.ActiveSessions.Add(ctx, 1)
	}
}

func (m *Metrics) sessionLeft(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Dec()
	if m.otel != nil {
		m.otel.ActiveSessions.Add(ctx, -1)
	}
}

func (m *Metrics) rateLimited(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(op, outcomeLimited).Inc()
	if m.otel != nil {
		m.otel.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrOperation.String(op)))
	}
}

// startInvocation opens the span for one invocation. The returned func ends it
// and records the outcome.
func (m *Metrics) startInvocation(ctx context.Context, op, session string) (context.Context, func(outcome string, err error)) {
	if m == nil {
		return ctx, func(string, error) {}
	}
	start := time.Now()
	ctx, span := otelPkg.StartServerSpan(ctx, m.tracer, "invoke "+op,
		otelPkg.AttrOperation.String(op),
		otelPkg.AttrSessionID.String(session),
	)
	return ctx, func(outcome string, err error) {
		elapsed := time.Since(start).Seconds()
		m.invocations.WithLabelValues(op, outcome).Inc()
		m.duration.WithLabelValues(op).Observe(elapsed)

		attrs := []attribute.KeyValue{otelPkg.AttrOperation.String(op), otelPkg.AttrOutcome.String(outcome)}
		span.SetAttributes(otelPkg.AttrOutcome.String(outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if m.otel != nil {
			m.otel.InvocationDuration.Record(ctx, elapsed, metric.WithAttributes(attrs...))
			if outcome == outcomeError {
				m.otel.InvocationErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
		}
	}
}

// Package observe provides the OpenTelemetry metric instruments for the
// live manager: event and window counters, run outcomes, model latency.
//
// Metrics are recorded through the OTel Metrics API. [InitProvider] wires
// a Prometheus exporter bridge so the gateway can serve them on the
// standard /metrics endpoint. A package-level default instance
// ([Default]) is provided for convenience; tests should use [NewMetrics]
// with their own [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all instruments here.
const meterName = "github.com/Wike-CHI/timao-douyin-live-manager-sub002"

// Metrics holds the metric instruments. All fields are safe for
// concurrent use; the underlying OTel types synchronize themselves.
type Metrics struct {
	// Events counts recognizer events by op (append, replace, final).
	Events metric.Int64Counter

	// StaleEvents counts recognizer events dropped for stale sequence.
	StaleEvents metric.Int64Counter

	// DedupReplaced counts committed entries replaced by the dedup rule.
	DedupReplaced metric.Int64Counter

	// Danmu counts chat messages by category.
	Danmu metric.Int64Counter

	// Windows counts closed windows; attribute empty marks windows that
	// collected nothing.
	Windows metric.Int64Counter

	// DroppedWindows counts pending windows discarded on overflow.
	DroppedWindows metric.Int64Counter

	// Runs counts analysis runs by status and route.
	Runs metric.Int64Counter

	// RunDuration tracks full pipeline latency per run.
	RunDuration metric.Float64Histogram

	// GenerateDuration tracks the model call latency inside a run.
	GenerateDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets covers analysis runs, which are dominated by one model
// call in the low seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates the full instrument set on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Events, err = m.Int64Counter("timao.asr.events",
		metric.WithDescription("Recognizer events consumed, by op."),
	); err != nil {
		return nil, err
	}
	if met.StaleEvents, err = m.Int64Counter("timao.asr.stale_events",
		metric.WithDescription("Recognizer events dropped for stale sequence."),
	); err != nil {
		return nil, err
	}
	if met.DedupReplaced, err = m.Int64Counter("timao.transcript.dedup_replaced",
		metric.WithDescription("Committed entries replaced by the duplicate rule."),
	); err != nil {
		return nil, err
	}
	if met.Danmu, err = m.Int64Counter("timao.danmu.messages",
		metric.WithDescription("Chat messages ingested, by category."),
	); err != nil {
		return nil, err
	}
	if met.Windows, err = m.Int64Counter("timao.windows",
		metric.WithDescription("Windows closed, empty flagged by attribute."),
	); err != nil {
		return nil, err
	}
	if met.DroppedWindows, err = m.Int64Counter("timao.windows.dropped",
		metric.WithDescription("Pending windows discarded on run-slot overflow."),
	); err != nil {
		return nil, err
	}
	if met.Runs, err = m.Int64Counter("timao.runs",
		metric.WithDescription("Analysis runs, by status and route."),
	); err != nil {
		return nil, err
	}
	if met.RunDuration, err = m.Float64Histogram("timao.run.duration",
		metric.WithDescription("Full pipeline latency per analysis run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerateDuration, err = m.Float64Histogram("timao.generate.duration",
		metric.WithDescription("Model call latency inside an analysis run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("timao.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the package-level [Metrics] instance, creating it on
// first call from the global meter provider. Panics if instrument
// creation fails, which the global provider does not do.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordEvent counts one consumed recognizer event.
func (m *Metrics) RecordEvent(ctx context.Context, op string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordStaleEvent counts one dropped stale event.
func (m *Metrics) RecordStaleEvent(ctx context.Context) {
	m.StaleEvents.Add(ctx, 1)
}

// RecordDedupReplaced counts one dedup replacement.
func (m *Metrics) RecordDedupReplaced(ctx context.Context) {
	m.DedupReplaced.Add(ctx, 1)
}

// RecordDanmu counts one ingested chat message.
func (m *Metrics) RecordDanmu(ctx context.Context, category string) {
	m.Danmu.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordWindow counts one closed window.
func (m *Metrics) RecordWindow(ctx context.Context, empty bool) {
	m.Windows.Add(ctx, 1, metric.WithAttributes(attribute.Bool("empty", empty)))
}

// RecordDroppedWindow counts one pending window discarded on overflow.
func (m *Metrics) RecordDroppedWindow(ctx context.Context) {
	m.DroppedWindows.Add(ctx, 1)
}

// RecordRun counts one finished analysis run and its latency.
func (m *Metrics) RecordRun(ctx context.Context, status, route string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("route", route),
	)
	m.Runs.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, seconds, attrs)
}

// RecordGenerate tracks one model call's latency.
func (m *Metrics) RecordGenerate(ctx context.Context, model string, seconds float64) {
	m.GenerateDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("model", model)))
}

// SessionStarted bumps the active session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionStopped drops the active session gauge.
func (m *Metrics) SessionStopped(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}

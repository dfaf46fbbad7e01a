// Package observe provides the broker's OpenTelemetry metrics and the
// Prometheus exporter bridge behind /metrics.
//
// A package-level default Metrics instance (DefaultMetrics) is provided for
// convenience; tests should use NewMetrics with their own
// metric.MeterProvider to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all broker metrics.
const meterName = "github.com/voxbridge/voxbridge"

// Metrics holds all metric instruments. The underlying OTel types handle
// their own synchronization.
type Metrics struct {
	// Stage latency histograms. Use with attribute.String("stage", ...) on
	// StageDuration or the Record helpers below.
	ValidateDuration metric.Float64Histogram
	ASRDuration      metric.Float64Histogram
	AgentDuration    metric.Float64Histogram
	TTSDuration      metric.Float64Histogram
	TurnDuration     metric.Float64Histogram

	// FramesReceived counts inbound audio_chunk frames.
	FramesReceived metric.Int64Counter

	// Turns counts sealed turns. Use with attribute.String("status", ...).
	Turns metric.Int64Counter

	// Rejections counts validation rejections. Use with
	// attribute.String("reason", ...).
	Rejections metric.Int64Counter

	// Errors counts error frames sent to clients. Use with
	// attribute.String("reason", ...).
	Errors metric.Int64Counter

	// DroppedFrames counts outbound frames shed under backpressure. Use with
	// attribute.String("kind", ...).
	DroppedFrames metric.Int64Counter

	// ActiveSessions tracks live WebSocket sessions.
	ActiveSessions metric.Int64UpDownCounter

	// InFlightTurns tracks turns currently executing in the pipeline.
	InFlightTurns metric.Int64UpDownCounter
}

// latencyBuckets are histogram bucket boundaries in seconds, tuned for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialized Metrics using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.ValidateDuration, "voxbridge.validate.duration", "Latency of the two-stage audio validator."},
		{&met.ASRDuration, "voxbridge.asr.duration", "Latency of speech recognition."},
		{&met.AgentDuration, "voxbridge.agent.duration", "Latency of agent response generation."},
		{&met.TTSDuration, "voxbridge.tts.duration", "Latency of speech synthesis and streaming."},
		{&met.TurnDuration, "voxbridge.turn.duration", "End-to-end latency of one conversation turn."},
	}
	for _, h := range histograms {
		hist, err := m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		if err != nil {
			return nil, err
		}
		*h.dst = hist
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesReceived, "voxbridge.frames.received", "Total inbound audio_chunk frames."},
		{&met.Turns, "voxbridge.turns", "Total sealed turns by status."},
		{&met.Rejections, "voxbridge.rejections", "Total validation rejections by reason."},
		{&met.Errors, "voxbridge.errors", "Total error frames sent by reason."},
		{&met.DroppedFrames, "voxbridge.frames.dropped", "Total outbound frames shed under backpressure by kind."},
	}
	for _, c := range counters {
		ctr, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = ctr
	}

	var err error
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live WebSocket sessions."),
	); err != nil {
		return nil, err
	}
	if met.InFlightTurns, err = m.Int64UpDownCounter("voxbridge.inflight_turns",
		metric.WithDescription("Number of turns currently executing."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics instance, creating it on
// first call from the global meter provider. Panics if instrument creation
// fails, which cannot happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTurn increments the turn counter for one sealed turn.
func (m *Metrics) RecordTurn(ctx context.Context, status string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRejection increments the rejection counter.
func (m *Metrics) RecordRejection(ctx context.Context, reason string) {
	m.Rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordError increments the error-frame counter.
func (m *Metrics) RecordError(ctx context.Context, reason string) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDrop increments the dropped-frame counter.
func (m *Metrics) RecordDrop(ctx context.Context, kind string) {
	m.DroppedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ObserveStage records d into the given stage histogram.
func ObserveStage(ctx context.Context, h metric.Float64Histogram, d time.Duration) {
	h.Record(ctx, d.Seconds())
}

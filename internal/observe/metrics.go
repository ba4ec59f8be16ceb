// Package observe provides application-wide observability primitives for
// Frontdesk: OpenTelemetry metrics, tracing helpers, and the Prometheus
// exporter bridge behind /metrics.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution. The convenience
// recording methods are nil-safe so call paths need no metrics plumbing in
// tests.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Frontdesk metrics.
const meterName = "github.com/relayline/frontdesk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks time from first media frame to final transcript.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks streaming completion latency per turn.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks per-sentence synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider name.
	ProviderErrors metric.Int64Counter

	// DeniedCalls counts gate denials by reason.
	DeniedCalls metric.Int64Counter

	// TranscriptFinals counts final utterances handed to the dialogue loop.
	TranscriptFinals metric.Int64Counter

	// BilledMinutes counts minutes charged by the finaliser.
	BilledMinutes metric.Int64Counter

	// QueueDepth samples the reassembly queue's buffered-chunk count on every
	// push, exposing how far out of order TTS completions arrive.
	QueueDepth metric.Int64Histogram

	// --- Gauges ---

	// ActiveCalls tracks the number of admitted in-progress calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTDuration, err = m.Float64Histogram("frontdesk.stt.duration",
		metric.WithDescription("Latency from caller audio to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("frontdesk.llm.duration",
		metric.WithDescription("Streaming completion latency per dialogue turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("frontdesk.tts.duration",
		metric.WithDescription("Per-sentence synthesis latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("frontdesk.provider.requests",
		metric.WithDescription("Total provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("frontdesk.provider.errors",
		metric.WithDescription("Total provider errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.DeniedCalls, err = m.Int64Counter("frontdesk.calls.denied",
		metric.WithDescription("Calls denied by the access gate, by reason."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptFinals, err = m.Int64Counter("frontdesk.stt.finals",
		metric.WithDescription("Final utterances handed to the dialogue loop."),
	); err != nil {
		return nil, err
	}
	if met.BilledMinutes, err = m.Int64Counter("frontdesk.billing.minutes",
		metric.WithDescription("Minutes charged against tenant allowances."),
	); err != nil {
		return nil, err
	}

	if met.QueueDepth, err = m.Int64Histogram("frontdesk.playback.queue_depth",
		metric.WithDescription("Buffered out-of-order chunks in the reassembly queue, sampled per push."),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 5, 8),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("frontdesk.calls.active",
		metric.WithDescription("Number of admitted in-progress calls."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("frontdesk.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// CallStarted records an admitted call going live. Nil-safe.
func (m *Metrics) CallStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveCalls.Add(ctx, 1)
}

// CallEnded records an admitted call finishing. Nil-safe.
func (m *Metrics) CallEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveCalls.Add(ctx, -1)
}

// CallDenied records a gate denial with its reason. Nil-safe.
func (m *Metrics) CallDenied(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.DeniedCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// TranscriptFinal records one final utterance reaching the dialogue loop.
// Nil-safe.
func (m *Metrics) TranscriptFinal(ctx context.Context) {
	if m == nil {
		return
	}
	m.TranscriptFinals.Add(ctx, 1)
}

// ProviderError records a provider failure. Nil-safe.
func (m *Metrics) ProviderError(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// ProviderRequest records one provider API call with its outcome. Nil-safe.
func (m *Metrics) ProviderRequest(ctx context.Context, provider, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

// RecordMinutes records minutes charged by the finaliser. Nil-safe.
func (m *Metrics) RecordMinutes(ctx context.Context, minutes int) {
	if m == nil {
		return
	}
	m.BilledMinutes.Add(ctx, int64(minutes))
}

// RecordQueueDepth samples the reassembly queue's buffered-chunk count.
// Nil-safe.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Record(ctx, int64(depth))
}

// RecordSTTDuration records one audio-to-final-transcript latency sample.
// Nil-safe.
func (m *Metrics) RecordSTTDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.recordStage(ctx, m.STTDuration, d)
}

// RecordLLMDuration records one streaming-completion latency sample. Nil-safe.
func (m *Metrics) RecordLLMDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.recordStage(ctx, m.LLMDuration, d)
}

// RecordTTSDuration records one per-sentence synthesis latency sample.
// Nil-safe.
func (m *Metrics) RecordTTSDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.recordStage(ctx, m.TTSDuration, d)
}

func (m *Metrics) recordStage(ctx context.Context, h metric.Float64Histogram, d time.Duration) {
	if h == nil {
		return
	}
	h.Record(ctx, d.Seconds())
}

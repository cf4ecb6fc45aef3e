// Package observe holds the bridge's telemetry: OpenTelemetry instruments,
// span helpers, trace-aware loggers, and the HTTP middleware joining them.
//
// Instruments are created through the OpenTelemetry metrics API and scraped
// from the Prometheus registry owned by [Telemetry]. Production code uses
// [DefaultMetrics], bound to the global provider; tests build their own with
// [NewMetrics] on a private provider.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/MrWong99/phonebridge"

// Reasons attached to [Metrics.FramesDropped].
const (
	DropReasonBadJSON      = "bad_json"
	DropReasonBadPayload   = "bad_payload"
	DropReasonBadTimestamp = "bad_timestamp"
	DropReasonOtherTrack   = "other_track"
	DropReasonUnbound      = "unbound"
)

// Metrics holds the bridge's instruments. Fields are safe for concurrent use.
type Metrics struct {
	// Up-down counters. MailboxDepth carries a "mailbox" attribute, either
	// "game" or "dispatch".
	ActiveCalls  metric.Int64UpDownCounter
	ActiveGames  metric.Int64UpDownCounter
	MailboxDepth metric.Int64UpDownCounter

	// Counters. FramesDropped carries a "reason" attribute; BreakerTransitions
	// carries "breaker" and "to".
	CodesAllocated     metric.Int64Counter
	CodesBound         metric.Int64Counter
	FlushUnits         metric.Int64Counter
	FramesDropped      metric.Int64Counter
	TTSErrors          metric.Int64Counter
	BreakerTransitions metric.Int64Counter

	// Histograms in seconds. TTSDuration carries "status";
	// HTTPRequestDuration carries "method" and "path".
	TTSDuration         metric.Float64Histogram
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds sized for synthesis.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := instruments{meter: mp.Meter(meterName)}
	met := &Metrics{
		ActiveCalls:  b.gauge("phonebridge.active_calls", "Number of connected telephony legs."),
		ActiveGames:  b.gauge("phonebridge.active_games", "Number of connected game clients."),
		MailboxDepth: b.gauge("phonebridge.mailbox.depth", "Messages waiting in unbounded mailboxes by mailbox kind."),

		CodesAllocated:     b.counter("phonebridge.codes.allocated", "Total access codes allocated."),
		CodesBound:         b.counter("phonebridge.codes.bound", "Total calls bound to a game session."),
		FlushUnits:         b.counter("phonebridge.flush_units", "Total audio flush units sent to speech recognition."),
		FramesDropped:      b.counter("phonebridge.frames.dropped", "Total inbound messages skipped by reason."),
		TTSErrors:          b.counter("phonebridge.tts.errors", "Total swallowed text-to-speech failures."),
		BreakerTransitions: b.counter("phonebridge.breaker.transitions", "Total circuit breaker state changes by breaker and target state."),

		TTSDuration:         b.seconds("phonebridge.tts.duration", "Latency of text-to-speech synthesis.", latencyBuckets),
		HTTPRequestDuration: b.seconds("phonebridge.http.request.duration", "HTTP request latency by method and path.", nil),
	}
	if b.err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", b.err)
	}
	return met, nil
}

// instruments creates instruments on one meter and collects their errors.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.err = errors.Join(b.err, err)
	return g
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.err = errors.Join(b.err, err)
	return c
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.err = errors.Join(b.err, err)
	return h
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

// RecordFrameDropped increments the dropped-frame counter for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTTS records one synthesis attempt. A non-nil err also counts as a
// swallowed failure.
func (m *Metrics) RecordTTS(ctx context.Context, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.TTSErrors.Add(ctx, 1)
	}
	m.TTSDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordBreakerTransition counts a circuit breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}

// MailboxGauge returns a callback pair that tracks the depth of one mailbox
// kind. push is called after an enqueue and pop after a dequeue.
func (m *Metrics) MailboxGauge(kind string) (push, pop func()) {
	attrs := metric.WithAttributes(attribute.String("mailbox", kind))
	push = func() { m.MailboxDepth.Add(context.Background(), 1, attrs) }
	pop = func() { m.MailboxDepth.Add(context.Background(), -1, attrs) }
	return push, pop
}

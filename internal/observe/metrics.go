// Package observe ties together the observability of voicedesk: OpenTelemetry
// metrics exposed to Prometheus, request and turn tracing, trace-aware slog
// loggers and the HTTP middleware that applies all three.
//
// Tests should build their own [Metrics] with [NewMetrics] and an SDK meter
// provider backed by a manual reader; [DefaultMetrics] is bound to the
// global provider.
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

const meterName = "github.com/MrWong99/voicedesk"

// Frame drop reasons.
const (
	DropNotConnected = "not_connected"
	DropMailboxFull  = "mailbox_full"
	DropNotStreaming = "not_streaming"
	DropMalformed    = "malformed"
)

// Metrics holds the instruments recorded by the call client, the voice
// server and the HTTP layer. The instruments are safe for concurrent use.
type Metrics struct {
	// ── call client ──

	FramesSent    metric.Int64Counter
	FramesDropped metric.Int64Counter // attribute "reason"
	DecodeErrors  metric.Int64Counter
	ClipDuration  metric.Float64Histogram

	// ── voice server ──

	ActiveConnections metric.Int64UpDownCounter
	TurnDuration      metric.Float64Histogram // attribute "source"
	LLMDuration       metric.Float64Histogram
	TTSDuration       metric.Float64Histogram
	ProviderRequests  metric.Int64Counter // attributes "provider", "kind", "status"
	ProviderErrors    metric.Int64Counter // attributes "provider", "kind"
	TicketsCreated    metric.Int64Counter // attribute "source"

	// ── http ──

	HTTPRequestDuration metric.Float64Histogram // attributes "method", "path"
}

// latencyBuckets are in seconds and sized for provider round trips.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// clipBuckets cover replies from a single word to a long paragraph.
var clipBuckets = []float64{0.5, 1, 2, 4, 8, 15, 30, 60}

// instruments creates instruments on one meter and remembers every failure,
// so NewMetrics reports all bad definitions at once.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.note(name, err)
	return c
}

func (in *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.note(name, err)
	return c
}

func (in *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.note(name, err)
	return h
}

func (in *instruments) note(name string, err error) {
	if err != nil {
		in.errs = append(in.errs, fmt.Errorf("%s: %w", name, err))
	}
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		FramesSent:    in.counter("voicedesk.frames.sent", "Capture frames written to the call transport."),
		FramesDropped: in.counter("voicedesk.frames.dropped", "Audio frames discarded, by reason."),
		DecodeErrors:  in.counter("voicedesk.playback.decode.errors", "Agent audio payloads that failed to decode."),
		ClipDuration:  in.seconds("voicedesk.playback.clip.duration", "Playing time of decoded agent replies.", clipBuckets),

		ActiveConnections: in.upDown("voicedesk.ws.active_connections", "Open voice WebSocket connections."),
		TurnDuration:      in.seconds("voicedesk.agent.turn.duration", "Time from user input to the end of the spoken reply.", latencyBuckets),
		LLMDuration:       in.seconds("voicedesk.llm.duration", "Latency of the agent responder.", latencyBuckets),
		TTSDuration:       in.seconds("voicedesk.tts.duration", "Latency of text-to-speech synthesis.", latencyBuckets),
		ProviderRequests:  in.counter("voicedesk.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:    in.counter("voicedesk.provider.errors", "Provider failures by provider and kind."),
		TicketsCreated:    in.counter("voicedesk.tickets.created", "Support tickets created, by source."),

		HTTPRequestDuration: in.seconds("voicedesk.http.request.duration", "HTTP request latency by method and route.", nil),
	}
	if err := errors.Join(in.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] bound to the global meter
// provider. It panics if the instruments cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTurn records one finished agent turn. source is "speech" or "text".
func (m *Metrics) RecordTurn(ctx context.Context, source string, d time.Duration) {
	m.TurnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("source", source)))
}

// RecordProviderRequest counts one provider call; status is "ok" or "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordTicketCreated counts one ticket; source is "api" or "escalation".
func (m *Metrics) RecordTicketCreated(ctx context.Context, source string) {
	m.TicketsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

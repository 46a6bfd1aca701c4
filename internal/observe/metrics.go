// Package observe wires OpenTelemetry into parley. Instruments in [Metrics]
// are scraped through the Prometheus bridge installed by [InitProvider];
// spans carry the trace IDs that [Logger] attaches to log records, and
// [Middleware] instruments the ops HTTP surface.
//
// Tests build their own [Metrics] with [NewMetrics] on a private
// [metric.MeterProvider] instead of sharing [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/parley"

// Outcomes for [Metrics.RecordCaptureFrame].
const (
	FrameSent    = "sent"
	FrameDropped = "dropped"
	FrameFailed  = "failed"
)

// Metrics is the set of instruments shared by the session, capture and
// playback packages.
type Metrics struct {
	// ConnectDuration is the transport handshake latency, labelled with
	// provider and status.
	ConnectDuration metric.Float64Histogram

	// CaptureFrames counts microphone frames, labelled with outcome.
	CaptureFrames metric.Int64Counter

	PlaybackUnits metric.Int64Counter
	Interruptions metric.Int64Counter
	DecodeErrors  metric.Int64Counter

	// Turns counts finalized transcript entries, labelled with source.
	Turns metric.Int64Counter

	// StateTransitions is labelled with from and to.
	StateTransitions metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is labelled with method, path and code.
	HTTPRequestDuration metric.Float64Histogram
}

// handshakeBuckets are upper bounds in seconds.
var handshakeBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewMetrics registers every instrument with mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	seconds := func(name, desc string, bounds ...float64) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if len(bounds) > 0 {
			opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
		}
		h, err := meter.Float64Histogram(name, opts...)
		errs = append(errs, err)
		return h
	}

	m := &Metrics{
		ConnectDuration:     seconds("parley.transport.connect.duration", "Latency of the transport handshake.", handshakeBuckets...),
		CaptureFrames:       counter("parley.capture.frames", "Microphone frames by outcome."),
		PlaybackUnits:       counter("parley.playback.units", "Audio chunks scheduled for playback."),
		Interruptions:       counter("parley.playback.interruptions", "Interruptions that cleared scheduled playback."),
		DecodeErrors:        counter("parley.playback.decode_errors", "Inbound audio chunks dropped as undecodable."),
		Turns:               counter("parley.transcript.entries", "Finalized transcript entries by source."),
		StateTransitions:    counter("parley.session.transitions", "Session state transitions."),
		HTTPRequestDuration: seconds("parley.http.request.duration", "Ops HTTP request latency."),
	}
	active, err := meter.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Live conversation sessions."))
	errs = append(errs, err)
	m.ActiveSessions = active

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		panic(err)
	}
	return m
})

// DefaultMetrics returns instruments bound to the global meter provider. Call
// it after [InitProvider] so they are exported.
func DefaultMetrics() *Metrics { return defaultMetrics() }

// RecordCaptureFrame counts one microphone frame.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, outcome string) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTurn counts one finalized transcript entry.
func (m *Metrics) RecordTurn(ctx context.Context, source string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordConnect records how long one Open attempt took.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

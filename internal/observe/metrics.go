// Package observe provides application-wide observability for Parley:
// OpenTelemetry metrics with a Prometheus exporter bridge, and the small set
// of instruments the call loop records.
//
// A package-level default [Metrics] instance ([Default]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks time from last partial to turn end.
	STTDuration metric.Float64Histogram

	// LLMFirstToken tracks time to first token of a completion.
	LLMFirstToken metric.Float64Histogram

	// LLMDuration tracks full completion latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks per-sentence synthesis latency.
	TTSDuration metric.Float64Histogram

	// ToolDuration tracks tool dispatch latency. Attribute: tool.
	ToolDuration metric.Float64Histogram

	// SaveDuration tracks call-store save latency.
	SaveDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed conversation turns. Attribute: outcome
	// (spoken, barged_in, timed_out, filtered).
	Turns metric.Int64Counter

	// BargeIns counts caller interruptions.
	BargeIns metric.Int64Counter

	// SaveConflicts counts optimistic-concurrency rejections.
	SaveConflicts metric.Int64Counter

	// LeaseLosses counts calls aborted by a lost lease.
	LeaseLosses metric.Int64Counter

	// Incidents counts operator-visible failures. Attribute: kind.
	Incidents metric.Int64Counter

	// FilteredSentences counts sentences dropped by content safety.
	FilteredSentences metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks currently handled calls in this process.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-loop latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	hist := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	var err error
	if met.STTDuration, err = hist("parley.stt.turn_close", "Time from last partial to detected turn end."); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = hist("parley.llm.first_token", "Time to first completion token."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = hist("parley.llm.duration", "Full completion latency."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = hist("parley.tts.duration", "Per-sentence synthesis latency."); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = hist("parley.tool.duration", "Tool dispatch latency."); err != nil {
		return nil, err
	}
	if met.SaveDuration, err = hist("parley.store.save_duration", "Call save latency."); err != nil {
		return nil, err
	}

	counter := func(name, desc string) (metric.Int64Counter, error) {
		return m.Int64Counter(name, metric.WithDescription(desc))
	}
	if met.Turns, err = counter("parley.turns", "Completed conversation turns."); err != nil {
		return nil, err
	}
	if met.BargeIns, err = counter("parley.barge_ins", "Caller interruptions while the bot was speaking."); err != nil {
		return nil, err
	}
	if met.SaveConflicts, err = counter("parley.store.conflicts", "Optimistic-concurrency save rejections."); err != nil {
		return nil, err
	}
	if met.LeaseLosses, err = counter("parley.lease.losses", "Calls aborted due to a lost lease."); err != nil {
		return nil, err
	}
	if met.Incidents, err = counter("parley.incidents", "Operator-visible failures."); err != nil {
		return nil, err
	}
	if met.FilteredSentences, err = counter("parley.safety.filtered", "Sentences dropped by content safety."); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = counter("parley.tool.calls", "Tool invocations."); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("parley.calls.active",
		metric.WithDescription("Calls currently handled by this process."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide [Metrics] built from the global OTel
// meter provider. Instrument creation errors fall back to a no-op provider
// and are intentionally swallowed — metrics must never take down the voice
// loop.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument names are static; this only fires on an OTel SDK
			// misconfiguration. Fall back to no-op instruments.
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Incident records an operator-visible failure under the given kind.
func (m *Metrics) Incident(ctx context.Context, kind string) {
	m.Incidents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Turn records a completed turn with its outcome.
func (m *Metrics) Turn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Tool records a tool invocation result.
func (m *Metrics) Tool(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// Package observe provides application-wide observability primitives for
// Renfield: OpenTelemetry metrics with a Prometheus exporter bridge and HTTP
// middleware that records request latencies.
//
// A package-level default is intentionally not provided; construct [Metrics]
// once in main and pass it down, so tests can use their own
// [metric.MeterProvider] without cross-test pollution.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Renfield metrics.
const meterName = "github.com/renfield-ai/renfield"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM call latency. Attributes: role, kind
	// (stream/json/embed), status.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// ToolExecutionDuration tracks capability-server tool execution latency.
	// Attributes: server, tool, status.
	ToolExecutionDuration metric.Float64Histogram

	// RetrievalDuration tracks knowledge/memory retrieval latency.
	// Attributes: source (dense/bm25/memory/feedback).
	RetrievalDuration metric.Float64Histogram

	// TurnDuration tracks full orchestrator turn latency. Attributes: path
	// (fast/agent).
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Attributes: path, status.
	Turns metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes: server, tool, status.
	ToolCalls metric.Int64Counter

	// Notifications counts notification ingest outcomes. Attributes: outcome
	// (delivered/suppressed/deduplicated/dropped).
	Notifications metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// resource, state.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live chat sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectedDevices tracks the number of registered devices.
	ConnectedDevices metric.Int64UpDownCounter

	// HealthyServers tracks the number of healthy capability servers.
	HealthyServers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	hist := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.STTDuration, err = hist("renfield.stt.duration", "Latency of speech-to-text transcription."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = hist("renfield.llm.duration", "Latency of LLM gateway calls."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = hist("renfield.tts.duration", "Latency of text-to-speech synthesis."); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = hist("renfield.tool.duration", "Latency of capability-server tool execution."); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = hist("renfield.retrieval.duration", "Latency of context retrieval arms."); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = hist("renfield.turn.duration", "End-to-end latency of one conversation turn."); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = hist("renfield.http.request.duration", "Latency of HTTP request handling."); err != nil {
		return nil, err
	}

	if met.Turns, err = m.Int64Counter("renfield.turns",
		metric.WithDescription("Completed conversation turns."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("renfield.tool.calls",
		metric.WithDescription("Capability-server tool invocations."),
	); err != nil {
		return nil, err
	}
	if met.Notifications, err = m.Int64Counter("renfield.notifications",
		metric.WithDescription("Notification ingest outcomes."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("renfield.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("renfield.sessions.active",
		metric.WithDescription("Live chat sessions."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedDevices, err = m.Int64UpDownCounter("renfield.devices.connected",
		metric.WithDescription("Registered devices."),
	); err != nil {
		return nil, err
	}
	if met.HealthyServers, err = m.Int64UpDownCounter("renfield.mcp.healthy_servers",
		metric.WithDescription("Healthy capability servers."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

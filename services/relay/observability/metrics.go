// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing setup for the relay.
//
// # Description
//
// Prometheus metrics cover the streaming path:
//   - Request and error counters (by endpoint, status, error code)
//   - Fragment and malformed-chunk counters
//   - Latency histograms (time to first fragment, total duration)
//   - Active stream gauge
//   - Persistence failures, keepalives and client disconnects
//
// OpenTelemetry tracing and OTel metric instruments are set up by Init.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "aleutian"
	relaySubsystem   = "relay"
)

// RelayMetrics holds the Prometheus metrics for relayed chat streams.
//
// # Description
//
// Create one per registry via NewRelayMetrics. A nil *RelayMetrics is valid
// and records nothing.
//
// # Thread Safety
//
// All operations are thread-safe.
type RelayMetrics struct {
	// RequestsTotal counts chat requests by endpoint and final status.
	// Labels: endpoint (sse, websocket), status (completed, failed, rejected, aborted)
	RequestsTotal *prometheus.CounterVec

	// ErrorsTotal counts errors by endpoint and code.
	ErrorsTotal *prometheus.CounterVec

	// FragmentsTotal counts content fragments forwarded to clients.
	FragmentsTotal prometheus.Counter

	// MalformedChunksTotal counts upstream data lines that failed to decode.
	// Labels: outcome (recovered, dropped)
	MalformedChunksTotal *prometheus.CounterVec

	// ActiveStreams tracks streams between Start and the terminal frame.
	ActiveStreams prometheus.Gauge

	// StreamDurationSeconds measures total stream duration.
	// Labels: status (completed, failed, aborted)
	StreamDurationSeconds *prometheus.HistogramVec

	// TimeToFirstFragmentSeconds measures the delay before the first fragment.
	TimeToFirstFragmentSeconds prometheus.Histogram

	// PersistenceFailuresTotal counts failed message store appends.
	// Labels: role (user, assistant)
	PersistenceFailuresTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts streams aborted by the client.
	ClientDisconnectsTotal prometheus.Counter

	// KeepAlivesTotal counts SSE comment pings sent.
	KeepAlivesTotal prometheus.Counter
}

// NewRelayMetrics creates and registers all relay metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register with. Use prometheus.DefaultRegisterer in
//     production and prometheus.NewRegistry() in tests.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	factory := promauto.With(reg)

	return &RelayMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "errors_total",
				Help:      "Total relay errors by endpoint and code",
			},
			[]string{"endpoint", "code"},
		),

		FragmentsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "fragments_total",
				Help:      "Total content fragments forwarded to clients",
			},
		),

		MalformedChunksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "malformed_chunks_total",
				Help:      "Upstream data lines that were not valid JSON",
			},
			[]string{"outcome"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "active_streams",
				Help:      "Number of streams currently relaying",
			},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		TimeToFirstFragmentSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "time_to_first_fragment_seconds",
				Help:      "Time from upstream open to first fragment in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		PersistenceFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "persistence_failures_total",
				Help:      "Failed message store appends by role",
			},
			[]string{"role"},
		),

		ClientDisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total streams aborted by client disconnect",
			},
		),

		KeepAlivesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
		),
	}
}

// =============================================================================
// Labels
// =============================================================================

// Endpoint names the surface a request arrived on.
type Endpoint string

const (
	EndpointSSE       Endpoint = "sse"
	EndpointWebSocket Endpoint = "websocket"
	EndpointHistory   Endpoint = "history"
)

// Status is the final outcome of a request.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
	StatusAborted   Status = "aborted"
)

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeUnauthorized     ErrorCode = "unauthorized"
	ErrorCodeUpstream         ErrorCode = "upstream"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeStream           ErrorCode = "stream"
	ErrorCodeTooLarge         ErrorCode = "too_large"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a finished request.
func (m *RelayMetrics) RecordRequest(endpoint Endpoint, status Status) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), string(status)).Inc()
}

// RecordError records an error by code.
func (m *RelayMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordFragment counts one forwarded fragment.
func (m *RelayMetrics) RecordFragment() {
	if m == nil {
		return
	}
	m.FragmentsTotal.Inc()
}

// RecordMalformed counts a malformed data line by whether any content was
// recovered from it.
func (m *RelayMetrics) RecordMalformed(recovered bool) {
	if m == nil {
		return
	}
	outcome := "dropped"
	if recovered {
		outcome = "recovered"
	}
	m.MalformedChunksTotal.WithLabelValues(outcome).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *RelayMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge and records duration.
func (m *RelayMetrics) StreamEnded(status Status, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamDurationSeconds.WithLabelValues(string(status)).Observe(seconds)
}

// RecordTimeToFirstFragment records the first-fragment latency.
func (m *RelayMetrics) RecordTimeToFirstFragment(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstFragmentSeconds.Observe(seconds)
}

// RecordPersistenceFailure counts a failed append for role.
func (m *RelayMetrics) RecordPersistenceFailure(role string) {
	if m == nil {
		return
	}
	m.PersistenceFailuresTotal.WithLabelValues(role).Inc()
}

// RecordClientDisconnect counts an aborted stream.
func (m *RelayMetrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}

// RecordKeepAlive counts a keepalive ping.
func (m *RelayMetrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}

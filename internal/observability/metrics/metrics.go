// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "callstream"

// Metrics holds all Prometheus metrics for the gateway and worker.
type Metrics struct {
	// Gateway connection metrics
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsActive  *prometheus.GaugeVec
	ConnectionDuration prometheus.Histogram
	AuthFailures       *prometheus.CounterVec
	ProtocolErrors     *prometheus.CounterVec
	FramesDropped      *prometheus.CounterVec

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter
	AudioFormatErrors   *prometheus.CounterVec

	// PubSub metrics
	PublishTotal    *prometheus.CounterVec
	PublishErrors   *prometheus.CounterVec
	PublishLatency  *prometheus.HistogramVec
	ConsumeTotal    *prometheus.CounterVec
	ConsumeRetries  *prometheus.CounterVec
	PendingReclaims prometheus.Counter

	// Worker buffer metrics
	BuffersActive    prometheus.Gauge
	ChunksDispatched *prometheus.CounterVec
	ChunkDurationMs  prometheus.Histogram
	SequenceGaps     prometheus.Counter
	DuplicateFrames  prometheus.Counter
	Teardowns        *prometheus.CounterVec

	// Provider metrics
	SessionsOpened    *prometheus.CounterVec
	SessionsActive    *prometheus.GaugeVec
	ProviderErrors    *prometheus.CounterVec
	SendTimeouts      prometheus.Counter
	EmptyTranscripts  prometheus.Counter
	TranscriptLatency prometheus.Histogram
	BacklogBreaches   *prometheus.CounterVec
	BreakerState      prometheus.Gauge

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = New()

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total telephony WebSocket connections accepted",
		}, []string{"protocol"}),
		ConnectionsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently active telephony WebSocket connections",
		}, []string{"protocol"}),
		ConnectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Duration of telephony connections in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		AuthFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected connections by auth mechanism",
		}, []string{"protocol", "mechanism"}),
		ProtocolErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Protocol violations by severity",
		}, []string{"protocol", "severity"}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Malformed media frames dropped without closing the connection",
		}, []string{"protocol", "reason"}),

		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received from the telephony edge",
		}),
		AudioFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received from the telephony edge",
		}),
		AudioFormatErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_format_errors_total",
			Help:      "Diagnostic audio format/energy anomalies",
		}, []string{"kind"}),

		PublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pubsub_publish_total",
			Help:      "Messages published per topic class",
		}, []string{"class"}),
		PublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pubsub_publish_errors_total",
			Help:      "Publish failures per topic class",
		}, []string{"class"}),
		PublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pubsub_publish_latency_seconds",
			Help:      "Publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"class"}),
		ConsumeTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pubsub_consume_total",
			Help:      "Messages consumed and acknowledged per topic class",
		}, []string{"class"}),
		ConsumeRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pubsub_consume_retries_total",
			Help:      "Messages left pending for redelivery after handler failure",
		}, []string{"class"}),
		PendingReclaims: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pubsub_pending_reclaims_total",
			Help:      "Pending entries reclaimed on subscription attach",
		}),

		BuffersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffers_active",
			Help:      "Live per-interaction audio buffers",
		}),
		ChunksDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dispatched_total",
			Help:      "Chunks handed to provider sessions",
		}, []string{"kind"}), // initial, optimal, forced
		ChunkDurationMs: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_ms",
			Help:      "Dispatched chunk audio duration in milliseconds",
			Buckets:   []float64{20, 40, 80, 120, 200, 400, 800, 1600},
		}),
		SequenceGaps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Detected per-interaction sequence gaps (diagnostic only)",
		}),
		DuplicateFrames: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_frames_total",
			Help:      "Redelivered frames dropped by the dedupe guard",
		}),
		Teardowns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Interaction teardowns by trigger",
		}, []string{"trigger"}), // call_end, stale, fatal

		SessionsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_sessions_opened_total",
			Help:      "Provider sessions opened",
		}, []string{"provider"}),
		SessionsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_sessions_active",
			Help:      "Open provider sessions",
		}, []string{"provider"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by class",
		}, []string{"provider", "class"}), // retryable, fatal
		SendTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_send_timeouts_total",
			Help:      "Pending sends resolved by timeout",
		}),
		EmptyTranscripts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_transcripts_total",
			Help:      "Provider results carrying no text",
		}),
		TranscriptLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcript_latency_seconds",
			Help:      "Time from chunk send to transcript resolution",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		BacklogBreaches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backlog_breaches_total",
			Help:      "In-flight chunk count threshold breaches",
		}, []string{"level"}), // warn, critical
		BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),

		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Partial transcripts published",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Final transcripts published",
		}),
	}
}

// RecordConnectionStart records a new telephony connection.
func (m *Metrics) RecordConnectionStart(protocol string) {
	m.ConnectionsTotal.WithLabelValues(protocol).Inc()
	m.ConnectionsActive.WithLabelValues(protocol).Inc()
}

// RecordConnectionEnd records a telephony connection closing.
func (m *Metrics) RecordConnectionEnd(protocol string, durationSeconds float64) {
	m.ConnectionsActive.WithLabelValues(protocol).Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordAuthFailure records a rejected upgrade.
func (m *Metrics) RecordAuthFailure(protocol, mechanism string) {
	m.AuthFailures.WithLabelValues(protocol, mechanism).Inc()
}

// RecordProtocolError records a protocol violation.
func (m *Metrics) RecordProtocolError(protocol, severity string) {
	m.ProtocolErrors.WithLabelValues(protocol, severity).Inc()
}

// RecordFrameDropped records a malformed media frame tolerated in place.
func (m *Metrics) RecordFrameDropped(protocol, reason string) {
	m.FramesDropped.WithLabelValues(protocol, reason).Inc()
}

// RecordAudioReceived records audio arriving at the edge.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordPublish records a publish attempt per topic class.
func (m *Metrics) RecordPublish(class string, err error, latencySeconds float64) {
	m.PublishTotal.WithLabelValues(class).Inc()
	m.PublishLatency.WithLabelValues(class).Observe(latencySeconds)
	if err != nil {
		m.PublishErrors.WithLabelValues(class).Inc()
	}
}

// RecordConsume records a consumed-and-acked message.
func (m *Metrics) RecordConsume(class string) {
	m.ConsumeTotal.WithLabelValues(class).Inc()
}

// RecordConsumeRetry records a handler failure leaving a message pending.
func (m *Metrics) RecordConsumeRetry(class string) {
	m.ConsumeRetries.WithLabelValues(class).Inc()
}

// RecordChunkDispatched records a chunk handoff.
func (m *Metrics) RecordChunkDispatched(kind string, durationMs float64) {
	m.ChunksDispatched.WithLabelValues(kind).Inc()
	m.ChunkDurationMs.Observe(durationMs)
}

// RecordTeardown records an interaction teardown.
func (m *Metrics) RecordTeardown(trigger string) {
	m.Teardowns.WithLabelValues(trigger).Inc()
}

// RecordProviderError records a classified provider error.
func (m *Metrics) RecordProviderError(provider, class string) {
	m.ProviderErrors.WithLabelValues(provider, class).Inc()
}

// RecordBacklogBreach records an in-flight threshold breach.
func (m *Metrics) RecordBacklogBreach(level string) {
	m.BacklogBreaches.WithLabelValues(level).Inc()
}

// RecordTranscript records a published transcript.
func (m *Metrics) RecordTranscript(isFinal bool) {
	if isFinal {
		m.TranscriptsFinal.Inc()
	} else {
		m.TranscriptsPartial.Inc()
	}
}

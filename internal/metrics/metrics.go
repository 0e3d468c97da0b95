package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsRegistry holds all Prometheus metrics for Skymetrics
type MetricsRegistry struct {
	// Ingest Metrics
	PacketsReceivedTotal prometheus.Counter
	BytesReceivedTotal   prometheus.Counter
	DecodeFailuresTotal  prometheus.Counter

	// Flight Metrics
	EventsRecordedTotal prometheus.Counter
	FlightsCompleted    prometheus.Counter
	SessionsActive      prometheus.Gauge

	// Submission Metrics
	SubmissionsTotal prometheus.CounterVec

	// Presence Metrics
	PresenceChecksTotal prometheus.CounterVec
}

// NewMetricsRegistry initializes and returns a new MetricsRegistry with all metrics
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		// Ingest Metrics
		PacketsReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skymetrics_packets_received_total",
				Help: "Total telemetry frames received over WebSocket",
			},
		),
		BytesReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skymetrics_bytes_received_total",
				Help: "Total telemetry bytes received over WebSocket",
			},
		),
		DecodeFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skymetrics_decode_failures_total",
				Help: "Total telemetry frames dropped because they failed to decode",
			},
		),

		// Flight Metrics
		EventsRecordedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skymetrics_events_recorded_total",
				Help: "Total flight events appended to session buffers",
			},
		),
		FlightsCompleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skymetrics_flights_completed_total",
				Help: "Total flights that reached engine shutdown after landing",
			},
		),
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "skymetrics_sessions_active",
				Help: "Number of currently registered pilot sessions",
			},
		),

		// Submission Metrics
		SubmissionsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skymetrics_submissions_total",
				Help: "Total flight log batch submissions by result",
			},
			[]string{"result"},
		),

		// Presence Metrics
		PresenceChecksTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skymetrics_presence_checks_total",
				Help: "Total presence checks by result",
			},
			[]string{"result"},
		),
	}
}

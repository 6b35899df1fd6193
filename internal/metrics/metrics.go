package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alerts_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alerts_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(16, 4, 8),
		},
		[]string{"method", "endpoint"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alerts_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(16, 4, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Classifier metrics
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_classifications_total",
			Help: "Total number of classified observations",
		},
		[]string{"status"}, // status: no_threshold, below_threshold, alert_triggered
	)

	ClassifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alerts_classify_duration_seconds",
			Help:    "Time taken to classify an observation",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
	)

	FilterFalsePositivesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_filter_false_positives_total",
			Help: "Filter hits that resolved to no configured threshold",
		},
	)

	FallbackActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alerts_fallback_active",
			Help: "1 when lookups are served by the in-memory fallback store",
		},
	)

	FallbackTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_fallback_transitions_total",
			Help: "Transitions into fallback mode",
		},
		[]string{"reason"}, // reason: store_unavailable, admin
	)

	// Membership filter metrics
	FilterEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alerts_filter_entries",
			Help: "Digests added to the membership filter",
		},
	)

	FilterCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alerts_filter_capacity",
			Help: "Planned capacity of the membership filter",
		},
	)

	// Threshold table metrics
	TableReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alerts_table_ready",
			Help: "1 once the threshold table has finished recovery",
		},
	)

	TableRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alerts_table_records",
			Help: "Threshold records found during table recovery",
		},
	)

	TableRecoveryDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alerts_table_recovery_seconds",
			Help: "Time from start until the threshold table became ready",
		},
	)

	// Config ingest metrics
	IngestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_ingest_records_total",
			Help: "Configuration records consumed from the config log",
		},
		[]string{"result"}, // result: applied, deleted, malformed, failed
	)

	// Emitter metrics
	AlertsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_emitted_total",
			Help: "Alert emissions by outcome",
		},
		[]string{"status"}, // status: published, failed, timeout, dropped
	)

	AlertPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alerts_publish_duration_seconds",
			Help:    "Time taken to publish one alert",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	EmitterQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alerts_emitter_queue_size",
			Help: "Alerts waiting for a publish worker",
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alerts_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Listener metrics
	ListenerRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_listener_records_total",
			Help: "Alert records consumed by the listener",
		},
		[]string{"result"}, // result: delivered, malformed, sink_error
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imaging_messages_total",
			Help: "Total number of extract messages processed, by outcome (count)",
		},
		[]string{"queue", "outcome"},
	)

	MessagesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imaging_messages_in_flight",
			Help: "Number of extract messages currently being processed (count)",
		},
	)

	SourceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dicom_source_requests_total",
			Help: "Total number of DIMSE requests issued, by source and operation (count)",
		},
		[]string{"source", "operation", "status"},
	)

	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dicom_transfer_duration_seconds",
			Help:    "Duration of C-MOVE transfers in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"source"},
	)

	AnonymisedInstancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anonymised_instances_total",
			Help: "Total number of DICOM instances anonymised, by status (count)",
		},
		[]string{"project", "status"},
	)

	ExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exports_total",
			Help: "Total number of study exports, by destination kind and status (count)",
		},
		[]string{"destination", "status"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imaging_queue_depth",
			Help: "Number of messages waiting in each imaging queue (count)",
		},
		[]string{"queue"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"operation"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages dead-lettered (count)",
		},
		[]string{"queue", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RawCacheStudies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raw_cache_studies",
			Help: "Number of studies currently held in the raw cache (count)",
		},
	)

	RawCacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raw_cache_evictions_total",
			Help: "Total number of studies evicted from the raw cache (count)",
		},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)
)

var registered bool

// Register installs the pipeline collectors on the default registry.
// Safe to call once per process.
func Register() {
	if registered {
		return
	}
	registered = true
	prometheus.MustRegister(
		MessagesTotal,
		MessagesInFlight,
		SourceRequestsTotal,
		TransferDuration,
		AnonymisedInstancesTotal,
		ExportsTotal,
		QueueDepth,
		RetryAttemptsTotal,
		DLQMessagesTotal,
		CircuitBreakerState,
		CircuitBreakerFailures,
		RawCacheStudies,
		RawCacheEvictionsTotal,
		StageDuration,
	)
}

func ObserveStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

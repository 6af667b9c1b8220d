package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsLaunchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planb_jobs_launched_total",
			Help: "Total number of job pipelines launched by the scheduler",
		},
	)

	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planb_job_transitions_total",
			Help: "Total number of persisted job status transitions",
		},
		[]string{"status"},
	)

	JobsStoppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planb_jobs_stopped_total",
			Help: "Total number of jobs marked STOPPED by the startup recovery sweep",
		},
	)

	RegistryDivergenceTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planb_registry_divergence_total",
			Help: "Total number of transitions applied in memory but not persisted",
		},
	)

	// Gauges
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "planb_jobs_in_flight",
			Help: "Jobs occupying an admission slot at the last scheduler tick",
		},
	)

	JobsWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "planb_jobs_waiting",
			Help: "CREATED jobs left for a later tick at the last scheduler tick",
		},
	)

	// Histograms
	// Buckets: 50ms .. ~27min, remote commands range from mkdir to multi-minute transfers.
	RemoteCommandSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planb_remote_command_duration_seconds",
			Help:    "Remote command execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
		},
		[]string{"host", "outcome"}, // outcome: ok, exit, transport
	)

	JobStepSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planb_job_step_duration_seconds",
			Help:    "Pipeline step duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
		[]string{"step", "success"},
	)
)

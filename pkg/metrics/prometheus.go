package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TenantResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursegrid_tenant_resolutions_total",
			Help: "Inbound requests by resolution source and outcome",
		},
		[]string{"source", "outcome"},
	)

	ResolutionCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursegrid_resolution_cache_total",
			Help: "Resolution cache lookups by result",
		},
		[]string{"result"},
	)

	PoolsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coursegrid_pools_open",
			Help: "Number of live database pools held by the registry",
		},
	)

	PoolOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursegrid_pool_opens_total",
			Help: "Pool open attempts by outcome",
		},
		[]string{"outcome"},
	)

	PoolRetired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursegrid_pool_retired_total",
			Help: "Pools closed by the registry by reason",
		},
		[]string{"reason"},
	)

	ProvisioningTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursegrid_provisioning_transitions_total",
			Help: "Setup status transitions recorded by the provisioner",
		},
		[]string{"status"},
	)

	ProvisioningDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coursegrid_provisioning_step_duration_seconds",
			Help:    "Provisioning step duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"step"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursegrid_jobs_total",
			Help: "Background jobs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coursegrid_job_duration_seconds",
			Help:    "Background job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"kind"},
	)

	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursegrid_job_retries_total",
			Help: "Total number of job retries",
		},
		[]string{"kind"},
	)

	BatchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursegrid_admin_batch_results_total",
			Help: "Per-tenant results of admin batch commands",
		},
		[]string{"command", "outcome"},
	)

	ContextErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursegrid_context_errors_total",
			Help: "Binding discipline errors by kind",
		},
		[]string{"kind"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coursegrid_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coursegrid_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

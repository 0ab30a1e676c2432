package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuemby/bos/pkg/storage"
)

var (
	// Fleet metrics
	ComponentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bos_components_total",
			Help: "Total number of components by phase and status",
		},
		[]string{"phase", "status"},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bos_sessions_total",
			Help: "Total number of sessions by status",
		},
		[]string{"status"},
	)

	// Operator metrics
	OperatorCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bos_operator_cycles_total",
			Help: "Total number of operator iterations by operator",
		},
		[]string{"operator"},
	)

	OperatorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bos_operator_errors_total",
			Help: "Total number of failed operator iterations by operator",
		},
		[]string{"operator"},
	)

	OperatorCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bos_operator_cycle_duration_seconds",
			Help:    "Operator iteration duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operator"},
	)

	ComponentsActedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bos_components_acted_total",
			Help: "Total number of components acted on by operator",
		},
		[]string{"operator"},
	)

	// External service metrics
	ExternalCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bos_external_call_duration_seconds",
			Help:    "External service call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	ExternalCallErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bos_external_call_errors_total",
			Help: "Total number of failed external service calls by service",
		},
		[]string{"service"},
	)

	// Store metrics
	StorePatchConflictsTotal = prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "bos_store_patch_conflicts_total",
			Help: "Total number of store patches that retried on concurrent modification",
		},
		func() float64 { return float64(storage.PatchConflicts()) },
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bos_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bos_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		ComponentsTotal,
		SessionsTotal,
		OperatorCyclesTotal,
		OperatorErrorsTotal,
		OperatorCycleDuration,
		ComponentsActedTotal,
		ExternalCallDuration,
		ExternalCallErrorsTotal,
		StorePatchConflictsTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes Prometheus collectors for the workspace
// services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Provisioning metrics
	ProvisionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspaced_provision_attempts_total",
			Help: "Provisioning attempts by outcome",
		},
		[]string{"outcome"},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workspaced_provision_duration_seconds",
			Help:    "Wall-clock time from job start to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	JobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspaced_job_transitions_total",
			Help: "Job state transitions by target state",
		},
		[]string{"state"},
	)

	// Job proxy metrics
	ProxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspaced_proxy_requests_total",
			Help: "Job proxy responses by status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		ProvisionAttempts,
		ProvisionDuration,
		JobTransitions,
		ProxyRequests,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics holds the Prometheus collectors for the playground engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playground_mutations_total",
		Help: "Mutations processed by the pipeline, by result (applied, skipped, dropped).",
	}, []string{"result"})

	MutationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "playground_mutation_duration_seconds",
		Help:    "Time spent applying and reconciling one mutation.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	LoadCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playground_load_cycles_total",
		Help: "Incremental loader fetches, by phase (priority, background) and result.",
	}, []string{"phase", "result"})

	RunsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playground_runs_dispatched_total",
		Help: "Test run requests posted to workers.",
	})

	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playground_runs_completed_total",
		Help: "Test runs that reached a terminal state, by status.",
	}, []string{"status"})

	ResultsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playground_results_discarded_total",
		Help: "Worker results dropped by the correlation gate, by reason.",
	}, []string{"reason"})

	CASEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "playground_cas_entries",
		Help: "Entries held by each content-addressable store domain.",
	}, []string{"domain"})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playground_subscribers",
		Help: "Active state subscriptions.",
	})

	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "playground_http_request_duration_seconds",
		Help:    "HTTP request latency, by route pattern and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

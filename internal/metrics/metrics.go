// Package metrics holds the prometheus collectors shared by the dispatcher
// and the worker handlers. The OAuth bridge's fiber middleware exposes the
// registry at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch counts event deliveries through the trigger dispatcher.
type Dispatch struct {
	Dispatched *prometheus.CounterVec
	Retried    *prometheus.CounterVec
	Failed     *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

// Ingestion counts result-ingestion outcomes, including the anomalies that
// degrade to "no-op, logged": this is the only visibility a support person
// gets into why a contribution did not count.
type Ingestion struct {
	Accepted  prometheus.Counter
	Malformed prometheus.Counter
	Flagged   *prometheus.CounterVec // reason: too_fast | blocklist
	Duplicate prometheus.Counter
}

// NewDispatch registers the dispatcher collectors on reg.
func NewDispatch(reg prometheus.Registerer) *Dispatch {
	return &Dispatch{
		Dispatched: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mapswipe_events_dispatched_total",
			Help: "Events matched to a route and enqueued for delivery.",
		}, []string{"route"}),
		Retried: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mapswipe_handler_retries_total",
			Help: "Handler invocations requeued after an error.",
		}, []string{"route"}),
		Failed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mapswipe_handler_failures_total",
			Help: "Events dropped after the attempt budget was spent.",
		}, []string{"route"}),
		Duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mapswipe_handler_duration_seconds",
			Help:    "Wall-clock time per handler invocation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// NewIngestion registers the ingestion collectors on reg.
func NewIngestion(reg prometheus.Registerer) *Ingestion {
	return &Ingestion{
		Accepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapswipe_results_accepted_total",
			Help: "First-time results credited to a user.",
		}),
		Malformed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapswipe_results_malformed_total",
			Help: "Result uploads missing required fields, absorbed silently.",
		}),
		Flagged: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mapswipe_results_flagged_total",
			Help: "Results deleted by the anti-abuse screen.",
		}, []string{"reason"}),
		Duplicate: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapswipe_results_duplicate_total",
			Help: "Replayed or resubmitted results absorbed by the membership guard.",
		}),
	}
}

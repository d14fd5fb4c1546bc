// Package metrics exposes Prometheus collectors for the federation core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks federation core metrics.
type Metrics struct {
	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Fetcher metrics
	FetchTotal     *prometheus.CounterVec
	FetchCoalesced prometheus.Counter

	// Webfinger metrics
	ResolveTotal *prometheus.CounterVec

	// Job metrics
	JobsEnqueued  *prometheus.CounterVec
	JobsProcessed *prometheus.CounterVec
	JobsReclaimed prometheus.Counter
	QueueDepth    prometheus.Gauge
}

// New creates all collectors and registers them with reg. Passing nil
// registers against a private registry, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sable_cache_hits_total",
			Help: "Cache hits by store name.",
		}, []string{"store"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sable_cache_misses_total",
			Help: "Cache misses by store name.",
		}, []string{"store"}),
		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sable_fetch_total",
			Help: "Remote object fetches by result.",
		}, []string{"result"}),
		FetchCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Name: "sable_fetch_coalesced_total",
			Help: "Fetch calls that attached to an existing in-flight request.",
		}),
		ResolveTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sable_webfinger_resolve_total",
			Help: "Webfinger resolutions by result.",
		}, []string{"result"}),
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sable_jobs_enqueued_total",
			Help: "Jobs enqueued by kind.",
		}, []string{"kind"}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sable_jobs_processed_total",
			Help: "Job handler invocations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		JobsReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sable_jobs_reclaimed_total",
			Help: "Jobs reclaimed after an expired lease.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sable_job_queue_depth",
			Help: "Jobs currently queued or running.",
		}),
	}
}

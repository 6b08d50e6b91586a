package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roadsafety_ingestion_jobs_total",
		Help: "Ingestion jobs finished, by source and status",
	}, []string{"source", "status"})
	JobDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roadsafety_ingestion_job_duration_seconds",
		Help:    "Ingestion job wall-clock duration in seconds",
		Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"source"})
	RecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roadsafety_records_total",
		Help: "Records processed by ingestion, by source and outcome (inserted, updated, failed)",
	}, []string{"source", "outcome"})
	SourceDegraded = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roadsafety_source_degraded",
		Help: "1 when a source has reached the consecutive failure limit",
	}, []string{"source"})
	RecomputeDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roadsafety_risk_recompute_duration_seconds",
		Help:    "Area risk recompute duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
	})
	QueryDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roadsafety_query_duration_ms",
		Help:    "Query duration in milliseconds, by route",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"route"})
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roadsafety_cache_hits_total",
		Help: "Total query cache hits",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roadsafety_cache_misses_total",
		Help: "Total query cache misses",
	})
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDurationSeconds)
	prometheus.MustRegister(RecordsTotal)
	prometheus.MustRegister(SourceDegraded)
	prometheus.MustRegister(RecomputeDurationSeconds)
	prometheus.MustRegister(QueryDurationMs)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler { return promhttp.Handler() }

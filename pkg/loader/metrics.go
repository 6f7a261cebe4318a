package loader

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every loader metric. Serve it with promhttp.HandlerFor.
var Registry = prometheus.NewRegistry()

var (
	// Cache metrics
	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jsnote_module_cache_hits_total",
		Help: "Total number of module cache hits",
	})

	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jsnote_module_cache_misses_total",
		Help: "Total number of module cache misses",
	})

	cacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jsnote_module_cache_evictions_total",
		Help: "Total number of module cache evictions",
	})

	storeEntriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jsnote_module_store_entries",
		Help: "Current number of entries in the module store",
	})

	storeSizeBytesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jsnote_module_store_size_bytes",
		Help: "Current size of stored module contents in bytes",
	})

	// Fetch metrics
	fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jsnote_module_fetch_duration_seconds",
		Help:    "Duration of module fetch operations",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
	}, []string{"rule", "status"})

	fetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jsnote_module_fetch_total",
		Help: "Total number of module fetch operations",
	}, []string{"rule", "status"})

	// Load metrics
	loadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jsnote_module_loads_total",
		Help: "Total number of module loads by the rule that produced them",
	}, []string{"rule"})
)

func init() {
	Registry.MustRegister(
		cacheHitsTotal,
		cacheMissesTotal,
		cacheEvictionsTotal,
		storeEntriesGauge,
		storeSizeBytesGauge,
		fetchDuration,
		fetchTotal,
		loadsTotal,
	)
}

// RecordCacheHit records a cache hit
func RecordCacheHit() {
	cacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss() {
	cacheMissesTotal.Inc()
}

// RecordCacheEviction records a cache eviction
func RecordCacheEviction() {
	cacheEvictionsTotal.Inc()
}

// UpdateStoreStats updates the store gauge metrics
func UpdateStoreStats(entries int, sizeBytes int64) {
	storeEntriesGauge.Set(float64(entries))
	storeSizeBytesGauge.Set(float64(sizeBytes))
}

// RecordFetch records a fetch operation
func RecordFetch(rule string, status string, durationSeconds float64) {
	fetchDuration.WithLabelValues(rule, status).Observe(durationSeconds)
	fetchTotal.WithLabelValues(rule, status).Inc()
}

// RecordLoad records which rule produced a unit
func RecordLoad(rule string) {
	loadsTotal.WithLabelValues(rule).Inc()
}

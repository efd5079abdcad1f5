package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer (memory, disk).
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alexa_cache_hits_total",
			Help: "Total number of tagged-cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks cache misses.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alexa_cache_misses_total",
			Help: "Total number of tagged-cache misses",
		},
	)

	// CacheInvalidations tracks removed entries by trigger.
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alexa_cache_invalidations_total",
			Help: "Total number of tagged-cache invalidations",
		},
		[]string{"trigger"}, // "key", "tag", "pattern", "dependency", "clear"
	)

	// CacheExpirations tracks lazy evictions of expired entries.
	CacheExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alexa_cache_expirations_total",
			Help: "Total number of tagged-cache entries evicted on expiry",
		},
	)

	// CacheEntries tracks the current number of in-memory entries.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alexa_cache_entries",
			Help: "Current number of tagged-cache entries in memory",
		},
	)

	// CachePersistErrors tracks disk-tier writes that failed and were
	// swallowed.
	CachePersistErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alexa_cache_persist_errors_total",
			Help: "Total number of tagged-cache disk persists that failed",
		},
	)
)
